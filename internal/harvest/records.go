// Package harvest pulls catalogue records out of a CSW endpoint page by
// page and mirrors them into the registry database.
package harvest

import (
	"encoding/xml"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/owsgate/owsgate/internal/ogc"
)

// Record is one harvested catalogue entry in the shape the store persists.
type Record struct {
	Identifier       string
	ParentIdentifier string
	Title            string
	// Type is the hierarchyLevel scope code (dataset, series, service).
	Type     string
	Modified *time.Time
	// Payload is the raw MD_Metadata element for later re-processing.
	Payload string
}

// Page is one parsed GetRecords response.
type Page struct {
	Matched    int
	Returned   int
	NextRecord int
	Records    []Record
}

// harvestedTypes are the hierarchy levels worth mirroring; everything else
// (features, attributes, ...) is skipped.
var harvestedTypes = map[string]bool{
	"dataset": true,
	"series":  true,
	"service": true,
}

// getRecordsParams builds the GetRecords query. resultType "hits" asks for
// the match count only, "results" for an actual page.
func getRecordsParams(resultType string, startPosition, maxRecords int) url.Values {
	v := url.Values{}
	v.Set("SERVICE", string(ogc.ServiceCSW))
	v.Set("REQUEST", ogc.OpGetRecords.WireName())
	v.Set("VERSION", "2.0.2")
	v.Set("typeNames", "gmd:MD_Metadata")
	v.Set("resultType", resultType)
	v.Set("outputFormat", "application/xml")
	v.Set("elementSetName", "full")
	v.Set("startPosition", strconv.Itoa(startPosition))
	v.Set("maxRecords", strconv.Itoa(maxRecords))
	return v
}

type charString struct {
	Value string `xml:"CharacterString"`
}

type mdMetadata struct {
	Raw              string     `xml:",innerxml"`
	FileIdentifier   charString `xml:"fileIdentifier"`
	ParentIdentifier charString `xml:"parentIdentifier"`
	HierarchyLevel   struct {
		Scope struct {
			Code string `xml:"codeListValue,attr"`
		} `xml:"MD_ScopeCode"`
	} `xml:"hierarchyLevel"`
	DateStamp struct {
		Date     string `xml:"Date"`
		DateTime string `xml:"DateTime"`
	} `xml:"dateStamp"`
	// identificationInfo wraps either MD_DataIdentification or
	// SV_ServiceIdentification; the any rule captures both.
	IdentificationInfo struct {
		Ident struct {
			Citation struct {
				CI struct {
					Title charString `xml:"title"`
				} `xml:"CI_Citation"`
			} `xml:"citation"`
		} `xml:",any"`
	} `xml:"identificationInfo"`
}

type searchResults struct {
	Matched    string       `xml:"numberOfRecordsMatched,attr"`
	Returned   string       `xml:"numberOfRecordsReturned,attr"`
	NextRecord string       `xml:"nextRecord,attr"`
	Metadata   []mdMetadata `xml:"MD_Metadata"`
}

type getRecordsResponse struct {
	XMLName xml.Name
	Results *searchResults `xml:"SearchResults"`
}

// parsePage decodes a GetRecords response. Records without an identifier or
// with an unharvested hierarchy level are dropped, matching how the counts
// in Page relate to what the store will see.
func parsePage(data []byte) (*Page, error) {
	var doc getRecordsResponse
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, &ogc.ParseError{Reason: "GetRecords response is not valid XML", Err: err}
	}
	if doc.Results == nil {
		return nil, &ogc.ParseError{Reason: "GetRecords response lacks SearchResults"}
	}

	p := &Page{
		Matched:    atoi(doc.Results.Matched),
		Returned:   atoi(doc.Results.Returned),
		NextRecord: atoi(doc.Results.NextRecord),
	}
	for _, md := range doc.Results.Metadata {
		id := strings.TrimSpace(md.FileIdentifier.Value)
		if id == "" {
			continue
		}
		typ := strings.TrimSpace(md.HierarchyLevel.Scope.Code)
		if typ != "" && !harvestedTypes[typ] {
			continue
		}
		p.Records = append(p.Records, Record{
			Identifier:       id,
			ParentIdentifier: strings.TrimSpace(md.ParentIdentifier.Value),
			Title:            strings.TrimSpace(md.IdentificationInfo.Ident.Citation.CI.Title.Value),
			Type:             typ,
			Modified:         parseDateStamp(md.DateStamp.Date, md.DateStamp.DateTime),
			Payload:          md.Raw,
		})
	}
	return p, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func parseDateStamp(date, dateTime string) *time.Time {
	for _, candidate := range []struct {
		layout, value string
	}{
		{time.RFC3339, strings.TrimSpace(dateTime)},
		{"2006-01-02T15:04:05", strings.TrimSpace(dateTime)},
		{"2006-01-02", strings.TrimSpace(date)},
	} {
		if candidate.value == "" {
			continue
		}
		if t, err := time.Parse(candidate.layout, candidate.value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
