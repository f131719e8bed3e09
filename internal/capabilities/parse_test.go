package capabilities

import (
	"errors"
	"reflect"
	"testing"

	"github.com/owsgate/owsgate/internal/ogc"
)

const wms130Doc = `<?xml version="1.0" encoding="UTF-8"?>
<WMS_Capabilities version="1.3.0" xmlns="http://www.opengis.net/wms" xmlns:xlink="http://www.w3.org/1999/xlink">
  <Service>
    <Name>WMS</Name>
    <Title>Topography</Title>
    <Abstract>Topographic base maps</Abstract>
    <KeywordList><Keyword>topo</Keyword><Keyword>base</Keyword></KeywordList>
    <OnlineResource xlink:href="https://maps.example.com/"/>
    <ContactInformation>
      <ContactPersonPrimary>
        <ContactPerson>Jo Doe</ContactPerson>
        <ContactOrganization>Example Agency</ContactOrganization>
      </ContactPersonPrimary>
      <ContactElectronicMailAddress>jo@example.com</ContactElectronicMailAddress>
    </ContactInformation>
    <Fees>none</Fees>
    <AccessConstraints>none</AccessConstraints>
  </Service>
  <Capability>
    <Request>
      <GetCapabilities>
        <Format>text/xml</Format>
        <DCPType><HTTP><Get><OnlineResource xlink:href="https://maps.example.com/ows?"/></Get></HTTP></DCPType>
      </GetCapabilities>
      <GetMap>
        <Format>image/png</Format>
        <Format>image/jpeg</Format>
        <DCPType><HTTP>
          <Get><OnlineResource xlink:href="https://maps.example.com/ows?"/></Get>
          <Post><OnlineResource xlink:href="https://maps.example.com/ows"/></Post>
        </HTTP></DCPType>
      </GetMap>
      <GetFeatureInfo>
        <Format>text/html</Format>
        <DCPType><HTTP><Get><OnlineResource xlink:href="https://maps.example.com/ows?"/></Get></HTTP></DCPType>
      </GetFeatureInfo>
    </Request>
    <Layer>
      <Title>Root</Title>
      <CRS>EPSG:4326</CRS>
      <CRS>EPSG:3857</CRS>
      <EX_GeographicBoundingBox>
        <westBoundLongitude>5</westBoundLongitude>
        <eastBoundLongitude>10</eastBoundLongitude>
        <southBoundLatitude>47</southBoundLatitude>
        <northBoundLatitude>55</northBoundLatitude>
      </EX_GeographicBoundingBox>
      <Layer queryable="1">
        <Name>roads</Name>
        <Title>Roads</Title>
        <Layer queryable="1"><Name>roads_major</Name><Title>Major roads</Title></Layer>
        <Layer queryable="1"><Name>roads_minor</Name><Title>Minor roads</Title></Layer>
      </Layer>
      <Layer>
        <Name>rivers</Name>
        <Title>Rivers</Title>
        <CRS>EPSG:25832</CRS>
      </Layer>
    </Layer>
  </Capability>
</WMS_Capabilities>`

func TestParseWMS130(t *testing.T) {
	doc, err := Parse([]byte(wms130Doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.Service != ogc.ServiceWMS || doc.Version != ogc.WMS130 {
		t.Fatalf("service/version = %s/%s", doc.Service, doc.Version)
	}
	if doc.Title != "Topography" || doc.Contact.Email != "jo@example.com" {
		t.Fatalf("metadata: %+v", doc)
	}
	ep, ok := doc.Operations[ogc.OpGetMap]
	if !ok || ep.GetURL == "" || ep.PostURL == "" {
		t.Fatalf("GetMap endpoints: %+v", ep)
	}
	if len(doc.OutputFormats) != 2 || doc.OutputFormats[0] != "image/png" {
		t.Fatalf("formats = %v", doc.OutputFormats)
	}

	tree := doc.Layers
	if tree.Len() != 5 {
		t.Fatalf("node count = %d", tree.Len())
	}
	if tree.Root().Name != "" || tree.Root().Title != "Root" {
		t.Fatalf("root = %+v", tree.Root())
	}

	// inheritance: rivers adds a CRS in the document but keeps the bounds
	rivers := tree.Nodes[tree.Find("rivers")].Layer
	if rivers.WGS84Bounds == nil || rivers.WGS84Bounds.MinX != 5 {
		t.Fatalf("rivers bounds not inherited: %+v", rivers.WGS84Bounds)
	}
	roads := tree.Nodes[tree.Find("roads")].Layer
	if !reflect.DeepEqual(roads.SRIDs, []int{4326, 3857}) {
		t.Fatalf("roads SRIDs not inherited: %v", roads.SRIDs)
	}
}

func TestParseWMSQueryableInheritance(t *testing.T) {
	doc, err := Parse([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<WMS_Capabilities version="1.3.0" xmlns="http://www.opengis.net/wms">
  <Service><Name>WMS</Name><Title>Q</Title></Service>
  <Capability>
    <Request/>
    <Layer queryable="1">
      <Title>Root</Title>
      <Layer><Name>inherits</Name><Title>Inherits</Title></Layer>
      <Layer queryable="0"><Name>opts_out</Name><Title>Opts out</Title></Layer>
    </Layer>
  </Capability>
</WMS_Capabilities>`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tree := doc.Layers
	if !tree.Nodes[tree.Find("inherits")].Layer.Queryable {
		t.Fatal("child without a queryable attribute must take the parent value")
	}
	if tree.Nodes[tree.Find("opts_out")].Layer.Queryable {
		t.Fatal("an explicit queryable=\"0\" must override the parent value")
	}
}

func TestLayerTreeLeafExpansion(t *testing.T) {
	doc, err := Parse([]byte(wms130Doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := doc.Layers.LeafNames([]string{"roads", "rivers", "unknown"})
	want := []string{"roads_major", "roads_minor", "rivers", "unknown"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("leaves = %v, want %v", got, want)
	}
}

func TestParseIsDeterministic(t *testing.T) {
	a, err := Parse([]byte(wms130Doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, err := Parse([]byte(wms130Doc))
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatal("same document must parse to the same result")
	}
}

const wms111Doc = `<?xml version="1.0" encoding="UTF-8"?>
<WMT_MS_Capabilities version="1.1.1">
  <Service><Name>OGC:WMS</Name><Title>Legacy</Title></Service>
  <Capability>
    <Request>
      <GetMap>
        <Format>image/png</Format>
        <DCPType><HTTP><Get><OnlineResource xmlns:xlink="http://www.w3.org/1999/xlink" xlink:href="http://old.example.com/wms?"/></Get></HTTP></DCPType>
      </GetMap>
    </Request>
    <Layer>
      <Name>base</Name>
      <Title>Base</Title>
      <SRS>EPSG:4326</SRS>
      <LatLonBoundingBox minx="-180" miny="-90" maxx="180" maxy="90"/>
    </Layer>
  </Capability>
</WMT_MS_Capabilities>`

func TestParseWMS111LegacyShapes(t *testing.T) {
	doc, err := Parse([]byte(wms111Doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.Version != ogc.WMS111 {
		t.Fatalf("version = %s", doc.Version)
	}
	root := doc.Layers.Root()
	if !reflect.DeepEqual(root.SRIDs, []int{4326}) {
		t.Fatalf("SRS not read: %v", root.SRIDs)
	}
	if root.WGS84Bounds == nil || root.WGS84Bounds.MaxY != 90 {
		t.Fatalf("LatLonBoundingBox not read: %+v", root.WGS84Bounds)
	}
}

const wfs20Doc = `<?xml version="1.0" encoding="UTF-8"?>
<wfs:WFS_Capabilities version="2.0.0"
    xmlns:wfs="http://www.opengis.net/wfs/2.0"
    xmlns:ows="http://www.opengis.net/ows/1.1"
    xmlns:xlink="http://www.w3.org/1999/xlink">
  <ows:ServiceIdentification>
    <ows:Title>Cadastre</ows:Title>
    <ows:Abstract>Parcel data</ows:Abstract>
  </ows:ServiceIdentification>
  <ows:ServiceProvider>
    <ows:ProviderName>Example Agency</ows:ProviderName>
  </ows:ServiceProvider>
  <ows:OperationsMetadata>
    <ows:Operation name="GetFeature">
      <ows:DCP><ows:HTTP>
        <ows:Get xlink:href="https://wfs.example.com/ows?"/>
        <ows:Post xlink:href="https://wfs.example.com/ows"/>
      </ows:HTTP></ows:DCP>
    </ows:Operation>
    <ows:Operation name="Transaction">
      <ows:DCP><ows:HTTP><ows:Post xlink:href="https://wfs.example.com/ows"/></ows:HTTP></ows:DCP>
    </ows:Operation>
  </ows:OperationsMetadata>
  <wfs:FeatureTypeList>
    <wfs:FeatureType>
      <wfs:Name>ns:parcels</wfs:Name>
      <wfs:Title>Parcels</wfs:Title>
      <wfs:DefaultCRS>urn:ogc:def:crs:EPSG::25832</wfs:DefaultCRS>
      <wfs:OtherCRS>urn:ogc:def:crs:EPSG::4326</wfs:OtherCRS>
      <ows:WGS84BoundingBox>
        <ows:LowerCorner>5.8 47.2</ows:LowerCorner>
        <ows:UpperCorner>15.0 55.1</ows:UpperCorner>
      </ows:WGS84BoundingBox>
    </wfs:FeatureType>
  </wfs:FeatureTypeList>
</wfs:WFS_Capabilities>`

func TestParseWFS20(t *testing.T) {
	doc, err := Parse([]byte(wfs20Doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.Service != ogc.ServiceWFS || doc.Version != ogc.WFS200 {
		t.Fatalf("service/version = %s/%s", doc.Service, doc.Version)
	}
	if doc.Contact.Organization != "Example Agency" {
		t.Fatalf("provider: %+v", doc.Contact)
	}
	if ep := doc.Operations[ogc.OpTransaction]; ep.PostURL == "" || ep.GetURL != "" {
		t.Fatalf("Transaction endpoint: %+v", ep)
	}
	if len(doc.FeatureTypes) != 1 {
		t.Fatalf("feature types = %d", len(doc.FeatureTypes))
	}
	ft := doc.FeatureTypes[0]
	if ft.DefaultSRID != 25832 || len(ft.OtherSRIDs) != 1 || ft.OtherSRIDs[0] != 4326 {
		t.Fatalf("CRS codes: %+v", ft)
	}
	if ft.WGS84Bounds == nil || ft.WGS84Bounds.MinX != 5.8 || ft.WGS84Bounds.MaxY != 55.1 {
		t.Fatalf("bounds: %+v", ft.WGS84Bounds)
	}
}

const wfs100Doc = `<?xml version="1.0" encoding="UTF-8"?>
<WFS_Capabilities version="1.0.0" xmlns="http://www.opengis.net/wfs">
  <Service>
    <Title>Legacy WFS</Title>
    <Keywords>cadastre, parcels</Keywords>
  </Service>
  <Capability>
    <Request>
      <GetFeature>
        <DCPType><HTTP><Get onlineResource="http://old.example.com/wfs?"/></HTTP></DCPType>
        <DCPType><HTTP><Post onlineResource="http://old.example.com/wfs"/></HTTP></DCPType>
      </GetFeature>
    </Request>
  </Capability>
  <FeatureTypeList>
    <FeatureType>
      <Name>parcels</Name>
      <SRS>EPSG:31467</SRS>
      <LatLongBoundingBox minx="5" miny="47" maxx="15" maxy="55"/>
    </FeatureType>
  </FeatureTypeList>
</WFS_Capabilities>`

func TestParseWFS100LegacyShapes(t *testing.T) {
	doc, err := Parse([]byte(wfs100Doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.Version != ogc.WFS100 {
		t.Fatalf("version = %s", doc.Version)
	}
	if len(doc.Keywords) != 2 || doc.Keywords[1] != "parcels" {
		t.Fatalf("keywords = %v", doc.Keywords)
	}
	ep := doc.Operations[ogc.OpGetFeature]
	if ep.GetURL != "http://old.example.com/wfs?" {
		t.Fatalf("legacy GET endpoint: %+v", ep)
	}
	ft := doc.FeatureTypes[0]
	if ft.DefaultSRID != 31467 || ft.WGS84Bounds == nil || ft.WGS84Bounds.MaxX != 15 {
		t.Fatalf("feature type: %+v", ft)
	}
}

func TestParseRejectsExceptionReport(t *testing.T) {
	_, err := Parse([]byte(`<ServiceExceptionReport version="1.3.0"><ServiceException>broken</ServiceException></ServiceExceptionReport>`))
	var pe *ogc.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestParseRejectsUnknownVersion(t *testing.T) {
	_, err := Parse([]byte(`<WMS_Capabilities version="9.9.9"><Capability><Layer><Title>x</Title></Layer></Capability></WMS_Capabilities>`))
	if err == nil {
		t.Fatal("unsupported version must be rejected")
	}
}
