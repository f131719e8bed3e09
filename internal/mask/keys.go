package mask

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/owsgate/owsgate/internal/geo"
)

// Key derives the cache key of a rendered mask. The geometry hash keeps
// keys short regardless of restriction complexity; bbox and size are part
// of the identity because the raster depends on them.
func Key(g geo.Geometry, bb geo.BBox, width, height int) string {
	sum := xxhash.Sum64String(g.GeoJSON())
	return fmt.Sprintf("mask:%016x:%s:%d:%dx%d", sum, bb.String(), bb.SRID, width, height)
}
