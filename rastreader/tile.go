package rastreader

import (
	"fmt"
	"math"
	"strings"

	"github.com/terrascope/geometry"
)

const (
	webMerc    = "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +wktext  +no_defs"
	geographic = "+proj=longlat +ellps=WGS84 +datum=WGS84 +no_defs"

	// half the width of the web mercator world in metres
	originShift = math.Pi * 6378137
	// latitude where web mercator stops
	maxLatitude = 85.0511287798066
)

// Tile addresses a slippy map tile.
type Tile struct {
	X, Y, Z int
}

// String formats the tile as z-x-y, the form used in job messages and keys.
func (t Tile) String() string {
	return fmt.Sprintf("%d-%d-%d", t.Z, t.X, t.Y)
}

// Bounds returns the tile extent in web mercator metres.
func (t Tile) Bounds() geometry.BoundingBox {
	size := 2 * originShift / math.Exp2(float64(t.Z))
	minX := -originShift + float64(t.X)*size
	maxY := originShift - float64(t.Y)*size
	return geometry.BBox(minX, maxY-size, minX+size, maxY)
}

func (t Tile) Quadkey() string {
	var sb strings.Builder
	for i := t.Z; i > 0; i-- {
		digit := byte('0')
		mask := 1 << uint(i-1)
		if t.X&mask != 0 {
			digit++
		}
		if t.Y&mask != 0 {
			digit += 2
		}
		sb.WriteByte(digit)
	}
	return sb.String()
}

// Parent returns the ancestor of t at zoom z. z must not exceed t.Z.
func (t Tile) Parent(z int) Tile {
	shift := uint(t.Z - z)
	return Tile{X: t.X >> shift, Y: t.Y >> shift, Z: z}
}

// Children returns the descendants of t at zoom z, in quadkey walk order
// (top-left, top-right, bottom-right, bottom-left at every level).
func (t Tile) Children(z int) []Tile {
	tiles := []Tile{t}
	for level := t.Z; level < z; level++ {
		next := make([]Tile, 0, len(tiles)*4)
		for _, c := range tiles {
			x, y := c.X*2, c.Y*2
			next = append(next,
				Tile{X: x, Y: y, Z: level + 1},
				Tile{X: x + 1, Y: y, Z: level + 1},
				Tile{X: x + 1, Y: y + 1, Z: level + 1},
				Tile{X: x, Y: y + 1, Z: level + 1},
			)
		}
		tiles = next
	}
	return tiles
}

func intersects(a, b geometry.BoundingBox) bool {
	return a.Min.X < b.Max.X && a.Max.X > b.Min.X && a.Min.Y < b.Max.Y && a.Max.Y > b.Min.Y
}
