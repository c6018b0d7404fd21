package geo

import (
	"fmt"
	"math"
)

// BBox is an axis-aligned bounding box.
type BBox struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

type Quadrant int

const (
	SW Quadrant = iota + 1
	SE
	NW
	NE
)

func (q Quadrant) String() string {
	switch q {
	case SW:
		return "SW"
	case SE:
		return "SE"
	case NW:
		return "NW"
	case NE:
		return "NE"
	default:
		return fmt.Sprintf("Quadrant(%d)", int(q))
	}
}

func (b BBox) Valid() bool {
	for _, v := range [4]float64{b.XMin, b.YMin, b.XMax, b.YMax} {
		if math.IsNaN(v) {
			return false
		}
	}
	return b.XMin <= b.XMax && b.YMin <= b.YMax
}

func (b BBox) Finite() bool {
	for _, v := range [4]float64{b.XMin, b.YMin, b.XMax, b.YMax} {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return false
		}
	}
	return true
}

func (b BBox) Width() float64  { return b.XMax - b.XMin }
func (b BBox) Height() float64 { return b.YMax - b.YMin }
func (b BBox) Area() float64   { return b.Width() * b.Height() }

// Center is the split point of a node. Both Quadrants and Split derive it from
// here so classification and child extents always agree.
func (b BBox) Center() (float64, float64) {
	return b.XMin + b.Width()/2, b.YMin + b.Height()/2
}

// Intersects uses closed intervals: boxes that only touch at an edge or corner
// intersect, as does a zero-area box with itself.
func (b BBox) Intersects(o BBox) bool {
	return !(o.XMin > b.XMax || o.XMax < b.XMin || o.YMin > b.YMax || o.YMax < b.YMin)
}

func (b BBox) Contains(o BBox) bool {
	return o.XMin >= b.XMin && o.XMax <= b.XMax && o.YMin >= b.YMin && o.YMax <= b.YMax
}

// Quadrants returns the quadrants of the box centered at (cx, cy) that b
// overlaps, in ascending order. Every valid box maps to at least one quadrant.
func (b BBox) Quadrants(cx, cy float64) []Quadrant {
	qs := make([]Quadrant, 0, 4)
	if b.XMin <= cx && b.YMin <= cy {
		qs = append(qs, SW)
	}
	if b.XMax > cx && b.YMin <= cy {
		qs = append(qs, SE)
	}
	if b.XMin <= cx && b.YMax >= cy {
		qs = append(qs, NW)
	}
	if b.XMax > cx && b.YMax >= cy {
		qs = append(qs, NE)
	}
	return qs
}

// Split returns the four child extents of b indexed by quadrant-1. The children
// share the center lines exactly, so they tile b without gaps.
func (b BBox) Split() [4]BBox {
	cx, cy := b.Center()
	return [4]BBox{
		{b.XMin, b.YMin, cx, cy},
		{cx, b.YMin, b.XMax, cy},
		{b.XMin, cy, cx, b.YMax},
		{cx, cy, b.XMax, b.YMax},
	}
}

func (b BBox) String() string {
	return fmt.Sprintf("(%g %g, %g %g)", b.XMin, b.YMin, b.XMax, b.YMax)
}
