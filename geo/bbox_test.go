package geo

import (
	"math"
	"reflect"
	"testing"

	"github.com/niklasfasching/qtdb/util"
)

func TestQuadrants(t *testing.T) {
	cx, cy := 0.0, 0.0
	for _, tc := range []struct {
		name string
		b    BBox
		qs   []Quadrant
	}{
		{"inside sw", BBox{-10, -10, -5, -5}, []Quadrant{SW}},
		{"inside se", BBox{5, -10, 10, -5}, []Quadrant{SE}},
		{"inside nw", BBox{-10, 5, -5, 10}, []Quadrant{NW}},
		{"inside ne", BBox{5, 5, 10, 10}, []Quadrant{NE}},
		{"straddles vertical midline", BBox{-5, 5, 5, 10}, []Quadrant{NW, NE}},
		{"straddles horizontal midline", BBox{5, -5, 10, 5}, []Quadrant{SE, NE}},
		{"straddles both", BBox{-5, -5, 5, 5}, []Quadrant{SW, SE, NW, NE}},
		{"point at center", BBox{0, 0, 0, 0}, []Quadrant{SW, NW}},
		{"touches vertical midline from west", BBox{-5, 5, 0, 10}, []Quadrant{NW}},
		{"touches vertical midline from east", BBox{0, 5, 5, 10}, []Quadrant{NW, NE}},
		{"touches horizontal midline from south", BBox{5, -5, 10, 0}, []Quadrant{SE, NE}},
		{"touches horizontal midline from north", BBox{5, 0, 10, 5}, []Quadrant{SE, NE}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if qs := tc.b.Quadrants(cx, cy); !reflect.DeepEqual(qs, tc.qs) {
				t.Fatalf("%v: want %v got %v", tc.b, tc.qs, qs)
			}
		})
	}
}

func TestSplit(t *testing.T) {
	b := BBox{-180, -90, 180, 90}
	children := b.Split()
	t.Run("tiles parent", func(t *testing.T) {
		area := 0.0
		for _, c := range children {
			if !b.Contains(c) {
				t.Errorf("%v not inside %v", c, b)
			}
			area += c.Area()
		}
		if area != b.Area() {
			t.Fatalf("child areas sum to %v, not %v", area, b.Area())
		}
		if children[SW-1].XMax != children[SE-1].XMin || children[SW-1].YMax != children[NW-1].YMin ||
			children[NE-1].XMin != children[NW-1].XMax || children[NE-1].YMin != children[SE-1].YMax {
			t.Fatalf("children do not share center lines: %v", children)
		}
	})
	t.Run("child index matches quadrant", func(t *testing.T) {
		cx, cy := b.Center()
		for i, c := range children {
			// a point strictly inside a child must classify into that child only
			x, y := c.Center()
			qs := BBox{x, y, x, y}.Quadrants(cx, cy)
			if len(qs) != 1 || int(qs[0]) != i+1 {
				t.Errorf("child %d (%v): center classified as %v", i, c, qs)
			}
		}
	})
	t.Run("snapshot", func(t *testing.T) {
		util.Snapshot(t, children)
	})
}

func TestIntersects(t *testing.T) {
	b := BBox{0, 0, 10, 10}
	for _, tc := range []struct {
		o    BBox
		want bool
	}{
		{BBox{2, 2, 3, 3}, true},
		{BBox{-5, -5, 15, 15}, true},
		{BBox{10, 10, 20, 20}, true},
		{BBox{10, 0, 10, 0}, true},
		{BBox{10.5, 0, 20, 10}, false},
		{BBox{0, -5, 10, -0.1}, false},
	} {
		if got := b.Intersects(tc.o); got != tc.want || tc.o.Intersects(b) != tc.want {
			t.Errorf("%v intersects %v: want %v got %v", b, tc.o, tc.want, got)
		}
	}
	if p := (BBox{3, 3, 3, 3}); !p.Intersects(p) {
		t.Errorf("zero-area box must intersect itself")
	}
}

func TestValid(t *testing.T) {
	if !(BBox{1, 1, 1, 1}).Valid() {
		t.Errorf("zero-area box should be valid")
	}
	for _, b := range []BBox{{1, 0, 0, 1}, {0, 1, 1, 0}, {math.NaN(), 0, 1, 1}} {
		if b.Valid() {
			t.Errorf("%v should be invalid", b)
		}
	}
}

func TestAround(t *testing.T) {
	lat, lng, km := 52.52, 13.405, 10.0
	bs := Around(lat, lng, km)
	if len(bs) != 1 || !bs[0].Contains(BBox{lng, lat, lng, lat}) {
		t.Fatalf("%v does not contain center", bs)
	}
	b := bs[0]
	for _, corner := range [][2]float64{{b.YMax, lng}, {b.YMin, lng}, {lat, b.XMin}, {lat, b.XMax}} {
		if d := Haversine(lat, lng, corner[0], corner[1]); math.Abs(d-km) > 0.05 {
			t.Errorf("edge %v is %vkm away, want %vkm", corner, d, km)
		}
	}

	for _, tc := range []struct {
		name         string
		lat, lng, km float64
		inside       [][2]float64
		boxes        int
	}{
		{"east of antimeridian", 0, 179.95, 50, [][2]float64{{0, 179.95}, {0, -179.95}, {0.2, 179.7}}, 2},
		{"west of antimeridian", 0, -179.95, 50, [][2]float64{{0, -179.95}, {0, 179.95}}, 2},
		{"around the pole", 89.99, 179.99, 50, [][2]float64{{89.99, 179.99}, {89.9, 0}, {89.9, -90}}, 1},
		{"larger than the world", 0, 0, 30000, [][2]float64{{0, 180}, {-89, -179}}, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			bs := Around(tc.lat, tc.lng, tc.km)
			if len(bs) != tc.boxes {
				t.Fatalf("expected %d boxes, got %v", tc.boxes, bs)
			}
			for _, b := range bs {
				if !World.Contains(b) {
					t.Errorf("%v not clamped to world", b)
				}
			}
			for _, p := range tc.inside {
				if d := Haversine(tc.lat, tc.lng, p[0], p[1]); d > tc.km {
					t.Fatalf("%v is %vkm away, not within %vkm", p, d, tc.km)
				}
				point, found := BBox{p[1], p[0], p[1], p[0]}, false
				for _, b := range bs {
					found = found || b.Contains(point)
				}
				if !found {
					t.Errorf("%v not covered by %v", p, bs)
				}
			}
		})
	}
}
