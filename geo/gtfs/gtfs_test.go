package gtfs

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFeed(t *testing.T, files map[string]string) string {
	p := filepath.Join(t.TempDir(), "feed.zip")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := zip.NewWriter(f)
	for name, content := range files {
		zf, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		} else if _, err := zf.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestStops(t *testing.T) {
	feed := writeFeed(t, map[string]string{
		"stops.txt": "\ufeffstop_id,stop_code,stop_name,stop_lat,stop_lon,location_type\n" +
			"1,,Alexanderplatz,52.521508,13.411267,0\n" +
			"# comment\n" +
			"2,,\"Zoo, Berlin\",52.506921,13.332707,1\n" +
			"3,,Generic node,,,3\n",
	})
	stops, err := Stops(feed)
	if err != nil {
		t.Fatal(err)
	}
	expected := []Stop{{"1", "Alexanderplatz", 52.521508, 13.411267}, {"2", "Zoo, Berlin", 52.506921, 13.332707}}
	if len(stops) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, stops)
	}
	for i, s := range stops {
		if s != expected[i] {
			t.Errorf("expected %v, got %v", expected[i], s)
		}
	}
	if b := stops[0].BBox(); b.XMin != 13.411267 || b.YMax != 52.521508 || b.Area() != 0 {
		t.Errorf("unexpected bbox %v", b)
	}
}

func TestParseErrors(t *testing.T) {
	feed := writeFeed(t, map[string]string{
		"stops.txt": "stop_id,stop_name\n1,a\n",
		"bad.txt":   "stop_id,stop_name,stop_lat,stop_lon\n1,a,north,13\n",
	})
	if _, err := Stops(feed); !errors.Is(err, ErrMissingColumn) {
		t.Errorf("expected ErrMissingColumn, got %v", err)
	}
	err := ParseZip(feed, "bad.txt", []string{"stop_lat"}, func(row []string) error {
		if row[0] != "north" {
			t.Errorf("unexpected row %v", row)
		}
		return nil
	})
	if err != nil {
		t.Errorf("unexpected error %v", err)
	}
	if err := ParseZip(feed, "missing.txt", nil, nil); err == nil || !strings.Contains(err.Error(), "missing.txt") {
		t.Errorf("expected missing file error, got %v", err)
	}
}
