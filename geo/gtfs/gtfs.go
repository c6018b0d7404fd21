// Package gtfs reads the parts of GTFS feeds that can be put on a map.
package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/niklasfasching/qtdb/geo"
)

type Stop struct {
	ID, Name string
	Lat, Lng float64
}

var ErrMissingColumn = fmt.Errorf("missing column")

// Parse calls f with the values of columns for every record of the csv in r.
// The row passed to f is reused between calls.
func Parse(r io.Reader, columns []string, f func([]string) error) error {
	c := csv.NewReader(r)
	c.ReuseRecord, c.Comment = true, '#'
	header, err := c.Read()
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	row, indexes := make([]string, len(columns)), make([]int, len(columns))
	for j, column := range columns {
		indexes[j] = -1
		for i, hc := range header {
			if strings.TrimSpace(strings.TrimPrefix(hc, "\ufeff")) == column {
				indexes[j] = i
				break
			}
		}
		if indexes[j] == -1 {
			return fmt.Errorf("%w: %q", ErrMissingColumn, column)
		}
	}
	for {
		record, err := c.Read()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		for i, j := range indexes {
			row[i] = record[j]
		}
		if err := f(row); err != nil {
			return err
		}
	}
}

// ParseZip is Parse for the file csvFile inside the feed gtfsZipFile.
func ParseZip(gtfsZipFile, csvFile string, columns []string, f func([]string) error) error {
	z, err := zip.OpenReader(gtfsZipFile)
	if err != nil {
		return err
	}
	defer z.Close()
	zf, err := z.Open(csvFile)
	if err != nil {
		return err
	}
	defer zf.Close()
	if err := Parse(zf, columns, f); err != nil {
		return fmt.Errorf("%s: %w", csvFile, err)
	}
	return nil
}

// Stops returns all stops of the feed that have coordinates.
func Stops(gtfsZipFile string) ([]Stop, error) {
	stops := []Stop{}
	columns := []string{"stop_id", "stop_name", "stop_lat", "stop_lon"}
	err := ParseZip(gtfsZipFile, "stops.txt", columns, func(row []string) error {
		if row[2] == "" || row[3] == "" {
			return nil
		}
		lat, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return fmt.Errorf("stop %s: bad lat: %w", row[0], err)
		}
		lng, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return fmt.Errorf("stop %s: bad lon: %w", row[0], err)
		}
		stops = append(stops, Stop{row[0], row[1], lat, lng})
		return nil
	})
	return stops, err
}

// BBox is the zero-area box at the stop's position.
func (s Stop) BBox() geo.BBox {
	return geo.BBox{XMin: s.Lng, YMin: s.Lat, XMax: s.Lng, YMax: s.Lat}
}
