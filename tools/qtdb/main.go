// qtdb builds and queries persistent quadtree indexes of bounding boxes.
package main

import (
	"cmp"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/niklasfasching/qtdb/geo"
	"github.com/niklasfasching/qtdb/geo/gtfs"
	"github.com/niklasfasching/qtdb/kv"
	"github.com/niklasfasching/qtdb/ops"
	"github.com/niklasfasching/qtdb/quadtree"
	"github.com/niklasfasching/qtdb/util"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slices"
)

type app struct {
	configPath string
	config     Config
	ops        ops.O
	metrics    *ops.M
	tracer     *ops.T
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "qtdb",
		Short:         "persistent quadtree index of bounding boxes",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "toml config file")
	flags.String("backend", "", "sqlite or leveldb")
	flags.String("path", "", "index location")
	root.AddCommand(a.newBuildCommand(), a.newQueryCommand(), a.newStatsCommand(), a.newCheckCommand())
	return root
}

// run wraps a command so that failures are logged and ops sinks are flushed
// however the command ends.
func (a *app) run(f func(*cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer a.ops.Shutdown(5 * time.Second)
		if err := f(cmd, args); err != nil {
			slog.ErrorContext(cmd.Context(), "command failed", "cmd", cmd.Name(), "err", err)
			return err
		}
		return nil
	}
}

func (a *app) setup(cmd *cobra.Command) error {
	c, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("backend"); v != "" {
		c.Backend = v
	}
	if v, _ := cmd.Flags().GetString("path"); v != "" {
		c.Path = v
	}
	lvl, err := c.Level()
	if err != nil {
		return fmt.Errorf("bad log level: %w", err)
	}
	var h slog.Handler = slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl})
	if c.Ops.Host != "" {
		o := c.Ops
		l := ops.NewL(h, o.Host, o.User, o.Pass, "service")
		a.metrics = &ops.M{Host: o.Host, User: o.User, Pass: o.Pass, Tags: "service=" + o.Service}
		a.tracer = &ops.T{Host: o.Host, User: o.User, Pass: o.Pass, Service: o.Service}
		a.ops = ops.New(a.metrics, a.tracer, l)
		h = l.WithAttrs([]slog.Attr{slog.String("service", o.Service)})
	}
	slog.SetDefault(slog.New(h))
	a.config = c
	return nil
}

func (a *app) openStore(ctx context.Context) (quadtree.Store, error) {
	switch c := a.config; c.Backend {
	case "sqlite":
		return quadtree.OpenSQLite(c.Path + "?_journal_mode=WAL&_busy_timeout=10000")
	case "leveldb":
		// another process may still hold the lock for a moment
		isLocked := func(err error) bool {
			return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
		}
		db, err := util.RetryContext(ctx, func(context.Context) (*kv.LevelDB, error) {
			return kv.NewLevelDB(c.Path)
		}, isLocked, 10, 200*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return quadtree.NewKVStore(db), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}

// withIndex opens the index at the configured location. If create is set, a
// missing index is built from the configured extent and limits.
func (a *app) withIndex(ctx context.Context, create bool, f func(*quadtree.Index) error) error {
	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	x, err := quadtree.Open(ctx, s)
	if errors.Is(err, quadtree.ErrNotFound) && create {
		qc, cErr := a.config.Index()
		if cErr != nil {
			return errors.Join(cErr, s.Close())
		}
		x, err = quadtree.Build(ctx, s, qc)
	}
	if err != nil {
		return errors.Join(err, s.Close())
	}
	x.Metrics, x.Tracer = a.metrics, a.tracer
	return errors.Join(f(x), s.Close())
}

func (a *app) newBuildCommand() *cobra.Command {
	csvPath, gtfsPath := "", ""
	cmd := &cobra.Command{
		Use:   "build",
		Short: "insert boxes from a csv file (id,xmin,ymin,xmax,ymax) or the stops of a gtfs feed",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			var es []quadtree.Entry
			var err error
			switch {
			case csvPath != "" && gtfsPath != "":
				return fmt.Errorf("--csv and --gtfs are mutually exclusive")
			case csvPath == "-":
				es, err = readEntries(cmd.InOrStdin())
			case csvPath != "":
				es, err = readEntriesFile(csvPath)
			case gtfsPath != "":
				es, err = readStops(gtfsPath)
			default:
				return fmt.Errorf("one of --csv or --gtfs is required")
			}
			if err != nil {
				return err
			}
			return a.withIndex(cmd.Context(), true, func(x *quadtree.Index) error {
				return a.build(cmd.Context(), cmd.OutOrStdout(), x, es)
			})
		}),
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "csv file, - for stdin")
	cmd.Flags().StringVar(&gtfsPath, "gtfs", "", "gtfs feed zip")
	return cmd
}

func (a *app) build(ctx context.Context, w io.Writer, x *quadtree.Index, es []quadtree.Entry) error {
	start, size := time.Now(), max(a.config.BatchSize, 1)
	for i := 0; i < len(es); i += size {
		if err := x.InsertAll(ctx, es[i:min(i+size, len(es))]); err != nil {
			return err
		}
		slog.DebugContext(ctx, "inserted batch", "done", min(i+size, len(es)), "total", len(es))
	}
	n, err := x.Count(ctx)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "built index", "inserted", len(es), "items", n, "took", time.Since(start))
	_, err = fmt.Fprintf(w, "inserted %d items (%d total)\n", len(es), n)
	return err
}

func (a *app) newQueryCommand() *cobra.Command {
	bbox, around, asJSON, paths := "", "", false, false
	cmd := &cobra.Command{
		Use:   "query",
		Short: "print the items intersecting --bbox xmin,ymin,xmax,ymax or within --around lat,lng,km",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			qs, filter, err := parseQuery(bbox, around)
			if err != nil {
				return err
			}
			return a.withIndex(cmd.Context(), false, func(x *quadtree.Index) error {
				ms, err := intersectAll(cmd.Context(), x, qs)
				if err != nil {
					return err
				}
				return printMatches(cmd.OutOrStdout(), ms, filter, asJSON, paths)
			})
		}),
	}
	cmd.Flags().StringVar(&bbox, "bbox", "", "xmin,ymin,xmax,ymax")
	cmd.Flags().StringVar(&around, "around", "", "lat,lng,km")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one json object per line")
	cmd.Flags().BoolVar(&paths, "paths", false, "include the depth and node path of each match")
	return cmd
}

// intersectAll merges the matches of several query boxes, each item once.
func intersectAll(ctx context.Context, x *quadtree.Index, qs []geo.BBox) ([]quadtree.Match, error) {
	if len(qs) == 1 {
		return x.IntersectPaths(ctx, qs[0])
	}
	seen, ms := map[quadtree.ItemID]bool{}, []quadtree.Match{}
	for _, q := range qs {
		qms, err := x.IntersectPaths(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, m := range qms {
			if !seen[m.ID] {
				seen[m.ID] = true
				ms = append(ms, m)
			}
		}
	}
	slices.SortFunc(ms, func(a, b quadtree.Match) int { return cmp.Compare(a.ID, b.ID) })
	return ms, nil
}

func (a *app) newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "print node and item counts",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			return a.withIndex(cmd.Context(), false, func(x *quadtree.Index) error {
				s, err := x.Stats(cmd.Context())
				if err != nil {
					return err
				}
				bs, err := json.MarshalIndent(map[string]any{"config": x.Config, "stats": s}, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(bs))
				return err
			})
		}),
	}
}

func (a *app) newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "validate the structure of the index",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			return a.withIndex(cmd.Context(), false, func(x *quadtree.Index) error {
				if err := x.Validate(cmd.Context()); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return err
			})
		}),
	}
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d comma separated numbers, got %q", n, s)
	}
	vs := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q: %w", p, err)
		}
		vs[i] = v
	}
	return vs, nil
}

// parseQuery returns the query boxes and, for --around, a filter on the exact
// distance from the center.
func parseQuery(bbox, around string) ([]geo.BBox, func(geo.BBox) (float64, bool), error) {
	switch {
	case bbox != "" && around != "":
		return nil, nil, fmt.Errorf("--bbox and --around are mutually exclusive")
	case bbox != "":
		vs, err := parseFloats(bbox, 4)
		if err != nil {
			return nil, nil, err
		}
		return []geo.BBox{{XMin: vs[0], YMin: vs[1], XMax: vs[2], YMax: vs[3]}}, nil, nil
	case around != "":
		vs, err := parseFloats(around, 3)
		if err != nil {
			return nil, nil, err
		}
		lat, lng, km := vs[0], vs[1], vs[2]
		return geo.Around(lat, lng, km), func(b geo.BBox) (float64, bool) {
			cx, cy := b.Center()
			d := geo.Haversine(lat, lng, cy, cx)
			return d, d <= km
		}, nil
	default:
		return nil, nil, fmt.Errorf("one of --bbox or --around is required")
	}
}

type result struct {
	ID      quadtree.ItemID   `json:"id"`
	Payload string            `json:"payload"`
	BBox    geo.BBox          `json:"bbox"`
	KM      *float64          `json:"km,omitempty"`
	Depth   *int              `json:"depth,omitempty"`
	Path    []quadtree.NodeID `json:"path,omitempty"`
}

func printMatches(w io.Writer, ms []quadtree.Match, filter func(geo.BBox) (float64, bool), asJSON, paths bool) error {
	enc := json.NewEncoder(w)
	for _, m := range ms {
		r := result{ID: m.ID, Payload: m.Payload, BBox: m.BBox}
		if filter != nil {
			km, ok := filter(m.BBox)
			if !ok {
				continue
			}
			r.KM = &km
		}
		if paths {
			r.Depth, r.Path = &m.Depth, m.Path
		}
		if asJSON {
			if err := enc.Encode(r); err != nil {
				return err
			}
			continue
		}
		line := fmt.Sprintf("%d\t%s\t%v", r.ID, r.Payload, r.BBox)
		if r.KM != nil {
			line += fmt.Sprintf("\t%.3fkm", *r.KM)
		}
		if paths {
			line += fmt.Sprintf("\t%d\t%v", m.Depth, m.Path)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func readEntriesFile(path string) ([]quadtree.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	es, err := readEntries(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return es, nil
}

// readEntries reads id,xmin,ymin,xmax,ymax records. A first record that does
// not parse as numbers is treated as header.
func readEntries(r io.Reader) ([]quadtree.Entry, error) {
	c := csv.NewReader(r)
	c.FieldsPerRecord, c.Comment = 5, '#'
	es := []quadtree.Entry{}
	for first := true; ; first = false {
		record, err := c.Read()
		if err == io.EOF {
			return es, nil
		} else if err != nil {
			return nil, err
		}
		vs, err := parseFloats(strings.Join(record[1:], ","), 4)
		if err != nil && first {
			continue
		} else if err != nil {
			line, _ := c.FieldPos(0)
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		es = append(es, quadtree.Entry{Payload: record[0], BBox: geo.BBox{XMin: vs[0], YMin: vs[1], XMax: vs[2], YMax: vs[3]}})
	}
}

func readStops(path string) ([]quadtree.Entry, error) {
	stops, err := gtfs.Stops(path)
	if err != nil {
		return nil, err
	}
	es := make([]quadtree.Entry, len(stops))
	for i, s := range stops {
		es[i] = quadtree.Entry{Payload: s.ID + "\t" + s.Name, BBox: s.BBox()}
	}
	return es, nil
}
