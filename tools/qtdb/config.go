package main

import (
	"fmt"
	"log/slog"

	"github.com/BurntSushi/toml"
	"github.com/niklasfasching/qtdb/geo"
	"github.com/niklasfasching/qtdb/quadtree"
	"github.com/niklasfasching/qtdb/util"
)

type Config struct {
	Backend   string    `toml:"backend"`
	Path      string    `toml:"path"`
	Extent    []float64 `toml:"extent"`
	MaxItems  int       `toml:"max-items"`
	MaxDepth  int       `toml:"max-depth"`
	LazySplit bool      `toml:"lazy-split"`
	BatchSize int       `toml:"batch-size"`
	LogLevel  string    `toml:"log-level"`
	Ops       OpsConfig `toml:"ops"`
}

type OpsConfig struct {
	Host    string `toml:"host"`
	User    string `toml:"user"`
	Pass    string `toml:"pass"`
	Service string `toml:"service"`
}

func defaultConfig() Config {
	c, e := quadtree.DefaultConfig, quadtree.DefaultConfig.Extent
	return Config{
		Backend:   "sqlite",
		Path:      "qtdb.sqlite",
		Extent:    []float64{e.XMin, e.YMin, e.XMax, e.YMax},
		MaxItems:  c.MaxItems,
		MaxDepth:  c.MaxDepth,
		BatchSize: 1000,
		LogLevel:  "INFO",
		Ops:       OpsConfig{Service: "qtdb"},
	}
}

// loadConfig reads the toml file at path (if any) over the defaults and then
// applies QTDB_<Field> environment overrides.
func loadConfig(path string) (Config, error) {
	c := defaultConfig()
	if path != "" {
		meta, err := toml.DecodeFile(path, &c)
		if err != nil {
			return c, fmt.Errorf("failed to decode %s: %w", path, err)
		} else if undecoded := meta.Undecoded(); len(undecoded) != 0 {
			return c, fmt.Errorf("%s: unknown keys %v", path, undecoded)
		}
	}
	if err := util.LoadConfig(&c, "QTDB_", false); err != nil {
		return c, err
	} else if err := util.LoadConfig(&c.Ops, "QTDB_OPS_", false); err != nil {
		return c, err
	}
	return c, nil
}

func (c Config) Index() (quadtree.Config, error) {
	if len(c.Extent) != 4 {
		return quadtree.Config{}, fmt.Errorf("%w: extent needs 4 values, got %v", quadtree.ErrInvalidConfig, c.Extent)
	}
	qc := quadtree.Config{
		Extent:    geo.BBox{XMin: c.Extent[0], YMin: c.Extent[1], XMax: c.Extent[2], YMax: c.Extent[3]},
		MaxItems:  c.MaxItems,
		MaxDepth:  c.MaxDepth,
		LazySplit: c.LazySplit,
	}
	return qc, qc.Validate()
}

func (c Config) Level() (slog.Level, error) {
	lvl := slog.LevelInfo
	return lvl, lvl.UnmarshalText([]byte(c.LogLevel))
}
