// Package ops collects metrics, traces and logs in memory and periodically
// pushes them to Grafana-style HTTP endpoints. All sinks are nil safe, so
// instrumented code works without any configured.
package ops

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

type O []Flusher
type Flusher interface {
	Flush(context.Context, *http.Client) error
}

func New(fs ...Flusher) O { return fs }

// Run flushes every d until ctx is done, then flushes one last time.
func (o O) Run(ctx context.Context, d time.Duration) {
	t, c := time.NewTicker(d), &http.Client{Timeout: d}
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := o.Flush(ctx, c); err != nil {
				slog.WarnContext(ctx, "ops: flush failed", "err", err)
			}
		case <-ctx.Done():
			o.Shutdown(d)
			return
		}
	}
}

func (o O) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.Flush(ctx, &http.Client{Timeout: timeout}); err != nil {
		slog.Warn("ops: shutdown flush failed", "err", err)
	}
}

func (o O) Flush(ctx context.Context, c *http.Client) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, f := range o {
		if f != nil {
			g.Go(func() error { return f.Flush(ctx, c) })
		}
	}
	return g.Wait()
}

func post(ctx context.Context, cl *http.Client, url, user, pass, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, "POST", url, body)
	if err != nil {
		return err
	}
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("flush: %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		bs, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("flush: %s %d %q", url, resp.StatusCode, string(bs))
	}
	return nil
}
