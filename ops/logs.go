package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
)

// L is a slog.Handler that passes records on to Next and buffers them for
// Loki. Attributes named in IndexedAttrs become stream labels, all others are
// part of the JSON log line.
type L struct {
	Host, User, Pass string
	Next             slog.Handler
	IndexedAttrs     []string
	attrs            []slog.Attr
	buf              *logBuffer
}

type logBuffer struct {
	rs []R
	sync.Mutex
}

type R struct {
	TS, Line string
	Labels   map[string]string
}

func NewL(next slog.Handler, host, user, pass string, indexedAttrs ...string) *L {
	return &L{Host: host, User: user, Pass: pass, Next: next, IndexedAttrs: indexedAttrs, buf: &logBuffer{}}
}

func (l *L) Enabled(ctx context.Context, lvl slog.Level) bool { return l.Next.Enabled(ctx, lvl) }

func (l *L) Handle(ctx context.Context, r slog.Record) error {
	attrs, labels := map[string]any{}, map[string]string{"lvl": r.Level.String()}
	fn := func(a slog.Attr) bool {
		if slices.Contains(l.IndexedAttrs, a.Key) {
			labels[a.Key] = a.Value.String()
		} else {
			attrs[a.Key] = a.Value.Resolve().Any()
		}
		return true
	}
	for _, a := range l.attrs {
		fn(a)
	}
	r.Attrs(fn)
	if id := GetTraceID(ctx); id != "" {
		attrs["traceID"] = id
	}
	line, err := json.Marshal(map[string]any{"msg": r.Message, "attr": attrs})
	if err != nil {
		return err
	}
	l.buffer().Lock()
	l.buf.rs = append(l.buf.rs, R{fmt.Sprint(r.Time.UnixNano()), string(line), labels})
	l.buf.Unlock()
	return l.Next.Handle(ctx, r)
}

func (l *L) WithAttrs(as []slog.Attr) slog.Handler {
	return &L{l.Host, l.User, l.Pass, l.Next.WithAttrs(as), l.IndexedAttrs,
		append(slices.Clip(l.attrs), as...), l.buffer()}
}

// WithGroup only groups the attributes of Next; buffered lines stay flat.
func (l *L) WithGroup(name string) slog.Handler {
	return &L{l.Host, l.User, l.Pass, l.Next.WithGroup(name), l.IndexedAttrs, l.attrs, l.buffer()}
}

func (l *L) buffer() *logBuffer {
	if l.buf == nil {
		l.buf = &logBuffer{}
	}
	return l.buf
}

// Records returns and clears the buffered records.
func (l *L) Records() []R {
	b := l.buffer()
	b.Lock()
	defer b.Unlock()
	rs := b.rs
	b.rs = nil
	return rs
}

func (l *L) Flush(ctx context.Context, cl *http.Client) error {
	if l == nil || l.Host == "" {
		return nil
	}
	rs := l.Records()
	if len(rs) == 0 {
		return nil
	}
	streams, index := []map[string]any{}, map[string]int{}
	for _, r := range rs {
		bs, err := json.Marshal(r.Labels)
		if err != nil {
			return fmt.Errorf("ops log flush: %w", err)
		}
		i, ok := index[string(bs)]
		if !ok {
			i, index[string(bs)] = len(streams), len(streams)
			streams = append(streams, map[string]any{"stream": r.Labels, "values": [][2]string{}})
		}
		streams[i]["values"] = append(streams[i]["values"].([][2]string), [2]string{r.TS, r.Line})
	}
	bs, err := json.Marshal(map[string]any{"streams": streams})
	if err != nil {
		return fmt.Errorf("ops log flush: %w", err)
	}
	return post(ctx, cl, l.Host+"/loki/api/v1/push", l.User, l.Pass, "application/json", bytes.NewReader(bs))
}
