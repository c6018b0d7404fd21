package ops

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestNil(t *testing.T) {
	var m *M
	var tr *T
	m.Counter("c", 1)
	m.Gauge("g", 1)
	m.Hist("h", 1, "op=%s", "x")
	ctx, span := tr.Start(context.Background(), "span")
	span.Set("k", "v")
	span.Close()
	if ctx != context.Background() || m.Collect() != nil || tr.Spans() != nil {
		t.Fatal("expected nil sinks to do nothing")
	}
	if err := New(m, tr).Flush(ctx, http.DefaultClient); err != nil {
		t.Fatal(err)
	}
}

func TestMetrics(t *testing.T) {
	m := &M{Tags: "service=test"}
	m.Counter("inserts", 2)
	m.Counter("inserts", 3)
	m.Gauge("depth", 1.5)
	m.Hist("query_us", 70, "op=%s", "intersect")
	kvs := m.Collect()
	for k, v := range map[string]any{
		"inserts":                                int64(5),
		"depth":                                  1.5,
		"query_us_bucket,op=intersect,le=50":     nil,
		"query_us_bucket,op=intersect,le=100":    int64(1),
		"query_us_bucket,op=intersect,le=+Inf":   int64(1),
		"query_us_sum,op=intersect":              int64(70),
		"query_us_count,op=intersect":            int64(1),
	} {
		if kvs[k] != v {
			t.Errorf("%s: expected %v, got %v", k, v, kvs[k])
		}
	}
	lines := m.Lines(map[string]any{"b": int64(1), "a": 0.5})
	if expected := "a,service=test value=0.500000\nb,service=test value=1i\n"; lines != expected {
		t.Errorf("expected %q, got %q", expected, lines)
	}
	if kvs := m.Collect(); kvs["inserts"] != nil {
		t.Errorf("expected Collect to reset counters, got %v", kvs["inserts"])
	}
}

func TestFlush(t *testing.T) {
	mu, bodies := sync.Mutex{}, map[string]string{}
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bs, _ := io.ReadAll(r.Body)
		if u, p, _ := r.BasicAuth(); u != "user" || p != "pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		bodies[r.URL.Path] = string(bs)
		mu.Unlock()
	}))
	defer s.Close()

	m := &M{Host: s.URL, User: "user", Pass: "pass"}
	tr := &T{Host: s.URL, User: "user", Pass: "pass", Service: "test"}
	l := NewL(slog.NewTextHandler(io.Discard, nil), s.URL, "user", "pass", "component")
	ctx, span := tr.Start(context.Background(), "outer")
	_, inner := tr.Start(ctx, "inner")
	inner.Close()
	span.Close()
	m.Counter("inserts", 1)
	slog.New(l).With("component", "index").InfoContext(ctx, "built", "items", 3)

	if err := New(m, tr, l).Flush(context.Background(), s.Client()); err != nil {
		t.Fatal(err)
	}
	if body := bodies["/api/v1/push/influx/write"]; !strings.Contains(body, "inserts value=1i\n") {
		t.Errorf("unexpected metrics body: %q", body)
	}
	traces := struct {
		ResourceSpans []struct {
			ScopeSpans []struct {
				Spans []struct{ TraceID, SpanID, ParentSpanID, Name string }
			}
		}
	}{}
	if err := json.Unmarshal([]byte(bodies["/otlp/v1/traces"]), &traces); err != nil {
		t.Fatal(err)
	}
	spans := traces.ResourceSpans[0].ScopeSpans[0].Spans
	if len(spans) != 2 || spans[0].Name != "inner" || spans[0].ParentSpanID != spans[1].SpanID || spans[0].TraceID != spans[1].TraceID {
		t.Errorf("unexpected spans: %+v", spans)
	}
	logs := struct {
		Streams []struct {
			Stream map[string]string
			Values [][2]string
		}
	}{}
	if err := json.Unmarshal([]byte(bodies["/loki/api/v1/push"]), &logs); err != nil {
		t.Fatal(err)
	}
	if len(logs.Streams) != 1 || logs.Streams[0].Stream["component"] != "index" || logs.Streams[0].Stream["lvl"] != "INFO" {
		t.Fatalf("unexpected streams: %+v", logs.Streams)
	} else if line := logs.Streams[0].Values[0][1]; !strings.Contains(line, `"items":3`) || !strings.Contains(line, `"traceID"`) {
		t.Errorf("unexpected line: %s", line)
	}

	bad := &M{Host: s.URL}
	bad.Counter("x", 1)
	if err := bad.Flush(context.Background(), s.Client()); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("expected 401 error, got %v", err)
	}
}
