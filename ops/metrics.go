package ops

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"runtime/metrics"
	"sort"
	"strings"
	"sync"
)

// M aggregates counters, gauges and histograms between flushes and pushes
// them in influx line protocol.
type M struct {
	Host, User, Pass string
	// Tags are appended to every series, e.g. "service=qtdb".
	Tags   string
	counts map[string]int64
	gauges map[string]float64
	sync.Mutex
}

// buckets are upper bounds, typically microseconds.
var buckets = []int64{10, 50, 100, 500, 1000, 5000, 10000, 50000, 100000, 1000000}

func (m *M) Gauge(k string, v float64) {
	if m == nil {
		return
	}
	m.Lock()
	defer m.Unlock()
	if m.gauges == nil {
		m.gauges = map[string]float64{}
	}
	m.gauges[k] = v
}

func (m *M) Counter(k string, v int64) {
	if m == nil {
		return
	}
	m.Lock()
	defer m.Unlock()
	if m.counts == nil {
		m.counts = map[string]int64{}
	}
	m.counts[k] += v
}

// Hist records v into cumulative buckets of name. tmpl and args format the
// series tags, e.g. Hist("query_us", 42, "op=%s", "intersect").
func (m *M) Hist(name string, v int64, tmpl string, args ...any) {
	if m == nil {
		return
	}
	tags := fmt.Sprintf(tmpl, args...)
	m.Lock()
	defer m.Unlock()
	if m.counts == nil {
		m.counts = map[string]int64{}
	}
	for _, b := range buckets {
		if v <= b {
			m.counts[fmt.Sprintf("%s_bucket,%s,le=%d", name, tags, b)]++
		}
	}
	m.counts[fmt.Sprintf("%s_bucket,%s,le=+Inf", name, tags)]++
	m.counts[fmt.Sprintf("%s_sum,%s", name, tags)] += v
	m.counts[fmt.Sprintf("%s_count,%s", name, tags)]++
}

// Collect returns and resets everything recorded since the last call, plus a
// few runtime metrics.
func (m *M) Collect() map[string]any {
	if m == nil {
		return nil
	}
	m.Lock()
	kvs := map[string]any{}
	for k, v := range m.counts {
		kvs[k] = v
	}
	for k, v := range m.gauges {
		kvs[k] = v
	}
	m.counts, m.gauges = map[string]int64{}, map[string]float64{}
	m.Unlock()
	ms := []metrics.Sample{
		{Name: "/sched/goroutines:goroutines"},
		{Name: "/memory/classes/heap/objects:bytes"},
		{Name: "/gc/cycles/total:gc-cycles"},
	}
	metrics.Read(ms)
	kvs["go_goroutines"] = int64(ms[0].Value.Uint64())
	kvs["go_mem_heap_bytes"] = int64(ms[1].Value.Uint64())
	kvs["go_gc_cycles"] = int64(ms[2].Value.Uint64())
	return kvs
}

// Lines renders kvs in influx line protocol, sorted by series.
func (m *M) Lines(kvs map[string]any) string {
	ks := make([]string, 0, len(kvs))
	for k := range kvs {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	b := &strings.Builder{}
	for _, k := range ks {
		series := k
		if m.Tags != "" {
			series += "," + m.Tags
		}
		switch v := kvs[k].(type) {
		case int64:
			fmt.Fprintf(b, "%s value=%di\n", series, v)
		case float64:
			fmt.Fprintf(b, "%s value=%f\n", series, v)
		}
	}
	return b.String()
}

func (m *M) Flush(ctx context.Context, cl *http.Client) error {
	if m == nil || m.Host == "" {
		return nil
	}
	kvs := m.Collect()
	if len(kvs) == 0 {
		return nil
	}
	body := bytes.NewBufferString(m.Lines(kvs))
	return post(ctx, cl, m.Host+"/api/v1/push/influx/write", m.User, m.Pass, "text/plain", body)
}
