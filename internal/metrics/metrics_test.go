package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDatastoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDatastoreMetricsWithRegistry(reg)

	m.RecordOperation("get", 0.001, true)
	m.RecordOperation("get", 0.002, true)
	m.RecordOperation("txn", 0.01, false)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("get", StatusSuccess)); got != 2 {
		t.Errorf("get success = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("txn", StatusFailure)); got != 1 {
		t.Errorf("txn failure = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.LatencyHistogram); got != 2 {
		t.Errorf("histogram series = %d, want 2", got)
	}
}

func TestObjectStoreMetricsBytes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewObjectStoreMetricsWithRegistry(reg)

	m.RecordOperation("put", 0.1, true)
	m.RecordOperation("put", 0.1, false)
	m.RecordOperation("delete", 0.01, false)
	m.RecordBytes(DirectionWrite, 100)
	m.RecordBytes(DirectionRead, 30)
	m.RecordBytes(DirectionRead, 0)

	if got := testutil.ToFloat64(m.BytesTotal.WithLabelValues(DirectionWrite)); got != 100 {
		t.Errorf("write bytes = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.BytesTotal.WithLabelValues(DirectionRead)); got != 30 {
		t.Errorf("read bytes = %v, want 30", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("put", StatusFailure)); got != 1 {
		t.Errorf("put failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("delete", StatusFailure)); got != 1 {
		t.Errorf("delete failures = %v, want 1", got)
	}
}

func TestCacheMetrics(t *testing.T) {
	m := NewCacheMetricsWithRegistry(prometheus.NewRegistry())
	m.RecordHit()
	m.RecordHit()
	m.RecordMiss()
	m.RecordInvalidations(3)
	m.RecordCancellations(0)

	if got := testutil.ToFloat64(m.HitsTotal); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.MissesTotal); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.InvalidationsTotal); got != 3 {
		t.Errorf("invalidations = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.CancellationsTotal); got != 0 {
		t.Errorf("cancellations = %v, want 0", got)
	}
}

func TestMutationMetrics(t *testing.T) {
	m := NewMutationMetricsWithRegistry(prometheus.NewRegistry())
	m.RecordMutation("reorder", "committed", 10*time.Millisecond)
	m.RecordMutation("reorder", "rolled_back", 20*time.Millisecond)
	m.RecordMutation("edit_value", "committed", time.Millisecond)

	if got := testutil.ToFloat64(m.Total.WithLabelValues("reorder", "rolled_back")); got != 1 {
		t.Errorf("reorder rolled_back = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.Total); got != 3 {
		t.Errorf("series = %d, want 3", got)
	}
	if got := testutil.CollectAndCount(m.CommitHistogram); got != 2 {
		t.Errorf("histogram series = %d, want 2", got)
	}
}

func TestRealtimeMetrics(t *testing.T) {
	m := NewRealtimeMetricsWithRegistry(prometheus.NewRegistry())
	m.RecordEvent("metrics", "update")
	m.RecordCommand("invalidate")
	m.RecordCommand("invalidate")

	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues("metrics", "update")); got != 1 {
		t.Errorf("events = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CommandsTotal.WithLabelValues("invalidate")); got != 2 {
		t.Errorf("commands = %v, want 2", got)
	}
}

func TestHTTPMetrics(t *testing.T) {
	m := NewHTTPMetricsWithRegistry(prometheus.NewRegistry())
	m.RecordRequest("GET", "/api/v1/metrics", 200, time.Millisecond)
	m.RecordRequest("GET", "/api/v1/metrics", 503, time.Millisecond)

	if got := testutil.CollectAndCount(m.LatencyHistogram); got != 2 {
		t.Errorf("series = %d, want 2", got)
	}
}

func TestNewSetRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	set := NewSet(reg)
	set.Datastore.RecordOperation("put", 0.001, true)
	set.Cache.RecordMiss()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"tally_datastore_operations_total", "tally_cache_misses_total"} {
		if !names[want] {
			t.Errorf("missing metric %s", want)
		}
	}

	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	NewSet(reg)
}

func TestRegistryServe(t *testing.T) {
	r := NewRegistry()
	r.Cache.RecordHit()
	r.HTTP.RecordRequest("GET", "/api/v1/metrics", 200, 10*time.Millisecond)

	srv, err := r.Serve("127.0.0.1:0")
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"tally_cache_hits_total 1",
		"tally_http_request_duration_seconds_count",
		"go_goroutines",
		"promhttp_metric_handler_requests_total",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("missing %s in body:\n%s", want, body)
		}
	}

	resp, err = http.Get("http://" + srv.Addr() + "/debug")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d", resp.StatusCode)
	}
}

func TestRegistryIsPrivate(t *testing.T) {
	r := NewRegistry()
	r.Datastore.RecordOperation("get", 0.001, true)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather default: %v", err)
	}
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), Namespace+"_datastore") {
			t.Fatalf("%s registered on the default registry", f.GetName())
		}
	}

	families, err = r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		found = found || f.GetName() == "tally_datastore_operations_total"
	}
	if !found {
		t.Error("datastore counter missing from registry")
	}
}

func TestServeBadAddr(t *testing.T) {
	if _, err := NewRegistry().Serve("not-an-addr"); err == nil {
		t.Error("expected listen error")
	}
}
