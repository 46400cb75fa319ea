package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func sampleLabels(path string) *IOLabels {
	return &IOLabels{
		Path:        path,
		Cmd:         "app",
		DevName:     "sda1",
		FsType:      "ext4",
		FileType:    "RegularFile",
		PermsOwner:  "rw-",
		PermsGroup:  "r--",
		PermsOthers: "r--",
		Setuid:      "false",
		Setgid:      "false",
		Sticky:      "false",
		Syscall:     "vfs_write",
		Direction:   "write",
		TypeName:    "VfsWrite",
		IPs:         "93.184.216.34",
		Hostname:    "node-1",
		MachineID:   "abc",
	}
}

func gatherIO(t *testing.T, reg *prometheus.Registry) []*dto.Metric {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "io" {
			return mf.GetMetric()
		}
	}
	return nil
}

func TestIOCounterCarriesAllLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewIOCounter(reg, 0, nil)
	if err != nil {
		t.Fatalf("NewIOCounter: %v", err)
	}

	c.Add(sampleLabels("/var/log/app.log"), 128)
	c.Add(sampleLabels("/var/log/app.log"), 256)

	ms := gatherIO(t, reg)
	if len(ms) != 1 {
		t.Fatalf("expected one io series, got %d", len(ms))
	}
	if got := ms[0].GetCounter().GetValue(); got != 384 {
		t.Fatalf("expected 384 bytes, got %v", got)
	}
	if got := len(ms[0].GetLabel()); got != len(IOLabelNames) {
		t.Fatalf("expected %d labels, got %d", len(IOLabelNames), got)
	}
	for _, lp := range ms[0].GetLabel() {
		if lp.GetName() == "path" && lp.GetValue() != "/var/log/app.log" {
			t.Fatalf("unexpected path label %q", lp.GetValue())
		}
	}
}

func TestIOCounterExpiresIdleSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	mock := clock.NewMock()
	c, err := NewIOCounter(reg, 10*time.Second, mock)
	if err != nil {
		t.Fatalf("NewIOCounter: %v", err)
	}

	before := testutil.ToFloat64(SeriesExpired)

	c.Add(sampleLabels("/a"), 1)
	mock.Add(6 * time.Second)
	c.Add(sampleLabels("/b"), 1)
	mock.Add(5 * time.Second)

	if removed := c.Expire(); removed != 1 {
		t.Fatalf("expected one expired series, got %d", removed)
	}
	ms := gatherIO(t, reg)
	if len(ms) != 1 {
		t.Fatalf("expected one surviving series, got %d", len(ms))
	}
	if got := testutil.ToFloat64(SeriesExpired) - before; got != 1 {
		t.Fatalf("expected expiry counter to grow by 1, got %v", got)
	}

	// A fresh increment restarts the series from zero.
	c.Add(sampleLabels("/a"), 7)
	if got := testutil.ToFloat64(c.vec.WithLabelValues(sampleLabels("/a").Values()...)); got != 7 {
		t.Fatalf("expected recreated series at 7, got %v", got)
	}
}

func TestIOCounterRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewIOCounter(reg, 0, nil); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewIOCounter(reg, 0, nil); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestCacheTelemetry(t *testing.T) {
	hits := testutil.ToFloat64(CacheLookups.WithLabelValues("cmd", "hit"))
	ObserveCacheLookup("cmd", "hit")
	if got := testutil.ToFloat64(CacheLookups.WithLabelValues("cmd", "hit")) - hits; got != 1 {
		t.Fatalf("expected one hit, got %v", got)
	}

	evictions := testutil.ToFloat64(CacheEvictions.WithLabelValues("dev_name", "idle"))
	ObserveCacheEviction("dev_name", "idle")
	if got := testutil.ToFloat64(CacheEvictions.WithLabelValues("dev_name", "idle")) - evictions; got != 1 {
		t.Fatalf("expected one eviction, got %v", got)
	}

	drops := testutil.ToFloat64(EventsDropped.WithLabelValues("queue_full"))
	ObserveDrop("queue_full")
	if got := testutil.ToFloat64(EventsDropped.WithLabelValues("queue_full")) - drops; got != 1 {
		t.Fatalf("expected one drop, got %v", got)
	}
}

func TestUpStartsUnhealthy(t *testing.T) {
	if got := testutil.ToFloat64(Up); got != 0 {
		t.Fatalf("expected up to be 0 before the agent is serving, got %v", got)
	}
}

func TestMetricsEndpointExposesCoreMetrics(t *testing.T) {
	SetAgentInfo("", "", "", "")
	SetUp(true)
	t.Cleanup(func() { SetUp(false) })

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", w.Code)
	}

	body := w.Body.String()
	if !strings.Contains(body, "vfsio_up 1") {
		t.Fatalf("expected up gauge, body: %s", body)
	}
	if !strings.Contains(body, `capture_backend="unknown"`) {
		t.Fatalf("expected agent info defaults, body: %s", body)
	}
}
