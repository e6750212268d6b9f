package influxdb

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-cbus/internal/infrastructure/config"
)

// fakeWriter captures points instead of sending them.
type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (w *fakeWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func (w *fakeWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
}

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(w *fakeWriter) *Client {
	return &Client{
		writeAPI:  w,
		bridgeID:  "cbus-bridge-01",
		now:       func() time.Time { return testTime },
		connected: true,
	}
}

func lineOf(p *write.Point) string {
	return write.PointToLineProtocol(p, time.Second)
}

// =============================================================================
// Point Tests
// =============================================================================

func TestWriteLightingState(t *testing.T) {
	w := &fakeWriter{}
	c := newTestClient(w)

	c.WriteLightingState("254/56/1", "Kitchen", true, 50)

	if len(w.points) != 1 {
		t.Fatalf("points = %d, want 1", len(w.points))
	}
	line := lineOf(w.points[0])
	for _, want := range []string{
		"cbus_lighting,",
		"address=254/56/1",
		"bridge=cbus-bridge-01",
		"name=Kitchen",
		"on=true",
		"percent=50i",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestWriteSecurityState(t *testing.T) {
	w := &fakeWriter{}
	c := newTestClient(w)

	c.WriteSecurityState("254/208/3", "", "zone_state", "open")

	if len(w.points) != 1 {
		t.Fatalf("points = %d, want 1", len(w.points))
	}
	line := lineOf(w.points[0])
	for _, want := range []string{
		"cbus_security,",
		"field=zone_state",
		`value="open"`,
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "name=") {
		t.Errorf("line %q carries an empty name tag", line)
	}
}

func TestWrite_Disconnected(t *testing.T) {
	w := &fakeWriter{}
	c := newTestClient(w)
	c.connected = false

	c.WriteLightingState("254/56/1", "Kitchen", false, 0)
	c.WriteSecurityState("254/208", "Security Panel", "arm_state", "disarmed")
	c.Flush()

	if len(w.points) != 0 {
		t.Errorf("points = %d, want 0 while disconnected", len(w.points))
	}
	if w.flushes != 0 {
		t.Errorf("flushes = %d, want 0 while disconnected", w.flushes)
	}
}

func TestFlush(t *testing.T) {
	w := &fakeWriter{}
	c := newTestClient(w)
	c.Flush()
	if w.flushes != 1 {
		t.Errorf("flushes = %d, want 1", w.flushes)
	}
}

func TestHealthCheck_NotConnected(t *testing.T) {
	c := &Client{}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() = %v, want ErrNotConnected", err)
	}
}

func TestSetOnError(t *testing.T) {
	c := &Client{}
	got := make(chan error, 1)
	c.SetOnError(func(err error) { got <- err })

	errs := make(chan error, 1)
	errs <- errors.New("batch rejected")
	close(errs)
	c.handleWriteErrors(errs)

	select {
	case err := <-got:
		if !errors.Is(err, ErrWriteFailed) || !strings.Contains(err.Error(), "batch rejected") {
			t.Errorf("callback error = %v, want ErrWriteFailed wrapping the batch error", err)
		}
	default:
		t.Fatal("callback not invoked")
	}
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect_Disabled(t *testing.T) {
	cfg := config.InfluxDBConfig{Enabled: false}
	if _, err := Connect(cfg, "b"); !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() = %v, want ErrDisabled", err)
	}
}

func TestClose_Nil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

// TestConnect_Server runs against a real server named by
// GRAYLOGIC_TEST_INFLUXDB_URL and GRAYLOGIC_TEST_INFLUXDB_TOKEN.
func TestConnect_Server(t *testing.T) {
	url := os.Getenv("GRAYLOGIC_TEST_INFLUXDB_URL")
	if url == "" {
		t.Skip("GRAYLOGIC_TEST_INFLUXDB_URL not set")
	}
	cfg := config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         os.Getenv("GRAYLOGIC_TEST_INFLUXDB_TOKEN"),
		Org:           "graylogic",
		Bucket:        "metrics",
		FlushInterval: 1,
	}

	client, err := Connect(cfg, "cbus-test")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	client.WriteLightingState("254/56/1", "Test", true, 100)
	client.Flush()

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
