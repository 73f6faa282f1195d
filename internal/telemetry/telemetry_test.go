package telemetry

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu      sync.Mutex
	batches [][]map[string]any
	keys    []string
}

func (c *capture) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Events []map[string]any `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.batches = append(c.batches, body.Events)
		c.keys = append(c.keys, r.Header.Get("apikey"))
		c.mu.Unlock()
	})
}

func (c *capture) totalEvents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func newTestBatcher(t *testing.T) (*Batcher, *capture) {
	t.Helper()
	t.Setenv("SMOOTH_TELEMETRY_URL", "")
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	t.Cleanup(srv.Close)
	b := New(Config{URL: srv.URL, APIKey: "sk-test", SDKVersion: "0.0.1"})
	t.Cleanup(b.Close)
	return b, cap
}

func TestCloseFlushesQueue(t *testing.T) {
	b, cap := newTestBatcher(t)

	b.Record("sdk.run", map[string]any{"n": 1})
	b.Record("sdk.session", nil)
	b.Close()

	assert.Equal(t, 2, cap.totalEvents())
}

func TestThresholdTriggersEarlyFlush(t *testing.T) {
	b, cap := newTestBatcher(t)

	for i := 0; i < flushThreshold; i++ {
		b.Record("sdk.run", nil)
	}

	require.Eventually(t, func() bool {
		return cap.totalEvents() >= flushThreshold
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventsCarryBaseProperties(t *testing.T) {
	b, cap := newTestBatcher(t)

	b.Record("sdk.run", map[string]any{"task_id": "t-1"})
	b.Close()

	cap.mu.Lock()
	defer cap.mu.Unlock()
	require.Len(t, cap.batches, 1)
	require.Len(t, cap.batches[0], 1)
	ev := cap.batches[0][0]
	assert.Equal(t, "sdk.run", ev["event"])
	props := ev["properties"].(map[string]any)
	assert.Equal(t, "0.0.1", props["sdk_version"])
	assert.Equal(t, "t-1", props["task_id"])
	assert.NotEmpty(t, props["os"])
	assert.Equal(t, "sk-test", cap.keys[0])
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	t.Setenv("SMOOTH_TELEMETRY_URL", "")
	// Point at a black hole so nothing drains the queue.
	b := New(Config{URL: "http://127.0.0.1:1", HTTPClient: &http.Client{Timeout: 10 * time.Millisecond}})
	defer b.Close()

	for i := 0; i < maxQueueSize+5; i++ {
		b.Record("sdk.run", map[string]any{"i": i})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.LessOrEqual(t, len(b.queue), maxQueueSize)
}

func TestFromEnvRespectsOptOut(t *testing.T) {
	t.Setenv("SMOOTH_TELEMETRY", "off")
	c := FromEnv("sk", "1.0", nil)
	assert.Equal(t, Nop(), c)
}

func TestCloseIsIdempotent(t *testing.T) {
	b, _ := newTestBatcher(t)
	b.Close()
	b.Close()
}

func TestTrackAddsDurationAndError(t *testing.T) {
	rec := &recordingCollector{}
	start := time.Now().Add(-50 * time.Millisecond)

	Track(rec, "sdk.run", nil, start, errors.New("boom"))

	require.Len(t, rec.events, 1)
	assert.Equal(t, "sdk.run", rec.events[0].name)
	assert.GreaterOrEqual(t, rec.events[0].props["duration_ms"].(float64), 50.0)
	assert.Equal(t, "boom", rec.events[0].props["error"])
}

type recordedEvent struct {
	name  string
	props map[string]any
}

type recordingCollector struct {
	events []recordedEvent
}

func (r *recordingCollector) Record(name string, props map[string]any) {
	r.events = append(r.events, recordedEvent{name: name, props: props})
}

func (r *recordingCollector) Close() {}
