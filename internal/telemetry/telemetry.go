// Package telemetry batches anonymous SDK usage events and ships them to the
// service, which forwards them to its analytics backend. It is injected into
// the client as a collaborator; nothing in the SDK depends on a singleton.
// Disable with SMOOTH_TELEMETRY=off.
package telemetry

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/circlemind-ai/smooth-go/internal/async"
	"github.com/circlemind-ai/smooth-go/internal/logging"
)

const (
	defaultURL     = "https://api.smooth.sh/api/v1/telemetry"
	flushInterval  = 5 * time.Second
	flushThreshold = 10
	maxQueueSize   = 200
	sendTimeout    = 5 * time.Second
	closeTimeout   = 2 * time.Second
)

// Collector records usage events. Record must never block the caller and
// must swallow its own failures.
type Collector interface {
	Record(event string, props map[string]any)
	Close()
}

type nopCollector struct{}

func (nopCollector) Record(string, map[string]any) {}
func (nopCollector) Close()                        {}

// Nop returns a collector that discards everything.
func Nop() Collector {
	return nopCollector{}
}

// Enabled reports whether telemetry is switched on for this process.
func Enabled() bool {
	return os.Getenv("SMOOTH_TELEMETRY") != "off"
}

// Config configures the HTTP batcher.
type Config struct {
	URL        string
	APIKey     string
	SDKVersion string
	HTTPClient *http.Client
	Logger     logging.Logger
}

type event struct {
	Event      string         `json:"event"`
	Timestamp  string         `json:"timestamp"`
	Properties map[string]any `json:"properties"`
}

// Batcher queues events and flushes them every few seconds or once enough
// have accumulated, whichever comes first.
type Batcher struct {
	cfg  Config
	base map[string]any
	log  logging.Logger

	mu    sync.Mutex
	queue []event

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New builds a running HTTP batcher. Callers that want the environment
// opt-out should use FromEnv instead.
func New(cfg Config) *Batcher {
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if u := os.Getenv("SMOOTH_TELEMETRY_URL"); u != "" {
		cfg.URL = u
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: sendTimeout}
	}
	b := &Batcher{
		cfg: cfg,
		log: logging.OrNop(cfg.Logger),
		base: map[string]any{
			"sdk_version": cfg.SDKVersion,
			"go_version":  runtime.Version(),
			"os":          runtime.GOOS,
			"arch":        runtime.GOARCH,
		},
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	async.Go(b.log, "telemetry-flush", b.loop)
	return b
}

// FromEnv returns an HTTP batcher, or a no-op collector when telemetry is
// disabled via SMOOTH_TELEMETRY=off.
func FromEnv(apiKey, sdkVersion string, logger logging.Logger) Collector {
	if !Enabled() {
		return Nop()
	}
	return New(Config{APIKey: apiKey, SDKVersion: sdkVersion, Logger: logger})
}

// Record queues an event. The oldest queued event is dropped if the queue
// is full.
func (b *Batcher) Record(name string, props map[string]any) {
	merged := make(map[string]any, len(b.base)+len(props))
	for k, v := range b.base {
		merged[k] = v
	}
	for k, v := range props {
		merged[k] = v
	}
	ev := event{
		Event:      name,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Properties: merged,
	}

	b.mu.Lock()
	if len(b.queue) >= maxQueueSize {
		b.queue = b.queue[1:]
	}
	b.queue = append(b.queue, ev)
	full := len(b.queue) >= flushThreshold
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Close flushes the remaining queue, bounded by a short deadline, and stops
// the background loop.
func (b *Batcher) Close() {
	select {
	case <-b.stop:
		return
	default:
	}
	close(b.stop)
	select {
	case <-b.done:
	case <-time.After(closeTimeout):
	}
}

func (b *Batcher) loop() {
	defer close(b.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.kick:
			b.flush()
		case <-b.stop:
			b.flush()
			return
		}
	}
}

func (b *Batcher) flush() {
	for {
		b.mu.Lock()
		n := len(b.queue)
		if n > flushThreshold {
			n = flushThreshold
		}
		batch := b.queue[:n:n]
		b.queue = b.queue[n:]
		b.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		b.send(batch)
	}
}

func (b *Batcher) send(batch []event) {
	body, err := json.Marshal(map[string]any{"events": batch})
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, b.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", b.cfg.APIKey)
	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		b.log.Debug("telemetry send failed: %v", err)
		return
	}
	resp.Body.Close()
}

// Track records a completed operation with its duration and error outcome.
func Track(c Collector, name string, props map[string]any, start time.Time, err error) {
	if c == nil {
		return
	}
	if props == nil {
		props = map[string]any{}
	}
	props["duration_ms"] = float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		props["error"] = err.Error()
	}
	c.Record(name, props)
}
