package smooth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/circlemind-ai/smooth-go/internal/frp"
	"github.com/circlemind-ai/smooth-go/internal/id"
	"github.com/circlemind-ai/smooth-go/internal/logging"
	"github.com/circlemind-ai/smooth-go/internal/telemetry"
)

const (
	defaultPollInterval = 1 * time.Second
	defaultWaitTimeout  = 5 * time.Minute
	minWaitTimeout      = 1 * time.Second

	// waitSlice bounds how far past its deadline a wait can resolve when no
	// snapshot update arrives to wake it.
	waitSlice = 200 * time.Millisecond
)

// WaitOption configures a waiting operation on a task handle.
type WaitOption func(*waitOptions)

type waitOptions struct {
	timeout     time.Duration
	interactive bool
	embed       bool
}

// WithWaitTimeout bounds how long the operation waits for its condition.
// The timeout must be at least one second.
func WithWaitTimeout(d time.Duration) WaitOption {
	return func(o *waitOptions) { o.timeout = d }
}

// WithInteractive controls the interactive flag injected into the live-view
// URL. The default is true.
func WithInteractive(interactive bool) WaitOption {
	return func(o *waitOptions) { o.interactive = interactive }
}

// WithEmbed controls the embed flag injected into the live-view URL. The
// default is false.
func WithEmbed(embed bool) WaitOption {
	return func(o *waitOptions) { o.embed = embed }
}

func applyWaitOptions(opts []WaitOption) (waitOptions, error) {
	o := waitOptions{timeout: defaultWaitTimeout, interactive: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout < minWaitTimeout {
		return o, &ValidationError{Message: "Timeout must be at least 1 second"}
	}
	return o, nil
}

type actionResult struct {
	payload map[string]any
	err     error
}

// TaskHandle represents a submitted task. It owns the background poller
// that keeps the local snapshot current, resolves pending action replies,
// and dispatches custom tool calls. Handles are safe for concurrent use;
// all concurrent waiters share one poller.
type TaskHandle struct {
	id           string
	tr           Transport
	log          logging.Logger
	tel          telemetry.Collector
	pollInterval time.Duration

	mu       sync.Mutex
	snapshot *TaskResponse
	updated  chan struct{}
	refs     int
	gen      uint64
	cancel   context.CancelFunc
	eventT   int64
	pending  map[string]chan actionResult
	pollErr  error
	tools    map[string]*Tool

	tunnelMu sync.Mutex
	tunnel   *frp.Tunnel
}

func newTaskHandle(taskID string, tr Transport, tools []*Tool, log logging.Logger, tel telemetry.Collector, pollInterval time.Duration) *TaskHandle {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	registered := make(map[string]*Tool, len(tools))
	for _, t := range tools {
		if t != nil {
			registered[t.Name()] = t
		}
	}
	return &TaskHandle{
		id:           taskID,
		tr:           tr,
		log:          logging.OrNop(log),
		tel:          tel,
		pollInterval: pollInterval,
		updated:      make(chan struct{}),
		pending:      make(map[string]chan actionResult),
		tools:        registered,
	}
}

// ID returns the server-assigned task id.
func (h *TaskHandle) ID() string { return h.id }

// Status returns the last known status, or the empty string before the
// first fetch.
func (h *TaskHandle) Status() TaskStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.snapshot == nil {
		return ""
	}
	return h.snapshot.Status
}

// Snapshot returns the last fetched task state, or nil before the first
// fetch. The returned value must be treated as read-only.
func (h *TaskHandle) Snapshot() *TaskResponse {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot
}

// Result waits until the task reaches a terminal status and returns the
// final snapshot. If the cached snapshot is already terminal it returns
// immediately without touching the network.
func (h *TaskHandle) Result(ctx context.Context, opts ...WaitOption) (*TaskResponse, error) {
	return h.waitFor(ctx, opts, func(s *TaskResponse) (bool, error) {
		return s.Status.Terminal(), nil
	})
}

// LiveURL waits for the task's live-view URL and returns it with the
// interactive and embed parameters applied. A terminal task that never had
// a live URL fails with a BadRequestError.
func (h *TaskHandle) LiveURL(ctx context.Context, opts ...WaitOption) (string, error) {
	o, err := applyWaitOptions(opts)
	if err != nil {
		return "", err
	}
	snap, err := h.waitFor(ctx, opts, func(s *TaskResponse) (bool, error) {
		if s.LiveURL != nil && *s.LiveURL != "" {
			return true, nil
		}
		if s.Status.Terminal() {
			return false, NewBadRequestError("Live URL not available for this task")
		}
		return false, nil
	})
	if err != nil {
		return "", err
	}
	return encodeLiveURL(*snap.LiveURL, o.interactive, o.embed)
}

// RecordingURL waits for the task's recording URL. An empty string reported
// by the server means recording was not enabled and fails with a not-found
// error; an absent field means the recording is not ready yet.
func (h *TaskHandle) RecordingURL(ctx context.Context, opts ...WaitOption) (string, error) {
	snap, err := h.waitFor(ctx, opts, func(s *TaskResponse) (bool, error) {
		if s.RecordingURL == nil {
			return false, nil
		}
		if *s.RecordingURL == "" {
			return false, &APIError{
				StatusCode: http.StatusNotFound,
				Detail:     "Recording URL not available for this task. Was the task started with enable_recording?",
			}
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return *snap.RecordingURL, nil
}

// DownloadsURL waits for the task's downloads archive URL. The field is
// only meaningful once the task is no longer running; until then the call
// keeps waiting, and once the task settles it issues an extra fetch with
// download info forced on.
func (h *TaskHandle) DownloadsURL(ctx context.Context, opts ...WaitOption) (string, error) {
	o, err := applyWaitOptions(opts)
	if err != nil {
		return "", err
	}
	if snap := h.Snapshot(); snap != nil && !snap.Status.Active() && snap.DownloadsURL != nil && *snap.DownloadsURL != "" {
		return *snap.DownloadsURL, nil
	}

	h.connect()
	defer h.disconnect(false)
	deadline := time.Now().Add(o.timeout)
	for {
		h.mu.Lock()
		snap := h.snapshot
		perr := h.pollErr
		upd := h.updated
		h.mu.Unlock()

		if snap != nil && !snap.Status.Active() {
			if snap.DownloadsURL == nil {
				// The poller's regular fetches skip download info; ask for it.
				fetched, err := h.tr.GetTask(ctx, h.id, &TaskQuery{Downloads: true})
				if err != nil {
					return "", err
				}
				h.replaceSnapshot(fetched)
				snap = fetched
			}
			if snap.DownloadsURL != nil {
				if *snap.DownloadsURL == "" {
					return "", &APIError{StatusCode: http.StatusNotFound, Detail: "No downloads available for this task"}
				}
				return *snap.DownloadsURL, nil
			}
		}
		if perr != nil {
			return "", perr
		}
		if time.Now().After(deadline) {
			return "", &TimeoutError{TaskID: h.id, Timeout: o.timeout}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-upd:
		case <-time.After(waitSlice):
		}
	}
}

// Goto navigates the task's browser to the given URL and waits for the
// action to complete.
func (h *TaskHandle) Goto(ctx context.Context, url string) error {
	_, err := h.sendAction(ctx, EventBrowserAction, "goto", map[string]any{"url": url})
	return err
}

// Extract runs a structured extraction against the current page. The
// schema describes the desired output shape; prompt optionally focuses the
// extraction.
func (h *TaskHandle) Extract(ctx context.Context, schema map[string]any, prompt string) (any, error) {
	input := map[string]any{"schema": schema}
	if prompt != "" {
		input["prompt"] = prompt
	}
	return h.sendAction(ctx, EventBrowserAction, "extract", input)
}

// EvaluateJS runs a JavaScript snippet in the task's browser and returns
// its result.
func (h *TaskHandle) EvaluateJS(ctx context.Context, script string, args map[string]any) (any, error) {
	input := map[string]any{"js": script}
	if len(args) > 0 {
		input["args"] = args
	}
	return h.sendAction(ctx, EventBrowserAction, "evaluate_js", input)
}

func (h *TaskHandle) sendAction(ctx context.Context, eventName, action string, input map[string]any) (any, error) {
	reply, err := h.sendEvent(ctx, &TaskEvent{
		Name:    eventName,
		Payload: map[string]any{"name": action, "input": input},
	})
	if err != nil {
		return nil, err
	}
	return reply["output"], nil
}

// sendEvent registers a correlation slot for a fresh event id, sends the
// event, and waits for the matching reply from the poller. The reply
// payload is returned as-is.
func (h *TaskHandle) sendEvent(ctx context.Context, ev *TaskEvent) (map[string]any, error) {
	if ev.ID == "" {
		ev.ID = id.NewEventID()
	}
	ch := make(chan actionResult, 1)
	h.mu.Lock()
	h.pending[ev.ID] = ch
	h.mu.Unlock()

	h.connect()
	defer h.disconnect(false)

	if _, err := h.tr.SendTaskEvent(ctx, h.id, ev); err != nil {
		h.dropPending(ev.ID)
		return nil, err
	}
	select {
	case res := <-ch:
		return res.payload, res.err
	case <-ctx.Done():
		h.dropPending(ev.ID)
		return nil, ctx.Err()
	}
}

func (h *TaskHandle) dropPending(eventID string) {
	h.mu.Lock()
	delete(h.pending, eventID)
	h.mu.Unlock()
}

// waitFor drives a condition against the live snapshot. The deadline is
// computed once at entry and rechecked every cycle; a cached snapshot that
// already satisfies (or permanently fails) the condition short-circuits
// before any network activity.
func (h *TaskHandle) waitFor(ctx context.Context, opts []WaitOption, check func(*TaskResponse) (bool, error)) (*TaskResponse, error) {
	o, err := applyWaitOptions(opts)
	if err != nil {
		return nil, err
	}

	if snap := h.Snapshot(); snap != nil && snap.Status.Terminal() {
		ok, err := check(snap)
		if err != nil {
			return nil, err
		}
		if ok {
			return snap, nil
		}
	}

	h.connect()
	defer h.disconnect(false)

	deadline := time.Now().Add(o.timeout)
	for {
		h.mu.Lock()
		snap := h.snapshot
		perr := h.pollErr
		upd := h.updated
		h.mu.Unlock()

		if snap != nil {
			ok, err := check(snap)
			if err != nil {
				return nil, err
			}
			if ok {
				return snap, nil
			}
		}
		if perr != nil {
			return nil, perr
		}
		if time.Now().After(deadline) {
			return nil, &TimeoutError{TaskID: h.id, Timeout: o.timeout}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-upd:
		case <-time.After(waitSlice):
		}
	}
}

// StartProxy launches a local frp tunnel exposing a SOCKS5 proxy the
// remote browser routes its traffic through.
func (h *TaskHandle) StartProxy(ctx context.Context, serverAddr, token string) error {
	h.tunnelMu.Lock()
	defer h.tunnelMu.Unlock()
	if h.tunnel != nil && h.tunnel.Running() {
		return fmt.Errorf("proxy already running for task %s", h.id)
	}
	tunnel := frp.NewTunnel(frp.Config{
		ServerAddr: serverAddr,
		Token:      token,
		TunnelID:   h.id,
	}, h.log)
	if err := tunnel.Start(ctx); err != nil {
		return err
	}
	h.tunnel = tunnel
	return nil
}

// StopProxy tears down the task's proxy tunnel if one is running.
func (h *TaskHandle) StopProxy() {
	h.tunnelMu.Lock()
	defer h.tunnelMu.Unlock()
	if h.tunnel != nil {
		h.tunnel.Stop()
		h.tunnel = nil
	}
}

// HasProxy reports whether a proxy tunnel is currently running.
func (h *TaskHandle) HasProxy() bool {
	h.tunnelMu.Lock()
	defer h.tunnelMu.Unlock()
	return h.tunnel != nil && h.tunnel.Running()
}
