package smooth

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/circlemind-ai/smooth-go/internal/async"
)

// connect takes a reference on the shared poller, starting one if none is
// running. The check is on the cancel func rather than the 0→1 refcount
// transition: the poller exits on its own when the task settles, possibly
// while references are still held, and a later connect must be able to
// restart it so its pending correlations always get resolved or failed.
func (h *TaskHandle) connect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs++
	if h.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		h.pollErr = nil
		h.gen++
		gen := h.gen
		async.Go(h.log, "task-poll-"+h.id, func() {
			h.poll(ctx, gen)
		})
	}
}

// disconnect releases a reference. When the last reference goes the poller
// is cancelled, which in turn cancels all in-flight tool executions and
// fails every pending action reply. With force set the local snapshot is
// marked cancelled so later waiters observe a terminal state.
func (h *TaskHandle) disconnect(force bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs > 0 {
		h.refs--
	}
	if force && h.snapshot != nil {
		cancelled := *h.snapshot
		cancelled.Status = StatusCancelled
		h.snapshot = &cancelled
		close(h.updated)
		h.updated = make(chan struct{})
	}
	if h.refs == 0 && h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// poll is the shared polling loop. One instance runs per handle while at
// least one caller is connected. It refreshes the snapshot, advances the
// event watermark, resolves action replies, and dispatches tool calls.
// The loop exits when the task settles, the context is cancelled, an
// essential tool fails, or a fetch fails.
func (h *TaskHandle) poll(ctx context.Context, gen uint64) {
	toolCtx, cancelTools := context.WithCancel(ctx)
	var tools async.Group
	toolFailures := make(chan error, 1)

	var cause error
	defer func() {
		cancelTools()
		tools.Wait()
		h.finishPoll(gen, cause)
	}()

	// Jitter only the first cycle so handles connected in a burst do not
	// hammer the API in lockstep.
	delay := h.pollInterval + time.Duration(rand.Int63n(int64(h.pollInterval)/5+1))
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-toolFailures:
			cause = err
			return
		case <-timer.C:
		}

		snap, err := h.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			cause = err
			return
		}
		h.processEvents(toolCtx, snap.Events, &tools, toolFailures)

		select {
		case err := <-toolFailures:
			cause = err
			return
		default:
		}
		if snap.Status.Terminal() {
			return
		}
		timer.Reset(h.pollInterval)
	}
}

// fetch pulls the task state past the current event watermark and replaces
// the snapshot wholesale.
func (h *TaskHandle) fetch(ctx context.Context) (*TaskResponse, error) {
	h.mu.Lock()
	watermark := h.eventT
	h.mu.Unlock()

	q := &TaskQuery{}
	if watermark > 0 {
		after := watermark
		q.EventT = &after
	}
	resp, err := h.tr.GetTask(ctx, h.id, q)
	if err != nil {
		return nil, err
	}
	h.replaceSnapshot(resp)
	return resp, nil
}

// replaceSnapshot installs a new snapshot and wakes every waiter by
// closing and replacing the broadcast channel.
func (h *TaskHandle) replaceSnapshot(resp *TaskResponse) {
	h.mu.Lock()
	h.snapshot = resp
	close(h.updated)
	h.updated = make(chan struct{})
	h.mu.Unlock()
}

func (h *TaskHandle) processEvents(toolCtx context.Context, events []TaskEvent, tools *async.Group, failures chan<- error) {
	for _, ev := range events {
		h.mu.Lock()
		if ev.Timestamp > h.eventT {
			h.eventT = ev.Timestamp
		}
		h.mu.Unlock()

		switch ev.Name {
		case EventToolCall:
			name, _ := ev.Payload["name"].(string)
			h.mu.Lock()
			tool := h.tools[name]
			h.mu.Unlock()
			if tool == nil {
				h.log.Warn("task %s requested unknown tool %q", h.id, name)
				continue
			}
			ev := ev
			tools.Go(h.log, "tool-"+name, func() {
				if err := tool.dispatch(toolCtx, h, ev); err != nil {
					select {
					case failures <- err:
					default:
					}
				}
			})
		default:
			if ev.ID != "" {
				h.resolveEvent(ev)
			}
		}
	}
}

// resolveEvent completes the pending action matching the event id, if any.
// Each correlation resolves at most once; the slot is removed regardless
// of outcome.
func (h *TaskHandle) resolveEvent(ev TaskEvent) {
	h.mu.Lock()
	ch, ok := h.pending[ev.ID]
	if ok {
		delete(h.pending, ev.ID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	code := payloadCode(ev.Payload)
	switch {
	case code >= 200 && code < 300:
		ch <- actionResult{payload: ev.Payload}
	case code == 400:
		ch <- actionResult{err: &ToolCallError{Message: payloadOutput(ev.Payload)}}
	default:
		ch <- actionResult{err: fmt.Errorf("action %s failed: %s", ev.ID, payloadOutput(ev.Payload))}
	}
}

// finishPoll runs exactly once per poller instance, after all tool
// goroutines have drained. It records the terminal error, fails every
// pending correlation, and wakes all waiters.
func (h *TaskHandle) finishPoll(gen uint64, cause error) {
	h.mu.Lock()
	if h.gen == gen && h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	if cause != nil {
		h.pollErr = cause
	}
	pending := h.pending
	h.pending = make(map[string]chan actionResult)
	close(h.updated)
	h.updated = make(chan struct{})
	h.mu.Unlock()

	failure := cause
	if failure == nil {
		failure = ErrConnectionClosed
	}
	for _, ch := range pending {
		ch <- actionResult{err: failure}
	}
	if cause != nil {
		h.log.Error("task %s polling stopped: %v", h.id, cause)
	}
}

func payloadCode(payload map[string]any) int {
	switch v := payload["code"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

func payloadOutput(payload map[string]any) string {
	out, ok := payload["output"]
	if !ok || out == nil {
		return "unknown error"
	}
	return fmt.Sprint(out)
}
