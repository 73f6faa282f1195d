package smooth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPollInterval = 10 * time.Millisecond

// fakeTransport scripts the task endpoints for handle tests. Unset
// functions fail the calling test.
type fakeTransport struct {
	t *testing.T

	mu       sync.Mutex
	getCalls int
	events   []*TaskEvent
	deleted  []string

	submitFn func(req *TaskRequest) (*TaskResponse, error)
	getFn    func(call int, query *TaskQuery) (*TaskResponse, error)
	sendFn   func(ev *TaskEvent) (*TaskEventResponse, error)
	deleteFn func(taskID string) error
	updateFn func(taskID string, req *TaskUpdateRequest) error
}

func (f *fakeTransport) SubmitTask(ctx context.Context, req *TaskRequest) (*TaskResponse, error) {
	if f.submitFn == nil {
		f.t.Fatal("unexpected SubmitTask")
	}
	return f.submitFn(req)
}

func (f *fakeTransport) GetTask(ctx context.Context, taskID string, query *TaskQuery) (*TaskResponse, error) {
	f.mu.Lock()
	f.getCalls++
	call := f.getCalls
	f.mu.Unlock()
	if f.getFn == nil {
		f.t.Fatal("unexpected GetTask")
	}
	return f.getFn(call, query)
}

func (f *fakeTransport) UpdateTask(ctx context.Context, taskID string, req *TaskUpdateRequest) error {
	if f.updateFn == nil {
		f.t.Fatal("unexpected UpdateTask")
	}
	return f.updateFn(taskID, req)
}

func (f *fakeTransport) DeleteTask(ctx context.Context, taskID string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, taskID)
	f.mu.Unlock()
	if f.deleteFn != nil {
		return f.deleteFn(taskID)
	}
	return nil
}

func (f *fakeTransport) SendTaskEvent(ctx context.Context, taskID string, event *TaskEvent) (*TaskEventResponse, error) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	if f.sendFn != nil {
		return f.sendFn(event)
	}
	return &TaskEventResponse{ID: event.ID}, nil
}

func (f *fakeTransport) countGets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

func (f *fakeTransport) sentEvents() []*TaskEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*TaskEvent, len(f.events))
	copy(out, f.events)
	return out
}

// lastSentID returns the id of the most recent event posted through the
// transport, once one exists.
func (f *fakeTransport) lastSentID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return ""
	}
	return f.events[len(f.events)-1].ID
}

func newTestHandle(t *testing.T, f *fakeTransport, tools ...*Tool) *TaskHandle {
	t.Helper()
	f.t = t
	return newTaskHandle("t-1", f, tools, nil, nil, testPollInterval)
}

func strPtr(s string) *string { return &s }

func runningResponse() *TaskResponse {
	return &TaskResponse{ID: "t-1", Status: StatusRunning}
}

func doneResponse() *TaskResponse {
	return &TaskResponse{ID: "t-1", Status: StatusDone, Output: "all done"}
}

func TestResultReturnsCachedTerminalStateWithoutFetching(t *testing.T) {
	f := &fakeTransport{}
	h := newTestHandle(t, f)
	h.replaceSnapshot(doneResponse())

	resp, err := h.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDone, resp.Status)
	assert.Equal(t, 0, f.countGets())
}

func TestResultPollsUntilDone(t *testing.T) {
	f := &fakeTransport{
		getFn: func(call int, _ *TaskQuery) (*TaskResponse, error) {
			if call < 3 {
				return runningResponse(), nil
			}
			return doneResponse(), nil
		},
	}
	h := newTestHandle(t, f)

	resp, err := h.Result(context.Background(), WithWaitTimeout(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusDone, resp.Status)
	assert.Equal(t, "all done", resp.Output)
	assert.GreaterOrEqual(t, f.countGets(), 3)
}

func TestResultTimesOut(t *testing.T) {
	f := &fakeTransport{
		getFn: func(int, *TaskQuery) (*TaskResponse, error) {
			return runningResponse(), nil
		},
	}
	h := newTestHandle(t, f)

	_, err := h.Result(context.Background(), WithWaitTimeout(time.Second))
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "t-1", timeoutErr.TaskID)
	assert.Contains(t, err.Error(), "did not complete within")
	assert.True(t, IsTimeout(err))
}

func TestWaitTimeoutBelowOneSecondIsRejected(t *testing.T) {
	h := newTestHandle(t, &fakeTransport{})

	_, err := h.Result(context.Background(), WithWaitTimeout(100*time.Millisecond))
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "Timeout must be at least 1 second", vErr.Message)
}

func TestResultPropagatesFetchFailure(t *testing.T) {
	f := &fakeTransport{
		getFn: func(int, *TaskQuery) (*TaskResponse, error) {
			return nil, &APIError{StatusCode: 401, Detail: "bad key"}
		},
	}
	h := newTestHandle(t, f)

	_, err := h.Result(context.Background(), WithWaitTimeout(5*time.Second))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.StatusCode)
}

func TestLiveURLInjectsViewFlags(t *testing.T) {
	live := "https://browser-live.example.com/view?b=abc123"
	f := &fakeTransport{
		getFn: func(int, *TaskQuery) (*TaskResponse, error) {
			r := runningResponse()
			r.LiveURL = strPtr(live)
			return r, nil
		},
	}
	h := newTestHandle(t, f)

	got, err := h.LiveURL(context.Background(), WithWaitTimeout(5*time.Second))
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "true", q.Get("interactive"))
	assert.Equal(t, "false", q.Get("embed"))
	assert.Equal(t, "abc123", q.Get("b"))
}

func TestLiveURLOverridesExistingFlags(t *testing.T) {
	live := "https://browser-live.example.com/view?interactive=true&embed=false"
	f := &fakeTransport{
		getFn: func(int, *TaskQuery) (*TaskResponse, error) {
			r := runningResponse()
			r.LiveURL = strPtr(live)
			return r, nil
		},
	}
	h := newTestHandle(t, f)

	got, err := h.LiveURL(context.Background(),
		WithWaitTimeout(5*time.Second), WithInteractive(false), WithEmbed(true))
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "false", u.Query().Get("interactive"))
	assert.Equal(t, "true", u.Query().Get("embed"))
}

func TestLiveURLUnavailableOnFinishedTask(t *testing.T) {
	f := &fakeTransport{}
	h := newTestHandle(t, f)
	h.replaceSnapshot(doneResponse())

	_, err := h.LiveURL(context.Background())
	var badReq *BadRequestError
	require.ErrorAs(t, err, &badReq)
	assert.Contains(t, err.Error(), "Live URL not available")
	assert.Equal(t, 0, f.countGets())
}

func TestRecordingURLRequiresRecordingEnabled(t *testing.T) {
	f := &fakeTransport{
		getFn: func(int, *TaskQuery) (*TaskResponse, error) {
			r := doneResponse()
			r.RecordingURL = strPtr("")
			return r, nil
		},
	}
	h := newTestHandle(t, f)

	_, err := h.RecordingURL(context.Background(), WithWaitTimeout(5*time.Second))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.Contains(t, apiErr.Detail, "enable_recording")
	assert.True(t, IsNotFound(err))
}

func TestRecordingURLWaitsForValue(t *testing.T) {
	f := &fakeTransport{
		getFn: func(call int, _ *TaskQuery) (*TaskResponse, error) {
			r := runningResponse()
			if call >= 2 {
				r.RecordingURL = strPtr("https://recordings.example.com/t-1.mp4")
			}
			return r, nil
		},
	}
	h := newTestHandle(t, f)

	got, err := h.RecordingURL(context.Background(), WithWaitTimeout(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "https://recordings.example.com/t-1.mp4", got)
}

func TestDownloadsURLFetchesDownloadInfoAfterCompletion(t *testing.T) {
	archive := "https://downloads.example.com/t-1.zip"
	f := &fakeTransport{}
	f.getFn = func(call int, query *TaskQuery) (*TaskResponse, error) {
		if query != nil && query.Downloads {
			r := doneResponse()
			r.DownloadsURL = strPtr(archive)
			return r, nil
		}
		if call < 2 {
			return runningResponse(), nil
		}
		return doneResponse(), nil
	}
	h := newTestHandle(t, f)

	got, err := h.DownloadsURL(context.Background(), WithWaitTimeout(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, archive, got)
}

func TestGotoResolvesFromReplyEvent(t *testing.T) {
	f := &fakeTransport{}
	f.getFn = func(call int, _ *TaskQuery) (*TaskResponse, error) {
		r := runningResponse()
		if id := f.lastSentID(); id != "" {
			r.Events = []TaskEvent{{
				ID:        id,
				Name:      EventBrowserAction,
				Payload:   map[string]any{"code": float64(200), "output": "ok"},
				Timestamp: int64(call),
			}}
		}
		return r, nil
	}
	h := newTestHandle(t, f)

	require.NoError(t, h.Goto(context.Background(), "https://example.com"))

	events := f.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventBrowserAction, events[0].Name)
	assert.Equal(t, "goto", events[0].Payload["name"])
	assert.Equal(t, map[string]any{"url": "https://example.com"}, events[0].Payload["input"])
	assert.NotEmpty(t, events[0].ID)
}

func TestExtractReturnsReplyOutput(t *testing.T) {
	f := &fakeTransport{}
	f.getFn = func(call int, _ *TaskQuery) (*TaskResponse, error) {
		r := runningResponse()
		if id := f.lastSentID(); id != "" {
			r.Events = []TaskEvent{{
				ID:      id,
				Name:    EventBrowserAction,
				Payload: map[string]any{"code": float64(200), "output": map[string]any{"title": "Example"}},
			}}
		}
		return r, nil
	}
	h := newTestHandle(t, f)

	out, err := h.Extract(context.Background(), map[string]any{"type": "object"}, "get the title")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "Example"}, out)
}

func TestActionRejectionBecomesToolCallError(t *testing.T) {
	f := &fakeTransport{}
	f.getFn = func(int, *TaskQuery) (*TaskResponse, error) {
		r := runningResponse()
		if id := f.lastSentID(); id != "" {
			r.Events = []TaskEvent{{
				ID:      id,
				Name:    EventBrowserAction,
				Payload: map[string]any{"code": float64(400), "output": "navigation blocked"},
			}}
		}
		return r, nil
	}
	h := newTestHandle(t, f)

	err := h.Goto(context.Background(), "https://blocked.example.com")
	var callErr *ToolCallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "navigation blocked", callErr.Message)
}

func TestActionAfterPollerSelfExitFailsFast(t *testing.T) {
	f := &fakeTransport{}
	f.getFn = func(int, *TaskQuery) (*TaskResponse, error) {
		return doneResponse(), nil
	}
	h := newTestHandle(t, f)

	// Hold a reference across the poller's own terminal exit, the way a
	// session scope does.
	h.connect()
	defer h.disconnect(false)
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.cancel == nil
	}, 5*time.Second, 5*time.Millisecond)

	// A restarted poller must resolve or fail this; it must not hang.
	err := h.Goto(context.Background(), "https://example.com")
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestDuplicateReplyEventIsIgnored(t *testing.T) {
	release := make(chan struct{})
	f := &fakeTransport{}
	f.getFn = func(call int, _ *TaskQuery) (*TaskResponse, error) {
		select {
		case <-release:
			return doneResponse(), nil
		default:
		}
		r := runningResponse()
		if id := f.lastSentID(); id != "" {
			// Replay the same reply on every cycle; only the first one may
			// resolve the pending call.
			r.Events = []TaskEvent{{
				ID:        id,
				Name:      EventBrowserAction,
				Payload:   map[string]any{"code": float64(200), "output": "ok"},
				Timestamp: int64(call),
			}}
		}
		return r, nil
	}
	h := newTestHandle(t, f)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err := h.Result(context.Background(), WithWaitTimeout(5*time.Second))
		assert.NoError(t, err)
		assert.Equal(t, StatusDone, resp.Status)
	}()

	require.NoError(t, h.Goto(context.Background(), "https://example.com"))

	// The background waiter keeps the poller alive while several more
	// cycles deliver the stale reply id again.
	time.Sleep(5 * testPollInterval)
	h.mu.Lock()
	pending := len(h.pending)
	h.mu.Unlock()
	assert.Zero(t, pending)

	close(release)
	wg.Wait()
}

func TestPendingActionFailsWhenTaskEnds(t *testing.T) {
	f := &fakeTransport{}
	f.getFn = func(int, *TaskQuery) (*TaskResponse, error) {
		// The task finishes without ever answering the action.
		return doneResponse(), nil
	}
	h := newTestHandle(t, f)

	err := h.Goto(context.Background(), "https://example.com")
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestEventWatermarkAdvances(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	f := &fakeTransport{}
	f.getFn = func(call int, query *TaskQuery) (*TaskResponse, error) {
		mu.Lock()
		if query == nil || query.EventT == nil {
			seen = append(seen, "none")
		} else {
			seen = append(seen, fmt.Sprint(*query.EventT))
		}
		mu.Unlock()

		switch call {
		case 1:
			r := runningResponse()
			r.Events = []TaskEvent{
				{Name: "log", Timestamp: 3},
				{Name: "log", Timestamp: 7},
			}
			return r, nil
		case 2:
			return runningResponse(), nil
		default:
			return doneResponse(), nil
		}
	}
	h := newTestHandle(t, f)

	_, err := h.Result(context.Background(), WithWaitTimeout(5*time.Second))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 3)
	assert.Equal(t, "none", seen[0])
	assert.Equal(t, "7", seen[1])
	assert.Equal(t, "7", seen[2])
}

func TestConcurrentWaitersShareOnePoller(t *testing.T) {
	release := make(chan struct{})
	f := &fakeTransport{}
	f.getFn = func(int, *TaskQuery) (*TaskResponse, error) {
		select {
		case <-release:
			return doneResponse(), nil
		default:
			return runningResponse(), nil
		}
	}
	h := newTestHandle(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.Result(context.Background(), WithWaitTimeout(5*time.Second))
			assert.NoError(t, err)
			assert.Equal(t, StatusDone, resp.Status)
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	h.mu.Lock()
	refs := h.refs
	cancelled := h.cancel == nil
	h.mu.Unlock()
	assert.Equal(t, 0, refs)
	assert.True(t, cancelled)
}

func TestEssentialToolFailureStopsTheTask(t *testing.T) {
	boom := errors.New("backend unreachable")
	tool := NewTool("lookup", "look things up", nil,
		func(ctx context.Context, input map[string]any) (any, error) {
			return nil, boom
		}, Essential())

	f := &fakeTransport{}
	f.getFn = func(call int, _ *TaskQuery) (*TaskResponse, error) {
		r := runningResponse()
		if call == 1 {
			r.Events = []TaskEvent{{
				ID:      "e-server-1",
				Name:    EventToolCall,
				Payload: map[string]any{"name": "lookup", "input": map[string]any{"q": "x"}},
			}}
		}
		return r, nil
	}
	h := newTestHandle(t, f, tool)

	_, err := h.Result(context.Background(), WithWaitTimeout(5*time.Second))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "essential tool lookup failed")

	events := f.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "e-server-1", events[0].ID)
	assert.Equal(t, EventToolCall, events[0].Name)
	assert.Equal(t, 500, events[0].Payload["code"])
}

func TestNonEssentialToolFailureKeepsPolling(t *testing.T) {
	tool := NewTool("flaky", "sometimes breaks", nil,
		func(ctx context.Context, input map[string]any) (any, error) {
			return nil, errors.New("nope")
		})

	f := &fakeTransport{}
	f.getFn = func(call int, _ *TaskQuery) (*TaskResponse, error) {
		switch call {
		case 1:
			r := runningResponse()
			r.Events = []TaskEvent{{
				ID:      "e-server-2",
				Name:    EventToolCall,
				Payload: map[string]any{"name": "flaky", "input": map[string]any{}},
			}}
			return r, nil
		case 2:
			return runningResponse(), nil
		default:
			return doneResponse(), nil
		}
	}
	h := newTestHandle(t, f, tool)

	resp, err := h.Result(context.Background(), WithWaitTimeout(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusDone, resp.Status)

	events := f.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, 400, events[0].Payload["code"])
	assert.Equal(t, "nope", events[0].Payload["output"])
}

func TestToolReceivesCallInput(t *testing.T) {
	got := make(chan map[string]any, 1)
	tool := NewTool("echo", "echoes input", map[string]string{"msg": "string"},
		func(ctx context.Context, input map[string]any) (any, error) {
			got <- input
			return strings.ToUpper(input["msg"].(string)), nil
		})

	f := &fakeTransport{}
	f.getFn = func(call int, _ *TaskQuery) (*TaskResponse, error) {
		if call == 1 {
			r := runningResponse()
			r.Events = []TaskEvent{{
				ID:      "e-server-3",
				Name:    EventToolCall,
				Payload: map[string]any{"name": "echo", "input": map[string]any{"msg": "hi"}},
			}}
			return r, nil
		}
		return doneResponse(), nil
	}
	h := newTestHandle(t, f, tool)

	_, err := h.Result(context.Background(), WithWaitTimeout(5*time.Second))
	require.NoError(t, err)

	select {
	case input := <-got:
		assert.Equal(t, map[string]any{"msg": "hi"}, input)
	case <-time.After(time.Second):
		t.Fatal("tool was never invoked")
	}

	events := f.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, 200, events[0].Payload["code"])
	assert.Equal(t, "HI", events[0].Payload["output"])
}
