package smooth

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// SessionHandle is a handle to an open browser session: a long-lived task
// with no fixed instruction that accepts work over its lifetime.
type SessionHandle struct {
	*TaskHandle

	closeMu sync.Mutex
	closed  bool
}

func newSessionHandle(h *TaskHandle) *SessionHandle {
	return &SessionHandle{TaskHandle: h}
}

// Close ends the session. With force the task is deleted outright and the
// local snapshot marked cancelled; otherwise a close request is sent to
// the session and its reply awaited. If the poller has already stopped
// because the server ended the session, a graceful close reports success.
func (s *SessionHandle) Close(ctx context.Context, force bool) error {
	defer s.StopProxy()

	if force {
		if err := s.tr.DeleteTask(ctx, s.id); err != nil {
			return err
		}
		s.disconnect(true)
		s.markClosed()
		return nil
	}

	_, err := s.sendEvent(ctx, &TaskEvent{
		Name:    EventSessionAction,
		Payload: map[string]any{"name": "close"},
	})
	if err != nil {
		// The session may have ended on its own before the close request
		// resolved. That race still leaves the session closed.
		if errors.Is(err, ErrConnectionClosed) || s.terminalLocally() {
			s.markClosed()
			return nil
		}
		return err
	}
	s.markClosed()
	return nil
}

// RunTask runs an instruction inside the open session and returns the
// task's output.
func (s *SessionHandle) RunTask(ctx context.Context, task string, opts ...SessionTaskOption) (any, error) {
	o := sessionTaskOptions{maxSteps: defaultMaxSteps}
	for _, opt := range opts {
		opt(&o)
	}
	input := map[string]any{
		"task":      task,
		"max_steps": o.maxSteps,
	}
	if o.responseModel != nil {
		input["response_model"] = o.responseModel
	}
	if o.url != "" {
		input["url"] = o.url
	}
	if o.metadata != nil {
		input["metadata"] = o.metadata
	}
	return s.sendAction(ctx, EventBrowserAction, "run_task", input)
}

// Result returns the session's final state. A session must be closed
// before its result can be read.
func (s *SessionHandle) Result(ctx context.Context, opts ...WaitOption) (*TaskResponse, error) {
	s.closeMu.Lock()
	closed := s.closed
	s.closeMu.Unlock()
	if !closed && !s.terminalLocally() {
		return nil, NewBadRequestError("Result cannot be retrieved while the session is open; close the session first")
	}
	return s.TaskHandle.Result(ctx, opts...)
}

// With runs fn inside the session's scope. The poller is held for the
// whole scope; a normal return closes the session gracefully, while an
// error or panic from fn forces the session down before propagating.
func (s *SessionHandle) With(ctx context.Context, fn func(*SessionHandle) error) (err error) {
	s.connect()
	defer s.disconnect(false)

	done := false
	defer func() {
		if done {
			return
		}
		// fn panicked; tear the remote session down before unwinding.
		if closeErr := s.Close(ctx, true); closeErr != nil {
			s.log.Error("session %s: forced close after panic failed: %v", s.id, closeErr)
		}
	}()

	err = fn(s)
	done = true
	if err != nil {
		if closeErr := s.Close(ctx, true); closeErr != nil {
			return fmt.Errorf("%w (forced close also failed: %v)", err, closeErr)
		}
		return err
	}
	return s.Close(ctx, false)
}

func (s *SessionHandle) markClosed() {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()
}

func (s *SessionHandle) terminalLocally() bool {
	snap := s.Snapshot()
	return snap != nil && snap.Status.Terminal()
}

// SessionTaskOption configures a task submitted inside a session.
type SessionTaskOption func(*sessionTaskOptions)

type sessionTaskOptions struct {
	maxSteps      int
	responseModel map[string]any
	url           string
	metadata      map[string]any
}

// WithTaskMaxSteps caps the number of agent steps for the session task.
func WithTaskMaxSteps(n int) SessionTaskOption {
	return func(o *sessionTaskOptions) { o.maxSteps = n }
}

// WithTaskResponseModel requests structured output matching the given
// JSON schema.
func WithTaskResponseModel(schema map[string]any) SessionTaskOption {
	return func(o *sessionTaskOptions) { o.responseModel = schema }
}

// WithTaskURL starts the session task from the given page.
func WithTaskURL(url string) SessionTaskOption {
	return func(o *sessionTaskOptions) { o.url = url }
}

// WithTaskMetadata attaches caller metadata to the session task.
func WithTaskMetadata(md map[string]any) SessionTaskOption {
	return func(o *sessionTaskOptions) { o.metadata = md }
}
