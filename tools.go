package smooth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ToolFunc is a custom tool handler. It receives the input payload the
// agent supplied for the call and returns the tool's output.
type ToolFunc func(ctx context.Context, input map[string]any) (any, error)

// TaskToolFunc is a custom tool handler that also receives the handle of
// the task that invoked it, so it can drive further browser actions or
// nested tasks from inside the tool.
type TaskToolFunc func(ctx context.Context, task *TaskHandle, input map[string]any) (any, error)

// Tool is a client-side function the remote agent can call during a task.
// Register tools with the run via WithTools.
type Tool struct {
	sig       ToolSignature
	fn        TaskToolFunc
	essential bool
	errorMsg  string
}

// ToolOption configures a tool at construction time.
type ToolOption func(*Tool)

// Essential marks a tool whose failure aborts the whole task: any error
// other than a ToolCallError is reported to the agent as fatal and stops
// the task's polling with that error.
func Essential() ToolOption {
	return func(t *Tool) { t.essential = true }
}

// WithToolErrorMessage replaces the raw error text reported to the agent
// when the tool fails unexpectedly.
func WithToolErrorMessage(msg string) ToolOption {
	return func(t *Tool) { t.errorMsg = msg }
}

// NewTool registers a plain tool. Inputs maps parameter names to
// human-readable type descriptions shown to the agent.
func NewTool(name, description string, inputs map[string]string, fn ToolFunc, opts ...ToolOption) *Tool {
	return NewTaskTool(name, description, inputs, func(ctx context.Context, _ *TaskHandle, input map[string]any) (any, error) {
		return fn(ctx, input)
	}, opts...)
}

// NewTaskTool registers a tool whose handler receives the invoking task's
// handle in addition to the call input.
func NewTaskTool(name, description string, inputs map[string]string, fn TaskToolFunc, opts ...ToolOption) *Tool {
	t := &Tool{
		sig: ToolSignature{
			Name:        name,
			Description: description,
			Inputs:      inputs,
		},
		fn: fn,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the tool's registered name.
func (t *Tool) Name() string { return t.sig.Name }

// Signature returns the description sent to the service at submit time.
func (t *Tool) Signature() ToolSignature { return t.sig }

// dispatch runs the tool for one call event and sends the reply, reusing
// the triggering event's id. The returned error is non-nil only when an
// essential tool failed in a way that must stop the task.
func (t *Tool) dispatch(ctx context.Context, h *TaskHandle, ev TaskEvent) error {
	input, _ := ev.Payload["input"].(map[string]any)
	out, err := t.run(ctx, h, input)

	reply := &TaskEvent{ID: ev.ID, Name: EventToolCall}
	var fatal error
	switch {
	case err == nil:
		reply.Payload = map[string]any{"code": http.StatusOK, "output": out}
	default:
		var callErr *ToolCallError
		if errors.As(err, &callErr) {
			// The tool rejected the call; the agent may retry or adapt.
			reply.Payload = map[string]any{"code": http.StatusBadRequest, "output": callErr.Message}
			break
		}
		msg := t.errorMsg
		if msg == "" {
			msg = err.Error()
		}
		code := http.StatusBadRequest
		if t.essential {
			code = http.StatusInternalServerError
			fatal = fmt.Errorf("essential tool %s failed: %w", t.sig.Name, err)
		}
		reply.Payload = map[string]any{"code": code, "output": msg}
	}

	// The reply is fire-and-forget: no correlation slot is registered for
	// the agent-chosen event id.
	if _, sendErr := h.tr.SendTaskEvent(ctx, h.id, reply); sendErr != nil {
		h.log.Warn("task %s: sending %s reply for tool %s failed: %v", h.id, ev.ID, t.sig.Name, sendErr)
	}
	return fatal
}

func (t *Tool) run(ctx context.Context, h *TaskHandle, input map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", t.sig.Name, r)
		}
	}()
	return t.fn(ctx, h, input)
}

func toolSignatures(tools []*Tool) []ToolSignature {
	if len(tools) == 0 {
		return nil
	}
	sigs := make([]ToolSignature, 0, len(tools))
	for _, t := range tools {
		if t != nil {
			sigs = append(sigs, t.sig)
		}
	}
	return sigs
}
