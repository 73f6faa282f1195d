package smooth

import (
	"encoding/json"
	"fmt"
)

// TaskStatus is the server-reported lifecycle state of a task.
type TaskStatus string

// Task statuses. Done, failed and cancelled are terminal.
const (
	StatusWaiting   TaskStatus = "waiting"
	StatusRunning   TaskStatus = "running"
	StatusDone      TaskStatus = "done"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the task is still waiting or running.
func (s TaskStatus) Active() bool {
	return s == StatusWaiting || s == StatusRunning
}

// Device selects the emulated device for a task.
type Device string

// Supported devices.
const (
	DeviceDesktop Device = "desktop"
	DeviceMobile  Device = "mobile"
)

// Event names used on the task event stream.
const (
	EventToolCall      = "tool_call"
	EventBrowserAction = "browser_action"
	EventSessionAction = "session_action"
)

// TaskEvent is one entry on a task's event stream. Events carrying an id can
// be correlated with a pending local call; events without one cannot.
type TaskEvent struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// TaskResponse is the server's snapshot of a task. URL fields distinguish
// absent (nil, not yet known) from empty (explicitly unavailable).
type TaskResponse struct {
	ID           string      `json:"id"`
	Status       TaskStatus  `json:"status"`
	Output       any         `json:"output,omitempty"`
	CreditsUsed  float64     `json:"credits_used,omitempty"`
	Device       Device      `json:"device,omitempty"`
	LiveURL      *string     `json:"live_url,omitempty"`
	RecordingURL *string     `json:"recording_url,omitempty"`
	DownloadsURL *string     `json:"downloads_url,omitempty"`
	CreatedAt    int64       `json:"created_at,omitempty"`
	Events       []TaskEvent `json:"events,omitempty"`
}

// Certificate is a client certificate forwarded to the browser for mTLS
// sites. File is the id of a previously uploaded p12 file.
type Certificate struct {
	File     string `json:"file"`
	Password string `json:"password,omitempty"`
}

// ToolSignature describes a custom tool to the agent.
type ToolSignature struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	Output      string            `json:"output,omitempty"`
}

// TaskRequest is the task submission payload. Zero values are not
// meaningful defaults; build one with NewTaskRequest.
type TaskRequest struct {
	Task                 string            `json:"task,omitempty"`
	ResponseModel        map[string]any    `json:"response_model,omitempty"`
	URL                  string            `json:"url,omitempty"`
	Metadata             map[string]any    `json:"metadata,omitempty"`
	Files                []string          `json:"files,omitempty"`
	Agent                string            `json:"agent"`
	MaxSteps             int               `json:"max_steps"`
	Device               Device            `json:"device"`
	AllowedURLs          []string          `json:"allowed_urls,omitempty"`
	EnableRecording      bool              `json:"enable_recording"`
	ProfileID            string            `json:"profile_id,omitempty"`
	ProfileReadOnly      bool              `json:"profile_read_only,omitempty"`
	StealthMode          bool              `json:"stealth_mode"`
	ProxyServer          string            `json:"proxy_server,omitempty"`
	ProxyUsername        string            `json:"proxy_username,omitempty"`
	ProxyPassword        string            `json:"proxy_password,omitempty"`
	Certificates         []Certificate     `json:"certificates,omitempty"`
	UseAdblock           bool              `json:"use_adblock"`
	UseCaptchaSolver     bool              `json:"use_captcha_solver"`
	AdditionalTools      map[string]any    `json:"additional_tools,omitempty"`
	CustomTools          []ToolSignature   `json:"custom_tools,omitempty"`
	ExperimentalFeatures map[string]any    `json:"experimental_features,omitempty"`
	Extensions           []string          `json:"extensions,omitempty"`
	ShowCursor           bool              `json:"show_cursor"`
}

// NewTaskRequest returns a request with the service defaults applied.
func NewTaskRequest(task string) *TaskRequest {
	return &TaskRequest{
		Task:             task,
		Agent:            "smooth",
		MaxSteps:         defaultMaxSteps,
		Device:           DeviceDesktop,
		EnableRecording:  true,
		UseAdblock:       true,
		UseCaptchaSolver: true,
	}
}

const (
	defaultMaxSteps = 32
	minMaxSteps     = 2
	maxMaxSteps     = 150
)

// Validate checks the caller-supplied fields before submission.
func (r *TaskRequest) Validate() error {
	if r.MaxSteps < minMaxSteps || r.MaxSteps > maxMaxSteps {
		return &ValidationError{Message: fmt.Sprintf("max_steps must be between %d and %d, got %d", minMaxSteps, maxMaxSteps, r.MaxSteps)}
	}
	switch r.Device {
	case DeviceDesktop, DeviceMobile:
	default:
		return &ValidationError{Message: fmt.Sprintf("device must be desktop or mobile, got %q", r.Device)}
	}
	return nil
}

// MarshalJSON emits the deprecated session_id field as a mirror of
// profile_id for servers that still read the old name.
func (r *TaskRequest) MarshalJSON() ([]byte, error) {
	type alias TaskRequest
	return json.Marshal(struct {
		*alias
		SessionID string `json:"session_id,omitempty"`
	}{alias: (*alias)(r), SessionID: r.ProfileID})
}

// UnmarshalJSON accepts the deprecated session_id field as an alias for
// profile_id; an explicit profile_id wins.
func (r *TaskRequest) UnmarshalJSON(data []byte) error {
	type alias TaskRequest
	aux := struct {
		*alias
		SessionID string `json:"session_id"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if r.ProfileID == "" && aux.SessionID != "" {
		r.ProfileID = aux.SessionID
	}
	return nil
}

// TaskUpdateRequest carries user input for a running task.
type TaskUpdateRequest struct {
	Input string `json:"input,omitempty"`
}

// TaskEventResponse acknowledges a sent event; the actual reply arrives
// later on the polled event stream.
type TaskEventResponse struct {
	ID string `json:"id"`
}

// ProfileResponse identifies a browser profile.
type ProfileResponse struct {
	ID string `json:"id"`
}

// ProfilesResponse lists browser profiles. The deprecated session_ids field
// is accepted as an alias on input and mirrored on output.
type ProfilesResponse struct {
	ProfileIDs []string `json:"profile_ids"`
}

// MarshalJSON mirrors profile_ids into the deprecated session_ids field.
func (p *ProfilesResponse) MarshalJSON() ([]byte, error) {
	type alias ProfilesResponse
	return json.Marshal(struct {
		*alias
		SessionIDs []string `json:"session_ids,omitempty"`
	}{alias: (*alias)(p), SessionIDs: p.ProfileIDs})
}

// UnmarshalJSON accepts the deprecated session_ids field.
func (p *ProfilesResponse) UnmarshalJSON(data []byte) error {
	type alias ProfilesResponse
	aux := struct {
		*alias
		SessionIDs []string `json:"session_ids"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(p.ProfileIDs) == 0 && len(aux.SessionIDs) > 0 {
		p.ProfileIDs = aux.SessionIDs
	}
	return nil
}

// UploadFileResponse identifies an uploaded file.
type UploadFileResponse struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// UploadExtensionResponse identifies an uploaded browser extension.
type UploadExtensionResponse struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ExtensionsResponse lists uploaded extensions.
type ExtensionsResponse struct {
	Extensions []UploadExtensionResponse `json:"extensions"`
}
