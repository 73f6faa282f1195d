package smooth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	otelnoopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	otelnooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/circlemind-ai/smooth-go/internal/httpclient"
	"github.com/circlemind-ai/smooth-go/internal/logging"
	"github.com/circlemind-ai/smooth-go/internal/retry"
)

const maxResponseBytes = 16 << 20

// TaskQuery filters a task fetch: EventT requests only events after the
// watermark, Downloads forces inclusion of download info.
type TaskQuery struct {
	EventT    *int64
	Downloads bool
}

func (q *TaskQuery) values() url.Values {
	v := url.Values{}
	if q == nil {
		return v
	}
	if q.EventT != nil {
		v.Set("event_t", strconv.FormatInt(*q.EventT, 10))
	}
	if q.Downloads {
		v.Set("downloads", "true")
	}
	return v
}

// Transport is the boundary the task machinery talks through. The concrete
// HTTP implementation lives behind it; tests substitute fakes.
type Transport interface {
	SubmitTask(ctx context.Context, req *TaskRequest) (*TaskResponse, error)
	GetTask(ctx context.Context, taskID string, query *TaskQuery) (*TaskResponse, error)
	UpdateTask(ctx context.Context, taskID string, req *TaskUpdateRequest) error
	DeleteTask(ctx context.Context, taskID string) error
	SendTaskEvent(ctx context.Context, taskID string, event *TaskEvent) (*TaskEventResponse, error)
}

type httpTransport struct {
	baseURL   string
	apiKey    string
	userAgent string
	http      *http.Client
	retry     retry.Config
	logger    logging.Logger

	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
}

type transportConfig struct {
	baseURL    string
	apiVersion string
	apiKey     string
	httpClient *http.Client
	retry      retry.Config
	logger     logging.Logger
	tracer     trace.TracerProvider
	meter      metric.MeterProvider
}

func newHTTPTransport(cfg transportConfig) *httpTransport {
	if cfg.tracer == nil {
		cfg.tracer = otelnooptrace.NewTracerProvider()
	}
	if cfg.meter == nil {
		cfg.meter = otelnoopmetric.NewMeterProvider()
	}
	meter := cfg.meter.Meter("smooth")
	requests, _ := meter.Int64Counter("smooth.api.requests",
		metric.WithDescription("API requests issued, including retries"))
	failures, _ := meter.Int64Counter("smooth.api.failures",
		metric.WithDescription("API calls that failed after retries"))

	return &httpTransport{
		baseURL:   fmt.Sprintf("%s/%s", trimSlash(cfg.baseURL), cfg.apiVersion),
		apiKey:    cfg.apiKey,
		userAgent: "smooth-go-sdk/" + Version,
		http:      cfg.httpClient,
		retry:     cfg.retry,
		logger:    logging.OrNop(cfg.logger),
		tracer:    cfg.tracer.Tracer("smooth"),
		requests:  requests,
		failures:  failures,
	}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func (t *httpTransport) SubmitTask(ctx context.Context, req *TaskRequest) (*TaskResponse, error) {
	var out TaskResponse
	if err := t.call(ctx, "submit_task", http.MethodPost, "/task", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *httpTransport) GetTask(ctx context.Context, taskID string, query *TaskQuery) (*TaskResponse, error) {
	if taskID == "" {
		return nil, &ValidationError{Message: "task id cannot be empty"}
	}
	var out TaskResponse
	if err := t.call(ctx, "get_task", http.MethodGet, "/task/"+taskID, query.values(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *httpTransport) UpdateTask(ctx context.Context, taskID string, req *TaskUpdateRequest) error {
	if taskID == "" {
		return &ValidationError{Message: "task id cannot be empty"}
	}
	return t.call(ctx, "update_task", http.MethodPut, "/task/"+taskID, nil, req, nil)
}

func (t *httpTransport) DeleteTask(ctx context.Context, taskID string) error {
	if taskID == "" {
		return &ValidationError{Message: "task id cannot be empty"}
	}
	return t.call(ctx, "delete_task", http.MethodDelete, "/task/"+taskID, nil, nil, nil)
}

func (t *httpTransport) SendTaskEvent(ctx context.Context, taskID string, event *TaskEvent) (*TaskEventResponse, error) {
	if taskID == "" {
		return nil, &ValidationError{Message: "task id cannot be empty"}
	}
	var out TaskEventResponse
	if err := t.call(ctx, "send_task_event", http.MethodPost, "/task/"+taskID+"/event", nil, event, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Account-level endpoints, used by the client's CRUD surface.

func (t *httpTransport) CreateProfile(ctx context.Context, profileID string) (*ProfileResponse, error) {
	var out ProfileResponse
	payload := map[string]any{}
	if profileID != "" {
		payload["id"] = profileID
	}
	if err := t.call(ctx, "create_profile", http.MethodPost, "/profile", nil, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *httpTransport) ListProfiles(ctx context.Context) (*ProfilesResponse, error) {
	var out ProfilesResponse
	if err := t.call(ctx, "list_profiles", http.MethodGet, "/profile", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *httpTransport) DeleteProfile(ctx context.Context, profileID string) error {
	if profileID == "" {
		return &ValidationError{Message: "profile id cannot be empty"}
	}
	return t.call(ctx, "delete_profile", http.MethodDelete, "/profile/"+profileID, nil, nil, nil)
}

func (t *httpTransport) UploadFile(ctx context.Context, name, purpose string, r io.Reader) (*UploadFileResponse, error) {
	var out UploadFileResponse
	fields := map[string]string{}
	if purpose != "" {
		fields["purpose"] = purpose
	}
	if err := t.upload(ctx, "upload_file", "/file", name, r, fields, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *httpTransport) DeleteFile(ctx context.Context, fileID string) error {
	if fileID == "" {
		return &ValidationError{Message: "file id cannot be empty"}
	}
	return t.call(ctx, "delete_file", http.MethodDelete, "/file/"+fileID, nil, nil, nil)
}

func (t *httpTransport) UploadExtension(ctx context.Context, name string, r io.Reader) (*UploadExtensionResponse, error) {
	var out UploadExtensionResponse
	if err := t.upload(ctx, "upload_extension", "/extension", name, r, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *httpTransport) ListExtensions(ctx context.Context) (*ExtensionsResponse, error) {
	var out ExtensionsResponse
	if err := t.call(ctx, "list_extensions", http.MethodGet, "/extension", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *httpTransport) DeleteExtension(ctx context.Context, extensionID string) error {
	if extensionID == "" {
		return &ValidationError{Message: "extension id cannot be empty"}
	}
	return t.call(ctx, "delete_extension", http.MethodDelete, "/extension/"+extensionID, nil, nil, nil)
}

// call performs one API operation: span, retries, envelope decoding.
func (t *httpTransport) call(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	ctx, span := t.tracer.Start(ctx, "smooth.api."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method)))
	defer span.End()

	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	opAttr := metric.WithAttributes(attribute.String("op", op))
	raw, err := retry.DoWithResult(ctx, t.retry, t.logger, func(ctx context.Context) ([]byte, error) {
		t.requests.Add(ctx, 1, opAttr)
		return t.roundTrip(ctx, method, path, query, encoded)
	})
	if err != nil {
		t.failures.Add(ctx, 1, opAttr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	var envelope struct {
		R json.RawMessage `json:"r"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.R == nil {
		return &APIError{StatusCode: http.StatusOK, Detail: "invalid JSON response from server"}
	}
	if err := json.Unmarshal(envelope.R, out); err != nil {
		return &APIError{StatusCode: http.StatusOK, Detail: "invalid JSON response from server"}
	}
	return nil
}

func (t *httpTransport) roundTrip(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	u := t.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, &APIError{StatusCode: 0, Detail: "Request failed: " + err.Error()}
	}
	req.Header.Set("apikey", t.apiKey)
	req.Header.Set("User-Agent", t.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return t.doRequest(req)
}

func (t *httpTransport) doRequest(req *http.Request) ([]byte, error) {
	resp, err := t.http.Do(req)
	if err != nil {
		t.logger.Debug("request failed: %v", err)
		return nil, &APIError{StatusCode: 0, Detail: "Request failed: " + err.Error()}
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return nil, &APIError{StatusCode: 0, Detail: "Request failed: " + err.Error()}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	detail := ""
	var responseData map[string]any
	if json.Unmarshal(data, &responseData) == nil {
		if d, ok := responseData["detail"].(string); ok {
			detail = d
		}
	}
	if detail == "" {
		detail = string(data)
	}
	if detail == "" {
		detail = fmt.Sprintf("HTTP %d error", resp.StatusCode)
	}
	t.logger.Debug("API error: %d - %s", resp.StatusCode, detail)
	return nil, &APIError{StatusCode: resp.StatusCode, Detail: detail, ResponseData: responseData}
}

// upload sends a multipart form with a single file part plus extra fields.
// Uploads are not retried; the reader cannot be rewound.
func (t *httpTransport) upload(ctx context.Context, op, path, filename string, r io.Reader, fields map[string]string, out any) error {
	ctx, span := t.tracer.Start(ctx, "smooth.api."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("encode upload: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("read upload: %w", err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("encode upload: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("encode upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, &buf)
	if err != nil {
		return &APIError{StatusCode: 0, Detail: "Request failed: " + err.Error()}
	}
	req.Header.Set("apikey", t.apiKey)
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	t.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	raw, err := t.doRequest(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	var envelope struct {
		R json.RawMessage `json:"r"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.R == nil {
		return &APIError{StatusCode: http.StatusOK, Detail: "invalid JSON response from server"}
	}
	if err := json.Unmarshal(envelope.R, out); err != nil {
		return &APIError{StatusCode: http.StatusOK, Detail: "invalid JSON response from server"}
	}
	return nil
}
