package smooth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/circlemind-ai/smooth-go/internal/frp"
	"github.com/circlemind-ai/smooth-go/internal/httpclient"
	"github.com/circlemind-ai/smooth-go/internal/id"
	"github.com/circlemind-ai/smooth-go/internal/logging"
	"github.com/circlemind-ai/smooth-go/internal/retry"
	"github.com/circlemind-ai/smooth-go/internal/telemetry"
)

const (
	defaultAPIVersion   = "v1"
	defaultHTTPTimeout  = 60 * time.Second
	defaultRetries      = 3
	handleCacheSize     = 256
	proxyLiveURLTimeout = 30 * time.Second

	// ProxySelf routes the remote browser's traffic through a tunnel
	// terminating on this machine.
	ProxySelf = "self"
)

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	apiKey         string
	baseURL        string
	apiVersion     string
	httpClient     *http.Client
	transport      Transport
	retries        int
	timeout        time.Duration
	pollInterval   time.Duration
	logger         logging.Logger
	telemetry      telemetry.Collector
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithAPIKey sets the API key explicitly instead of reading it from the
// CIRCLEMIND_API_KEY environment variable.
func WithAPIKey(key string) Option { return func(o *clientOptions) { o.apiKey = key } }

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option { return func(o *clientOptions) { o.baseURL = u } }

// WithAPIVersion overrides the API version path segment.
func WithAPIVersion(v string) Option { return func(o *clientOptions) { o.apiVersion = v } }

// WithHTTPClient supplies a custom HTTP client. The default client carries
// a circuit breaker on its transport.
func WithHTTPClient(c *http.Client) Option { return func(o *clientOptions) { o.httpClient = c } }

// WithTransport replaces the whole HTTP transport. Intended for tests;
// account operations (profiles, files, extensions) are unavailable with a
// custom transport.
func WithTransport(t Transport) Option { return func(o *clientOptions) { o.transport = t } }

// WithRetries sets how many times a failed API call is retried.
func WithRetries(n int) Option { return func(o *clientOptions) { o.retries = n } }

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option { return func(o *clientOptions) { o.timeout = d } }

// WithPollInterval sets the task polling interval.
func WithPollInterval(d time.Duration) Option { return func(o *clientOptions) { o.pollInterval = d } }

// WithLogger routes SDK diagnostics to the given logger.
func WithLogger(l logging.Logger) Option { return func(o *clientOptions) { o.logger = l } }

// WithTelemetry replaces the telemetry collector. Use telemetry.Nop() to
// disable reporting programmatically.
func WithTelemetry(c telemetry.Collector) Option { return func(o *clientOptions) { o.telemetry = c } }

// WithTracerProvider enables tracing of API calls.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *clientOptions) { o.tracerProvider = tp }
}

// WithMeterProvider enables request metrics for API calls.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *clientOptions) { o.meterProvider = mp }
}

// Client talks to the remote browser automation service. It is safe for
// concurrent use; task handles are cached so that concurrent waiters on
// the same task share one poller.
type Client struct {
	tr           Transport
	api          *httpTransport
	log          logging.Logger
	tel          telemetry.Collector
	pollInterval time.Duration
	handles      *lru.Cache[string, *TaskHandle]
}

// New builds a Client. The API key comes from WithAPIKey or the
// CIRCLEMIND_API_KEY environment variable.
func New(opts ...Option) (*Client, error) {
	o := clientOptions{
		baseURL:    BaseURL,
		apiVersion: defaultAPIVersion,
		retries:    defaultRetries,
		timeout:    defaultHTTPTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.apiKey == "" {
		o.apiKey = os.Getenv("CIRCLEMIND_API_KEY")
	}
	if o.apiKey == "" && o.transport == nil {
		return nil, &ValidationError{Message: "API key is required: pass WithAPIKey or set CIRCLEMIND_API_KEY"}
	}
	log := logging.OrNop(o.logger)

	var api *httpTransport
	tr := o.transport
	if tr == nil {
		hc := o.httpClient
		if hc == nil {
			hc = httpclient.New(o.timeout, log, "smooth-api")
		}
		api = newHTTPTransport(transportConfig{
			baseURL:    o.baseURL,
			apiVersion: o.apiVersion,
			apiKey:     o.apiKey,
			httpClient: hc,
			retry:      retry.DefaultConfig().WithAttempts(o.retries + 1),
			logger:     log,
			tracer:     o.tracerProvider,
			meter:      o.meterProvider,
		})
		tr = api
	}

	tel := o.telemetry
	if tel == nil {
		tel = telemetry.FromEnv(o.apiKey, Version, log)
	}

	handles, _ := lru.New[string, *TaskHandle](handleCacheSize)
	return &Client{
		tr:           tr,
		api:          api,
		log:          log,
		tel:          tel,
		pollInterval: o.pollInterval,
		handles:      handles,
	}, nil
}

// Close flushes telemetry and releases idle connections. Running tasks
// and sessions are not affected.
func (c *Client) Close() error {
	c.tel.Close()
	return nil
}

// RunOption configures a task submission.
type RunOption func(*runConfig)

type runConfig struct {
	req   *TaskRequest
	tools []*Tool
}

// WithRequest replaces the whole task request. Later options still apply
// on top of it.
func WithRequest(req *TaskRequest) RunOption {
	return func(c *runConfig) {
		if req != nil {
			c.req = req
		}
	}
}

// WithMaxSteps caps the number of agent steps.
func WithMaxSteps(n int) RunOption { return func(c *runConfig) { c.req.MaxSteps = n } }

// WithDevice selects the emulated device.
func WithDevice(d Device) RunOption { return func(c *runConfig) { c.req.Device = d } }

// WithURL starts the task from the given page.
func WithURL(u string) RunOption { return func(c *runConfig) { c.req.URL = u } }

// WithResponseModel requests structured output matching the given JSON
// schema.
func WithResponseModel(schema map[string]any) RunOption {
	return func(c *runConfig) { c.req.ResponseModel = schema }
}

// WithProfile runs the task against a saved browser profile.
func WithProfile(profileID string, readOnly bool) RunOption {
	return func(c *runConfig) {
		c.req.ProfileID = profileID
		c.req.ProfileReadOnly = readOnly
	}
}

// WithProxy routes browser traffic through the given proxy server. Pass
// ProxySelf to tunnel traffic through this machine.
func WithProxy(server, username, password string) RunOption {
	return func(c *runConfig) {
		c.req.ProxyServer = server
		c.req.ProxyUsername = username
		c.req.ProxyPassword = password
	}
}

// WithMetadata attaches caller metadata to the task.
func WithMetadata(md map[string]any) RunOption { return func(c *runConfig) { c.req.Metadata = md } }

// WithRecording toggles session recording.
func WithRecording(enabled bool) RunOption {
	return func(c *runConfig) { c.req.EnableRecording = enabled }
}

// WithStealth enables stealth mode.
func WithStealth(enabled bool) RunOption { return func(c *runConfig) { c.req.StealthMode = enabled } }

// WithFiles makes previously uploaded files available to the task.
func WithFiles(ids ...string) RunOption {
	return func(c *runConfig) { c.req.Files = append(c.req.Files, ids...) }
}

// WithExtensions loads previously uploaded extensions into the browser.
func WithExtensions(ids ...string) RunOption {
	return func(c *runConfig) { c.req.Extensions = append(c.req.Extensions, ids...) }
}

// WithTools registers custom tools the agent can call during the task.
func WithTools(tools ...*Tool) RunOption {
	return func(c *runConfig) { c.tools = append(c.tools, tools...) }
}

func (c *Client) buildRun(task string, opts []RunOption) (*runConfig, error) {
	cfg := &runConfig{req: NewTaskRequest(task)}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.req.Task = task
	cfg.req.CustomTools = append(cfg.req.CustomTools, toolSignatures(cfg.tools)...)
	if cfg.req.ProxyServer == ProxySelf && cfg.req.ProxyPassword == "" {
		// The generated secret doubles as the tunnel auth token.
		cfg.req.ProxyPassword = id.NewSecret()
	}
	if err := cfg.req.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Run submits a task and returns a handle to it.
func (c *Client) Run(ctx context.Context, task string, opts ...RunOption) (*TaskHandle, error) {
	start := time.Now()
	h, _, err := c.run(ctx, task, opts)
	telemetry.Track(c.tel, "sdk.run", map[string]any{"has_task": task != ""}, start, err)
	return h, err
}

func (c *Client) run(ctx context.Context, task string, opts []RunOption) (*TaskHandle, *runConfig, error) {
	cfg, err := c.buildRun(task, opts)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.tr.SubmitTask(ctx, cfg.req)
	if err != nil {
		return nil, nil, err
	}
	h := newTaskHandle(resp.ID, c.tr, cfg.tools, c.log, c.tel, c.pollInterval)
	h.replaceSnapshot(resp)
	c.handles.Add(resp.ID, h)
	return h, cfg, nil
}

// Session opens a browser session: a task with no fixed instruction that
// stays alive until closed. With a self proxy configured, the local
// tunnel is started before the handle is returned.
func (c *Client) Session(ctx context.Context, opts ...RunOption) (*SessionHandle, error) {
	start := time.Now()
	s, err := c.session(ctx, opts)
	telemetry.Track(c.tel, "sdk.session", nil, start, err)
	return s, err
}

func (c *Client) session(ctx context.Context, opts []RunOption) (*SessionHandle, error) {
	h, cfg, err := c.run(ctx, "", opts)
	if err != nil {
		return nil, err
	}
	s := newSessionHandle(h)
	if cfg.req.ProxyServer == ProxySelf {
		if err := c.startSelfProxy(ctx, h, cfg.req.ProxyPassword); err != nil {
			_ = s.Close(ctx, true)
			return nil, err
		}
	}
	return s, nil
}

func (c *Client) startSelfProxy(ctx context.Context, h *TaskHandle, token string) error {
	liveURL, err := h.LiveURL(ctx, WithWaitTimeout(proxyLiveURLTimeout))
	if err != nil {
		return fmt.Errorf("self proxy: resolve live url: %w", err)
	}
	server, err := frp.ServerFromLiveURL(liveURL)
	if err != nil {
		return fmt.Errorf("self proxy: %w", err)
	}
	if err := h.StartProxy(ctx, server, token); err != nil {
		return fmt.Errorf("self proxy: start tunnel: %w", err)
	}
	return nil
}

// Task returns a handle to an existing task. Repeated calls for the same
// id return the same handle, so waiters share one poller.
func (c *Client) Task(taskID string) *TaskHandle {
	return c.handleFor(taskID, nil)
}

// AttachSession returns a session handle for an already-open session.
func (c *Client) AttachSession(sessionID string) *SessionHandle {
	return newSessionHandle(c.handleFor(sessionID, nil))
}

func (c *Client) handleFor(taskID string, tools []*Tool) *TaskHandle {
	if h, ok := c.handles.Get(taskID); ok {
		return h
	}
	h := newTaskHandle(taskID, c.tr, tools, c.log, c.tel, c.pollInterval)
	c.handles.Add(taskID, h)
	return h
}

// UpdateTask sends additional input to a running task.
func (c *Client) UpdateTask(ctx context.Context, taskID, input string) error {
	return c.tr.UpdateTask(ctx, taskID, &TaskUpdateRequest{Input: input})
}

// DeleteTask cancels and deletes a task.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.tr.DeleteTask(ctx, taskID)
}

// GetTask fetches a task's current state directly, without a handle.
func (c *Client) GetTask(ctx context.Context, taskID string) (*TaskResponse, error) {
	return c.tr.GetTask(ctx, taskID, nil)
}

// account returns the HTTP transport for operations outside the task
// surface, which custom transports do not cover.
func (c *Client) account() (*httpTransport, error) {
	if c.api == nil {
		return nil, &ValidationError{Message: "account operations require the HTTP transport"}
	}
	return c.api, nil
}

// CreateProfile creates a browser profile. With an empty id the server
// assigns one.
func (c *Client) CreateProfile(ctx context.Context, profileID string) (*ProfileResponse, error) {
	api, err := c.account()
	if err != nil {
		return nil, err
	}
	return api.CreateProfile(ctx, profileID)
}

// ListProfiles lists the account's browser profiles.
func (c *Client) ListProfiles(ctx context.Context) (*ProfilesResponse, error) {
	api, err := c.account()
	if err != nil {
		return nil, err
	}
	return api.ListProfiles(ctx)
}

// DeleteProfile deletes a browser profile.
func (c *Client) DeleteProfile(ctx context.Context, profileID string) error {
	api, err := c.account()
	if err != nil {
		return err
	}
	return api.DeleteProfile(ctx, profileID)
}

// UploadFile uploads a file tasks can use, returning its id.
func (c *Client) UploadFile(ctx context.Context, name, purpose string, r io.Reader) (*UploadFileResponse, error) {
	api, err := c.account()
	if err != nil {
		return nil, err
	}
	return api.UploadFile(ctx, name, purpose, r)
}

// DeleteFile deletes an uploaded file.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	api, err := c.account()
	if err != nil {
		return err
	}
	return api.DeleteFile(ctx, fileID)
}

// UploadExtension uploads a packed browser extension, returning its id.
func (c *Client) UploadExtension(ctx context.Context, name string, r io.Reader) (*UploadExtensionResponse, error) {
	api, err := c.account()
	if err != nil {
		return nil, err
	}
	return api.UploadExtension(ctx, name, r)
}

// ListExtensions lists the account's uploaded extensions.
func (c *Client) ListExtensions(ctx context.Context) (*ExtensionsResponse, error) {
	api, err := c.account()
	if err != nil {
		return nil, err
	}
	return api.ListExtensions(ctx)
}

// DeleteExtension deletes an uploaded extension.
func (c *Client) DeleteExtension(ctx context.Context, extensionID string) error {
	api, err := c.account()
	if err != nil {
		return err
	}
	return api.DeleteExtension(ctx, extensionID)
}
