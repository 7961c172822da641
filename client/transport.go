// Package client talks to the transcription service's REST API.
//
// HTTPTransport handles everything common to every call: authentication
// and the single refresh-and-retry on 401, retries of idempotent requests
// after network failures, request ids, tracing and metrics. MeetingsClient
// and AuthClient build on it.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	scerrors "github.com/otherjamesbrown/scribe-cli/pkg/errors"
	"github.com/otherjamesbrown/scribe-cli/pkg/logging"
	"github.com/otherjamesbrown/scribe-cli/pkg/observability"
)

// Default configuration values for the transport.
const (
	DefaultTimeout           = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultInitialBackoff    = 100 * time.Millisecond
	DefaultMaxBackoff        = 5 * time.Second
	DefaultBackoffMultiplier = 2.0
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 64 << 10

// Authenticator is the session the transport authenticates requests with.
type Authenticator interface {
	IsAuthenticated() bool
	// CurrentToken returns the access token, or "" when logged out.
	CurrentToken() string
	// Refresh exchanges the refresh token for a new access token.
	Refresh(ctx context.Context) error
	Logout() error
	// VerifyTokenValidity reports whether the access token is present and
	// not known to be expired.
	VerifyTokenValidity() bool
}

// Transport performs one logical API call and decodes the JSON response
// into out. out may be nil, or a *string to receive the raw body.
type Transport interface {
	Do(ctx context.Context, req *Request, out interface{}) error
}

// Request describes one API call.
type Request struct {
	Method string
	// Path is relative to the API prefix, for example "/meetings/abc".
	Path string
	// Route is the templated path used as a metric label, for example
	// "/meetings/{id}". Defaults to Path.
	Route string
	// Body is encoded as JSON when non-nil.
	Body interface{}
	// Multipart takes precedence over Body.
	Multipart    *MultipartBody
	AuthRequired bool
	// NoRetry disables retries after network failures.
	NoRetry bool
}

func (r *Request) route() string {
	if r.Route != "" {
		return r.Route
	}
	return r.Path
}

func (r *Request) idempotent() bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
		return r.Multipart == nil
	}
	return false
}

// MultipartBody is a streamed multipart/form-data upload with one file part.
type MultipartBody struct {
	Fields      map[string]string
	FileField   string
	FileName    string
	ContentType string
	File        io.Reader
	// Size is the file size in bytes, used for progress reporting.
	Size int64
	// OnProgress is called as file bytes are sent.
	OnProgress func(sent, total int64)
}

// rewind prepares the file for another attempt. It fails when the reader
// cannot seek.
func (m *MultipartBody) rewind() bool {
	s, ok := m.File.(io.Seeker)
	if !ok {
		return false
	}
	_, err := s.Seek(0, io.SeekStart)
	return err == nil
}

// open starts streaming the form through a pipe. Closing the returned
// reader waits for the writer goroutine, after which File may be rewound.
func (m *MultipartBody) open() (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	done := make(chan struct{})

	go func() {
		defer close(done)
		err := m.write(mw)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	return &formStream{PipeReader: pr, done: done}, mw.FormDataContentType()
}

type formStream struct {
	*io.PipeReader
	done chan struct{}
}

func (f *formStream) Close() error {
	err := f.PipeReader.Close()
	<-f.done
	return err
}

func (m *MultipartBody) write(mw *multipart.Writer) error {
	for k, v := range m.Fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}

	field := m.FileField
	if field == "" {
		field = "file"
	}
	contentType := m.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		escapeQuotes(field), escapeQuotes(m.FileName)))
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	var src io.Reader = m.File
	if m.OnProgress != nil {
		src = &progressReader{r: m.File, total: m.Size, fn: m.OnProgress}
	}
	_, err = io.Copy(part, src)
	return err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}

// ClientOptions configures the HTTPTransport behavior.
type ClientOptions struct {
	// Timeout bounds a single attempt, including reading the response.
	Timeout time.Duration

	// MaxRetries is the maximum number of retry attempts after network failures.
	MaxRetries int

	// InitialBackoff is the initial backoff duration for retries.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration for retries.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// TLSConfig is used for https connections. Nil uses the system defaults.
	TLSConfig *tls.Config

	// UserAgent is sent with every request.
	UserAgent string

	Logger  logging.Logger
	Metrics *observability.Metrics
}

// DefaultOptions returns ClientOptions with default values.
func DefaultOptions() *ClientOptions {
	return &ClientOptions{
		Timeout:           DefaultTimeout,
		MaxRetries:        DefaultMaxRetries,
		InitialBackoff:    DefaultInitialBackoff,
		MaxBackoff:        DefaultMaxBackoff,
		BackoffMultiplier: DefaultBackoffMultiplier,
		UserAgent:         "scribe-cli",
	}
}

// HTTPTransport is the Transport used against the real service.
type HTTPTransport struct {
	baseURL string
	http    *http.Client
	auth    Authenticator
	options *ClientOptions
	logger  logging.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// NewHTTPTransport creates a transport for the API rooted at baseURL.
// auth may be nil for unauthenticated calls such as login.
func NewHTTPTransport(baseURL string, auth Authenticator, opts *ClientOptions) *HTTPTransport {
	if opts == nil {
		opts = DefaultOptions()
	}

	httpTransport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.TLSConfig != nil {
		httpTransport.TLSClientConfig = opts.TLSConfig
	}

	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: httpTransport},
		auth:    auth,
		options: opts,
		logger:  logging.OrNop(opts.Logger).With(logging.F("component", "transport")),
		metrics: observability.OrDiscard(opts.Metrics),
		tracer:  observability.NewTracer(),
	}
}

// BaseURL returns the API root requests are sent to.
func (t *HTTPTransport) BaseURL() string {
	return t.baseURL
}

// Do sends req, retrying network failures of idempotent requests and
// refreshing the session once on 401.
func (t *HTTPTransport) Do(ctx context.Context, req *Request, out interface{}) error {
	requestID := uuid.New().String()
	ctx = logging.WithRequestID(ctx, requestID)
	ctx, span := t.tracer.StartRequestSpan(ctx, req.Method, req.route(), requestID)
	defer span.End()
	spanHelper := observability.NewSpanHelper(span)

	refreshed := false
	for {
		var body []byte
		err := t.withRetry(ctx, req, func() error {
			var err error
			body, err = t.attempt(ctx, req, requestID)
			return err
		})

		if err == nil {
			spanHelper.SetSuccess()
			return decode(body, out)
		}

		if scerrors.IsUnauthorized(err) && req.AuthRequired && t.auth != nil {
			if !refreshed && (req.Multipart == nil || req.Multipart.rewind()) {
				refreshed = true
				rerr := t.auth.Refresh(ctx)
				if rerr == nil {
					t.logger.WithContext(ctx).Debug("Session refreshed, retrying request",
						logging.F("path", req.Path))
					continue
				}
				t.logger.WithContext(ctx).Debug("Session refresh failed", logging.Err(rerr))
			}
			if lerr := t.auth.Logout(); lerr != nil {
				t.logger.Warn("Failed to clear session after 401", logging.Err(lerr))
			}
		}

		spanHelper.SetError(err, string(scerrors.Classify(err)), scerrors.IsTransient(err))
		return err
	}
}

// withRetry runs fn, retrying network failures with exponential backoff.
// Only idempotent requests are retried.
func (t *HTTPTransport) withRetry(ctx context.Context, req *Request, fn func() error) error {
	maxRetries := t.options.MaxRetries
	if req.NoRetry || !req.idempotent() {
		maxRetries = 0
	}
	backoff := t.options.InitialBackoff

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !scerrors.IsNetwork(err) || attempt >= maxRetries || ctx.Err() != nil {
			return err
		}

		t.metrics.HTTPRetriesTotal.WithLabelValues(req.Method, req.route()).Inc()
		t.logger.WithContext(ctx).Debug("Retrying after network failure",
			logging.F("path", req.Path),
			logging.F("attempt", attempt+1),
			logging.F("backoff", backoff),
			logging.Err(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled during backoff: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * t.options.BackoffMultiplier)
		if backoff > t.options.MaxBackoff {
			backoff = t.options.MaxBackoff
		}
	}
}

// attempt performs a single HTTP exchange and returns the response body of
// a 2xx response.
func (t *HTTPTransport) attempt(ctx context.Context, req *Request, requestID string) ([]byte, error) {
	if t.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.options.Timeout)
		defer cancel()
	}

	var (
		bodyReader  io.Reader
		contentType string
	)
	switch {
	case req.Multipart != nil:
		rc, ct := req.Multipart.open()
		defer rc.Close()
		bodyReader, contentType = rc, ct
	case req.Body != nil:
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader, contentType = bytes.NewReader(data), "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, t.baseURL+req.Path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)
	if t.options.UserAgent != "" {
		httpReq.Header.Set("User-Agent", t.options.UserAgent)
	}
	if req.AuthRequired && t.auth != nil {
		if token := t.auth.CurrentToken(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := t.http.Do(httpReq)
	if err != nil {
		t.metrics.ObserveRequest(req.Method, req.route(), observability.OutcomeNetwork, time.Since(start))
		return nil, scerrors.NewNetworkError(req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		herr := scerrors.NewStatusError(req.Method, req.Path, resp.StatusCode, string(errBody))
		t.metrics.ObserveRequest(req.Method, req.route(), outcomeFor(herr), time.Since(start))
		t.logger.WithContext(ctx).Debug("HTTP request failed",
			logging.F("method", req.Method),
			logging.F("path", req.Path),
			logging.F("status", resp.StatusCode))
		return nil, herr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.metrics.ObserveRequest(req.Method, req.route(), observability.OutcomeNetwork, time.Since(start))
		return nil, scerrors.NewNetworkError(req.Method, req.Path, err)
	}

	elapsed := time.Since(start)
	t.metrics.ObserveRequest(req.Method, req.route(), observability.OutcomeSuccess, elapsed)
	t.logger.WithContext(ctx).Debug("HTTP request",
		logging.F("method", req.Method),
		logging.F("path", req.Path),
		logging.F("status", resp.StatusCode),
		logging.F("elapsed", elapsed))
	return body, nil
}

func outcomeFor(err *scerrors.HTTPError) string {
	switch err.Kind {
	case scerrors.KindUnauthorized:
		return observability.OutcomeUnauthorized
	case scerrors.KindNotFound:
		return observability.OutcomeNotFound
	}
	return observability.OutcomeHTTPError
}

func decode(body []byte, out interface{}) error {
	if out == nil {
		return nil
	}
	if s, ok := out.(*string); ok {
		*s = string(body)
		return nil
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
