package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ehr/labbridge/internal/platform/apperr"
)

// ContentType is the FHIR JSON media type.
const ContentType = "application/fhir+json"

const maxResponseBody = 8 << 20

// AuthMode selects how the client authenticates against the FHIR server.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBasic  AuthMode = "basic"
	AuthBearer AuthMode = "bearer"
	AuthAPIKey AuthMode = "api_key"
	AuthOAuth2 AuthMode = "oauth2"
)

// Auth holds decrypted credentials for one endpoint.
type Auth struct {
	Mode         AuthMode
	Username     string
	Password     string
	Token        string
	APIKeyHeader string
	APIKey       string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL      string
	Auth         Auth
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// HTTPError is a non-2xx response from the FHIR server.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Outcome    *OperationOutcome
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("fhir: %s %s: status %d", e.Method, e.URL, e.StatusCode)
	if e.Outcome != nil && len(e.Outcome.Issue) > 0 && e.Outcome.Issue[0].Diagnostics != "" {
		msg += ": " + e.Outcome.Issue[0].Diagnostics
	}
	return msg
}

func (e *HTTPError) ErrKind() apperr.Kind {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return apperr.KindAuth
	case e.StatusCode == http.StatusNotFound:
		return apperr.KindNotFound
	case e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500:
		return apperr.KindTransport
	default:
		return apperr.KindProtocol
	}
}

func (e *HTTPError) ErrCode() string { return fmt.Sprintf("FHIR_HTTP_%d", e.StatusCode) }

// Client delivers resources to a FHIR R4 REST endpoint.
type Client struct {
	base   *url.URL
	auth   Auth
	http   *retryablehttp.Client
	tokens oauth2.TokenSource
	logger zerolog.Logger
}

// ClientOption configures optional Client settings.
type ClientOption func(*Client)

// WithLogger sets the logger used for request and retry logging.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithTransport replaces the underlying round tripper.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) { c.http.HTTPClient.Transport = rt }
}

// NewClient validates cfg and returns a client for its base URL.
func NewClient(cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperr.New(apperr.KindConfig, "FHIR_BASE_URL_INVALID", fmt.Sprintf("invalid FHIR base url %q", cfg.BaseURL))
	}
	if err := cfg.Auth.validate(); err != nil {
		return nil, err
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}

	c := &Client{base: base, auth: cfg.Auth, http: rc, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	rc.Logger = leveledLogger{c.logger}

	if cfg.Auth.Mode == AuthOAuth2 {
		cc := clientcredentials.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			TokenURL:     cfg.Auth.TokenURL,
			Scopes:       cfg.Auth.Scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, rc.HTTPClient)
		c.tokens = cc.TokenSource(tokenCtx)
	}
	return c, nil
}

func (a Auth) validate() error {
	missing := func(field string) error {
		return apperr.New(apperr.KindConfig, "FHIR_AUTH_INCOMPLETE", fmt.Sprintf("%s auth requires %s", a.Mode, field))
	}
	switch a.Mode {
	case "", AuthNone:
	case AuthBasic:
		if a.Username == "" {
			return missing("username")
		}
	case AuthBearer:
		if a.Token == "" {
			return missing("token")
		}
	case AuthAPIKey:
		if a.APIKey == "" {
			return missing("api key")
		}
	case AuthOAuth2:
		if a.TokenURL == "" || a.ClientID == "" {
			return missing("token url and client id")
		}
	default:
		return apperr.New(apperr.KindConfig, "FHIR_AUTH_UNSUPPORTED", fmt.Sprintf("unsupported auth mode %q", a.Mode))
	}
	return nil
}

// Create POSTs r to its type endpoint and returns the server's version of
// the resource. When the server returns no body, r is returned with the id
// taken from the Location header.
func (c *Client) Create(ctx context.Context, r Resource) (Resource, error) {
	if err := Check(r); err != nil {
		return nil, err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "FHIR_ENCODE_FAILED", "marshal resource", err)
	}
	resp, data, err := c.do(ctx, http.MethodPost, string(r.TypeName()), body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		if id := idFromLocation(resp.Header.Get("Location"), r.TypeName()); id != "" {
			r.SetResourceID(id)
		}
		return r, nil
	}
	return DecodeResource(data)
}

// Transaction POSTs a batch or transaction bundle to the base endpoint.
func (c *Client) Transaction(ctx context.Context, b *Bundle) (*Bundle, error) {
	if b.Type != string(BundleBatch) && b.Type != string(BundleTransaction) {
		return nil, apperr.New(apperr.KindValidation, "FHIR_BUNDLE_TYPE", "bundle must be batch or transaction")
	}
	if err := Check(b); err != nil {
		return nil, err
	}
	body, err := json.Marshal(b)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "FHIR_ENCODE_FAILED", "marshal bundle", err)
	}
	_, data, err := c.do(ctx, http.MethodPost, "", body)
	if err != nil {
		return nil, err
	}
	var out Bundle
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &DecodeError{ResourceType: string(TypeBundle), Reason: err.Error()}
	}
	return &out, nil
}

// Read fetches t/id.
func (c *Client) Read(ctx context.Context, t ResourceType, id string) (Resource, error) {
	if !t.Known() || id == "" {
		return nil, apperr.New(apperr.KindValidation, "FHIR_READ_INVALID", fmt.Sprintf("cannot read %s/%s", t, id))
	}
	_, data, err := c.do(ctx, http.MethodGet, string(t)+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	return DecodeResource(data)
}

// ServerInfo summarizes a CapabilityStatement.
type ServerInfo struct {
	FHIRVersion     string `json:"fhir_version"`
	SoftwareName    string `json:"software_name,omitempty"`
	SoftwareVersion string `json:"software_version,omitempty"`
}

// Capabilities fetches /metadata. It doubles as the connectivity probe.
func (c *Client) Capabilities(ctx context.Context) (ServerInfo, error) {
	_, data, err := c.do(ctx, http.MethodGet, "metadata", nil)
	if err != nil {
		return ServerInfo{}, err
	}
	var cs struct {
		ResourceType string `json:"resourceType"`
		FHIRVersion  string `json:"fhirVersion"`
		Software     struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"software"`
	}
	if err := json.Unmarshal(data, &cs); err != nil {
		return ServerInfo{}, &DecodeError{ResourceType: "CapabilityStatement", Reason: err.Error()}
	}
	if cs.ResourceType != "CapabilityStatement" {
		return ServerInfo{}, &DecodeError{ResourceType: cs.ResourceType, Reason: "expected CapabilityStatement"}
	}
	return ServerInfo{FHIRVersion: cs.FHIRVersion, SoftwareName: cs.Software.Name, SoftwareVersion: cs.Software.Version}, nil
}

// Post sends a non-FHIR payload, such as HL7 v2 text, to the base URL with
// the client's authentication and retry policy. The response body is returned
// for any 2xx status.
func (c *Client) Post(ctx context.Context, contentType string, body []byte) ([]byte, error) {
	_, data, err := c.send(ctx, http.MethodPost, "", contentType, body)
	return data, err
}

// Ping GETs the base URL and succeeds on any 2xx status.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.send(ctx, http.MethodGet, "", "", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, []byte, error) {
	return c.send(ctx, method, path, ContentType, body)
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body []byte) (*http.Response, []byte, error) {
	target := c.base.String()
	if path != "" {
		target += "/" + path
	}
	var reqBody interface{}
	if body != nil {
		reqBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "FHIR_REQUEST_INVALID", "build request", err)
	}
	if contentType != "" {
		req.Header.Set("Accept", contentType)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if err := c.authorize(req.Request); err != nil {
		return nil, nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, apperr.Wrap(apperr.KindTransport, "FHIR_CANCELLED", method+" "+target, ctx.Err())
		}
		return nil, nil, apperr.Wrap(apperr.KindTransport, "FHIR_UNREACHABLE", method+" "+target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindTransport, "FHIR_READ_FAILED", "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := &HTTPError{Method: method, URL: target, StatusCode: resp.StatusCode}
		var oo OperationOutcome
		if json.Unmarshal(data, &oo) == nil && oo.ResourceType == string(TypeOperationOutcome) {
			herr.Outcome = &oo
		}
		c.logger.Warn().Str("method", method).Str("url", target).Int("status", resp.StatusCode).Msg("fhir request failed")
		return resp, nil, herr
	}
	return resp, data, nil
}

func (c *Client) authorize(req *http.Request) error {
	switch c.auth.Mode {
	case AuthBasic:
		req.SetBasicAuth(c.auth.Username, c.auth.Password)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.auth.Token)
	case AuthAPIKey:
		header := c.auth.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, c.auth.APIKey)
	case AuthOAuth2:
		tok, err := c.tokens.Token()
		if err != nil {
			return apperr.Wrap(apperr.KindTokenAcquisition, "OAUTH2_TOKEN_FAILED", "client credentials token", err)
		}
		tok.SetAuthHeader(req)
	}
	return nil
}

// checkRetry retries connection failures, 429 and 503 only. Any other
// status is returned to the caller unchanged.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) && errors.Is(ue.Err, context.DeadlineExceeded) {
			return true, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true, nil
	}
	return false, nil
}

func idFromLocation(loc string, t ResourceType) string {
	// Location: <base>/<Type>/<id>/_history/<vid>
	parts := strings.Split(strings.TrimRight(loc, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == string(t) {
			return parts[i+1]
		}
	}
	return ""
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct{ l zerolog.Logger }

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Error().Fields(kv).Msg(msg) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.l.Warn().Fields(kv).Msg(msg) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Trace().Fields(kv).Msg(msg) }
