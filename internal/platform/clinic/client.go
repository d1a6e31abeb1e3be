// Package clinic is the REST client for the clinic backend's patient and
// laboratory order APIs. *Client implements lab.PatientDirectory and
// lab.OrderBook.
package clinic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/domain/lab"
	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/pkg/pagination"
)

const maxResponseBody = 4 << 20

// maxSearchPages bounds name and birth date searches.
const maxSearchPages = 5

type Config struct {
	BaseURL  string
	Token    string
	Timeout  time.Duration
	RetryMax int
}

// StatusError is a non-2xx answer from the clinic backend.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("clinic: %s %s: status %d", e.Method, e.Path, e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *StatusError) ErrKind() apperr.Kind {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return apperr.KindNotFound
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return apperr.KindAuth
	case e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500:
		return apperr.KindTransport
	default:
		return apperr.KindValidation
	}
}

func (e *StatusError) ErrCode() string { return fmt.Sprintf("CLINIC_HTTP_%d", e.StatusCode) }

type Client struct {
	base   *url.URL
	token  string
	http   *retryablehttp.Client
	logger zerolog.Logger
}

var (
	_ lab.PatientDirectory = (*Client)(nil)
	_ lab.OrderBook        = (*Client)(nil)
)

func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperr.New(apperr.KindConfig, "CLINIC_URL_INVALID", fmt.Sprintf("invalid clinic api url %q", cfg.BaseURL))
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logger.Warn().Str("method", req.Method).Str("path", req.URL.Path).Int("attempt", attempt+1).Msg("retrying clinic request")
		}
	}
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}
	return &Client{base: base, token: cfg.Token, http: rc, logger: logger}, nil
}

// FindByID returns lab.ErrNotFound when the clinic has no such patient.
func (c *Client) FindByID(ctx context.Context, id string) (*lab.Patient, error) {
	var p lab.Patient
	if err := c.call(ctx, http.MethodGet, "/patients/"+url.PathEscape(id), nil, nil, &p); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// FindByNameAndBirthDate pages through the clinic's patient search.
func (c *Client) FindByNameAndBirthDate(ctx context.Context, lastName, firstName string, birthDate time.Time) ([]lab.Patient, error) {
	q := url.Values{}
	q.Set("last_name", lastName)
	q.Set("first_name", firstName)
	q.Set("birth_date", birthDate.Format("2006-01-02"))

	var out []lab.Patient
	page := pagination.Params{Limit: pagination.MaxLimit}
	for i := 0; i < maxSearchPages; i++ {
		page.Encode(q)
		var resp struct {
			Data    []lab.Patient `json:"data"`
			HasMore bool          `json:"has_more"`
		}
		if err := c.call(ctx, http.MethodGet, "/patients", q, nil, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Data...)
		if !resp.HasMore {
			break
		}
		page = page.Next()
	}
	return out, nil
}

// Create registers a patient. Each call carries a fresh Idempotency-Key so
// that a retried POST does not create a duplicate.
func (c *Client) Create(ctx context.Context, p lab.Patient) (*lab.Patient, error) {
	var created lab.Patient
	if err := c.call(ctx, http.MethodPost, "/patients", nil, p, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// FindByOrderNumber matches placer numbers before filler numbers.
func (c *Client) FindByOrderNumber(ctx context.Context, number string) (*lab.LabOrder, error) {
	q := url.Values{}
	q.Set("order_number", number)
	var resp struct {
		Data []lab.LabOrder `json:"data"`
	}
	if err := c.call(ctx, http.MethodGet, "/lab-orders", q, nil, &resp); err != nil {
		return nil, notFound(err)
	}
	for i := range resp.Data {
		if resp.Data[i].OrderNumber == number {
			return &resp.Data[i], nil
		}
	}
	for i := range resp.Data {
		if resp.Data[i].FillerNumber == number {
			return &resp.Data[i], nil
		}
	}
	return nil, lab.ErrNotFound
}

func (c *Client) UpdateOrder(ctx context.Context, order *lab.LabOrder) error {
	return c.call(ctx, http.MethodPut, "/lab-orders/"+url.PathEscape(order.ID), nil, order, nil)
}

func (c *Client) Complete(ctx context.Context, orderID string) error {
	return c.call(ctx, http.MethodPost, "/lab-orders/"+url.PathEscape(orderID)+"/complete", nil, struct{}{}, nil)
}

func notFound(err error) error {
	if apperr.Is(err, apperr.KindNotFound) {
		return lab.ErrNotFound
	}
	return err
}

func (c *Client) call(ctx context.Context, method, path string, q url.Values, in, out interface{}) error {
	target := c.base.String() + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var body interface{}
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "CLINIC_ENCODE_FAILED", "marshal request", err)
		}
		body = data
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "CLINIC_REQUEST_INVALID", "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, "CLINIC_UNREACHABLE", method+" "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, "CLINIC_READ_FAILED", "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode}
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &msg) == nil {
			serr.Message = msg.Message
		}
		if resp.StatusCode != http.StatusNotFound {
			c.logger.Warn().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("clinic request failed")
		}
		return serr
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Wrap(apperr.KindProtocol, "CLINIC_DECODE_FAILED", method+" "+path, err)
	}
	return nil
}
