package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"resty.dev/v3"

	"github.com/heimdex/heimdex-extraction/internal/task"
)

const (
	defaultTimeout  = 60 * time.Second
	maxErrorBodyLen = 4096
)

// ServiceError represents a failed call to an external service. A zero
// StatusCode means the request never got a response.
type ServiceError struct {
	Service    string
	StatusCode int
	Body       string
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s request failed: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("%s request failed: HTTP %d: %s", e.Service, e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx), throttling and network
// errors. Other client errors (4xx) are considered permanent.
func (e *ServiceError) IsRetryable() bool {
	if e.StatusCode == 0 {
		return !errors.Is(e.Err, context.Canceled) &&
			!errors.Is(e.Err, context.DeadlineExceeded) &&
			!errors.Is(e.Err, ErrNotConfigured)
	}
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

func (e *ServiceError) Is(target error) bool {
	return target == task.ErrExternalService
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// restClient is the shared resty transport for every external service.
type restClient struct {
	service string
	http    *resty.Client
	logger  *slog.Logger
}

func newRestClient(service, baseURL, token string, timeout time.Duration, logger *slog.Logger) *restClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)
	if token != "" {
		c.SetAuthToken(token)
	}
	return &restClient{service: service, http: c, logger: logger}
}

func (c *restClient) close() {
	_ = c.http.Close()
}

// request builds a resty request carrying a fresh request id.
func (c *restClient) request(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeader("X-Heimdex-Request-Id", uuid.NewString())
}

// do executes req and converts transport failures and non-2xx responses
// into *ServiceError.
func (c *restClient) do(req *resty.Request, method, path string) (*resty.Response, error) {
	var (
		resp *resty.Response
		err  error
	)
	switch method {
	case http.MethodGet:
		resp, err = req.Get(path)
	case http.MethodPost:
		resp, err = req.Post(path)
	case http.MethodPut:
		resp, err = req.Put(path)
	case http.MethodDelete:
		resp, err = req.Delete(path)
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return resp, &ServiceError{Service: c.service, Err: err}
	}
	if resp.IsError() {
		body := resp.String()
		if len(body) > maxErrorBodyLen {
			body = body[:maxErrorBodyLen]
		}
		c.logger.Debug("external service returned error",
			"service", c.service,
			"path", path,
			"status", resp.StatusCode(),
		)
		return resp, &ServiceError{Service: c.service, StatusCode: resp.StatusCode(), Body: body}
	}
	return resp, nil
}

// IsNotFound reports whether err is a 404 from an external service.
func IsNotFound(err error) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}
