package connector

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/milkywaybrain/tradelog/internal/config"
	"github.com/pkg/errors"
)

// REST is for REST API connection.
type REST struct {
	HTTPClient *http.Client
	Cfg        *config.REST
}

// NewREST creates a shared http client with the configured connection pool and timeout.
func NewREST(cfg *config.REST) *REST {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = cfg.MaxIdleConns
	t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	return &REST{
		HTTPClient: &http.Client{
			Timeout:   time.Duration(cfg.ReqTimeoutSec) * time.Second,
			Transport: t,
		},
		Cfg: cfg,
	}
}

// Request creates a GET request bound to the given context.
func (r *REST) Request(ctx context.Context, url string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
}

// StatusError is returned by Do when the server responds with a non 200 code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return "code : " + http.StatusText(e.Code) + ", body : " + e.Body
}

// Do sends the request. Any status other than 200 is turned into a StatusError and the body is closed.
func (r *REST) Do(req *http.Request) (*http.Response, error) {
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.WithStack(&StatusError{Code: resp.StatusCode, Body: string(body)})
	}
	return resp, nil
}
