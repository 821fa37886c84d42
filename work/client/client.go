package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"trackunblock/work/config"
)

// maxBodyBytes caps how much of a backend response is ever read into memory.
const maxBodyBytes = 4 << 20

// HeaderSettingClient wraps http.Client to automatically set the service headers on
// every outbound request. It never retries; callers bound each request with a context.
type HeaderSettingClient struct {
	Client    *http.Client
	userAgent string
}

// NewHeaderSettingClient builds the shared outbound client from the configuration.
func NewHeaderSettingClient(cfg *config.Config) *HeaderSettingClient {
	client := &http.Client{
		Timeout: 0, // bounded per request through the context
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: cfg.BackendTimeout,
		},
	}

	return &HeaderSettingClient{
		Client:    client,
		userAgent: cfg.UserAgent,
	}
}

// Do sends req after filling in default headers the caller did not set.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if req.Header.Get("User-Agent") == "" && hsc.userAgent != "" {
		req.Header.Set("User-Agent", hsc.userAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
}

// Fetch issues one request and reads the whole (capped) body.
func (hsc *HeaderSettingClient) Fetch(ctx context.Context, method, url string, header http.Header, body io.Reader) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := hsc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       data,
		Elapsed:    time.Since(start),
	}, nil
}

// Get is Fetch with GET and no extra headers.
func (hsc *HeaderSettingClient) Get(ctx context.Context, url string) (*Response, error) {
	return hsc.Fetch(ctx, http.MethodGet, url, nil, nil)
}
