package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/torevar615/URL-UploadV1/internal/delivery"
)

// HTTPSource fetches http and https URLs.
type HTTPSource struct {
	client    *http.Client
	userAgent string
}

// NewHTTPSource returns a source with a tuned transport. The overall
// deadline comes from the caller's context, not the client.
func NewHTTPSource(userAgent string) *HTTPSource {
	return &HTTPSource{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				DisableCompression:    true, // byte counts must match what lands on disk
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		userAgent: userAgent,
	}
}

// NewHTTPSourceWithClient is used by tests to point at an httptest server.
func NewHTTPSourceWithClient(client *http.Client, userAgent string) *HTTPSource {
	return &HTTPSource{client: client, userAgent: userAgent}
}

// Probe issues a HEAD request.
func (s *HTTPSource) Probe(ctx context.Context, rawURL string) (Meta, error) {
	resp, err := s.do(ctx, http.MethodHead, rawURL)
	if err != nil {
		return Meta{Size: -1}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Meta{Size: -1}, statusError(resp)
	}
	return metaFrom(resp), nil
}

// Open issues the GET request and returns the body.
func (s *HTTPSource) Open(ctx context.Context, rawURL string) (*Body, error) {
	resp, err := s.do(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, statusError(resp)
	}
	return &Body{ReadCloser: resp.Body, Meta: metaFrom(resp)}, nil
}

func (s *HTTPSource) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, classifyNetErr(ctx, "source "+method, err)
	}
	return resp, nil
}

func metaFrom(resp *http.Response) Meta {
	m := Meta{
		Size:     resp.ContentLength,
		Filename: filenameFromDisposition(resp.Header.Get("Content-Disposition")),
	}
	if resp.Request != nil {
		m.FinalURL = resp.Request.URL
	}
	return m
}

func statusError(resp *http.Response) error {
	return &delivery.TransportError{
		Transport: "source",
		Code:      resp.StatusCode,
		Detail:    resp.Status,
		Permanent: resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests,
	}
}

// classifyNetErr turns a transport-level failure into a NetworkError, or
// passes cancellation through untouched.
func classifyNetErr(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	var urlErr *url.Error
	timeout := errors.Is(err, context.DeadlineExceeded)
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		timeout = true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	return &delivery.NetworkError{Op: op, Timeout: timeout, Err: err}
}
