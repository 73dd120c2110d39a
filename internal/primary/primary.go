// Package primary sends documents and messages through the Bot API, the
// default transport capped at 50 MB per file.
package primary

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/torevar615/URL-UploadV1/internal/delivery"
	"github.com/torevar615/URL-UploadV1/internal/logging"
	"github.com/torevar615/URL-UploadV1/internal/metrics"
)

// Upload timeout scaling.
const (
	BaseTimeout    = 60 * time.Second
	PerMBTimeout   = 10 * time.Second
	MaxTimeout     = 300 * time.Second
	messageTimeout = 30 * time.Second
)

// UploadTimeout returns the send deadline for a file of size bytes.
func UploadTimeout(size int64) time.Duration {
	if size < 0 {
		size = 0
	}
	d := BaseTimeout + time.Duration(float64(PerMBTimeout)*float64(size)/float64(delivery.MB))
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// Config configures a Sender.
type Config struct {
	Token             string
	Endpoint          string  // Bot API endpoint format, "" for the default
	RequestsPerSecond float64 // 0 disables pacing
	HTTPClient        *http.Client
}

// Sender is the primary transport.
type Sender struct {
	token    string
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// New creates a Sender. No request is made until the first send.
func New(cfg Config) *Sender {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond)))
	}
	return &Sender{
		token:    cfg.Token,
		endpoint: endpoint,
		client:   client,
		limiter:  limiter,
	}
}

// SendDocument uploads the file at path to dest under filename.
func (s *Sender) SendDocument(ctx context.Context, dest int64, path, filename, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", filename, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filename, err)
	}

	ctx, cancel := context.WithTimeout(ctx, UploadTimeout(info.Size()))
	defer cancel()

	doc := tgbotapi.NewDocument(dest, tgbotapi.FileReader{Name: filename, Reader: f})
	doc.Caption = caption

	start := time.Now()
	err = s.send(ctx, doc)
	metrics.RecordUpload("primary", info.Size(), time.Since(start), err)
	if err != nil {
		return err
	}
	logging.WithContext(ctx).Debug("document sent",
		zap.Int64("destination", dest),
		zap.String("filename", filename),
		zap.Int64("size", info.Size()),
	)
	return nil
}

// SendMessage posts a text message to dest.
func (s *Sender) SendMessage(ctx context.Context, dest int64, text string) error {
	ctx, cancel := context.WithTimeout(ctx, messageTimeout)
	defer cancel()
	return s.send(ctx, tgbotapi.NewMessage(dest, text))
}

func (s *Sender) send(ctx context.Context, c tgbotapi.Chattable) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return classify(ctx, err)
	}
	if _, err := s.bot(ctx).Send(c); err != nil {
		return classify(ctx, err)
	}
	return nil
}

// bot returns a client bound to ctx. BotAPI carries no per-request context,
// so each call gets its own lightweight instance.
func (s *Sender) bot(ctx context.Context) *tgbotapi.BotAPI {
	b := &tgbotapi.BotAPI{
		Token:  s.token,
		Client: ctxClient{ctx: ctx, client: s.client},
		Buffer: 100,
	}
	b.SetAPIEndpoint(s.endpoint)
	return b
}

type ctxClient struct {
	ctx    context.Context
	client *http.Client
}

func (c ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

func classify(ctx context.Context, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		code := apiErr.Code
		if code == 0 {
			// multipart uploads report only the description
			code = codeFromDescription(apiErr.Message)
		}
		te := &delivery.TransportError{
			Transport: "primary",
			Code:      code,
			Detail:    apiErr.Message,
			Permanent: code == http.StatusBadRequest || code == http.StatusForbidden || code == http.StatusRequestEntityTooLarge,
			Err:       err,
		}
		if apiErr.RetryAfter > 0 {
			te.Detail = fmt.Sprintf("%s (retry after %ds)", apiErr.Message, apiErr.RetryAfter)
		}
		return te
	}

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", context.Canceled, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &delivery.NetworkError{Op: "primary send", Timeout: true, Err: err}
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		timeout := (urlErr != nil && urlErr.Timeout()) || (netErr != nil && netErr.Timeout())
		return &delivery.NetworkError{Op: "primary send", Timeout: timeout, Err: err}
	}
	return &delivery.TransportError{Transport: "primary", Detail: err.Error(), Err: err}
}

func codeFromDescription(desc string) int {
	for prefix, code := range map[string]int{
		"Bad Request":              http.StatusBadRequest,
		"Forbidden":                http.StatusForbidden,
		"Request Entity Too Large": http.StatusRequestEntityTooLarge,
		"Too Many Requests":        http.StatusTooManyRequests,
	} {
		if strings.HasPrefix(desc, prefix) {
			return code
		}
	}
	return 0
}
