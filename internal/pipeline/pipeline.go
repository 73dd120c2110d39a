// Package pipeline is the delivery entry point: it stages a URL into
// scratch space, hands the staged file to the router and keeps the
// transfer record, with every temporary file gone by the time Deliver
// returns.
package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torevar615/URL-UploadV1/internal/delivery"
	"github.com/torevar615/URL-UploadV1/internal/fetch"
	"github.com/torevar615/URL-UploadV1/internal/logging"
	"github.com/torevar615/URL-UploadV1/internal/metrics"
	"github.com/torevar615/URL-UploadV1/internal/progress"
	"github.com/torevar615/URL-UploadV1/internal/records"
	"github.com/torevar615/URL-UploadV1/internal/retry"
	"github.com/torevar615/URL-UploadV1/internal/scratch"
)

// ErrInvalidRequest is returned for requests that cannot be attempted.
var ErrInvalidRequest = errors.New("invalid delivery request")

// DefaultRecordTimeout bounds one transfer-record write, retries included.
const DefaultRecordTimeout = 10 * time.Second

// Fetcher stages a URL into the scratch directory.
type Fetcher interface {
	Fetch(ctx context.Context, scope *scratch.Scope, rawURL string, ceiling int64, obs progress.Observer) (*delivery.StagedFile, error)
}

// Dispatcher sends a staged file.
type Dispatcher interface {
	Dispatch(ctx context.Context, scope *scratch.Scope, dest int64, staged *delivery.StagedFile, obs progress.Observer) (*delivery.Result, error)
}

// ResultSink is told about every finished delivery.
type ResultSink interface {
	PublishResult(res *delivery.Result, err error)
}

// Config tunes a Pipeline.
type Config struct {
	DefaultCeiling int64
	MaxConcurrent  int
	RecordTimeout  time.Duration
}

// Options carries the optional collaborators.
type Options struct {
	Recorder records.Recorder
	Observer progress.Observer
	Results  ResultSink
}

// Pipeline runs deliveries. It is safe for concurrent use.
type Pipeline struct {
	dir      *scratch.Dir
	fetcher  Fetcher
	router   Dispatcher
	cfg      Config
	recorder records.Recorder
	observer progress.Observer
	results  ResultSink

	sem     chan struct{}
	pending sync.WaitGroup
}

// New creates a Pipeline.
func New(dir *scratch.Dir, f Fetcher, r Dispatcher, cfg Config, opts Options) *Pipeline {
	if cfg.DefaultCeiling <= 0 {
		cfg.DefaultCeiling = delivery.HardMaxFileSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = DefaultRecordTimeout
	}
	if opts.Observer == nil {
		opts.Observer = progress.Nop
	}
	return &Pipeline{
		dir:      dir,
		fetcher:  f,
		router:   r,
		cfg:      cfg,
		recorder: opts.Recorder,
		observer: opts.Observer,
		results:  opts.Results,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Deliver fetches req.URL and sends it to req.Destination. The returned
// result is never nil. A split delivery that lost some parts returns a
// successful result together with a *delivery.PartialDeliveryError.
func (p *Pipeline) Deliver(ctx context.Context, req delivery.Request) (*delivery.Result, error) {
	id := uuid.NewString()
	ctx = logging.WithDeliveryID(ctx, id)
	res := &delivery.Result{ID: id}

	if strings.TrimSpace(req.URL) == "" || req.Destination == 0 {
		return res, ErrInvalidRequest
	}

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return res, ctx.Err()
	}

	p.pending.Add(1)
	defer p.pending.Done()
	defer metrics.DeliveryStarted()()
	start := time.Now()

	scope := p.dir.NewScope(ctx)
	defer scope.Close()

	res, staged, err := p.deliver(ctx, scope, id, req)
	res.ID = id

	outcome := delivery.Kind(err)
	metrics.RecordDelivery(res.Strategy.String(), outcome, time.Since(start))
	if p.results != nil {
		p.results.PublishResult(res, err)
	}

	logger := logging.WithContext(ctx)
	fields := []zap.Field{
		zap.Stringer("strategy", res.Strategy),
		zap.String("outcome", outcome),
		zap.Int64("bytes_sent", res.BytesSent),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil && !res.Success {
		logger.Warn("delivery failed", append(fields, zap.Error(err))...)
	} else {
		logger.Info("delivery finished", fields...)
	}

	if res.Success && staged != nil {
		p.record(ctx, records.Transfer{
			ID:           id,
			CallerID:     req.CallerID,
			Destination:  req.Destination,
			URL:          req.URL,
			Filename:     staged.Name,
			MIME:         staged.MIME,
			Size:         staged.Size,
			BytesSent:    res.BytesSent,
			Strategy:     res.Strategy.String(),
			ChunksFailed: res.ChunksFailed,
			CreatedAt:    time.Now(),
		})
	}
	return res, err
}

func (p *Pipeline) deliver(ctx context.Context, scope *scratch.Scope, id string, req delivery.Request) (*delivery.Result, *delivery.StagedFile, error) {
	ceiling := req.SizeCeiling
	if ceiling <= 0 {
		ceiling = p.cfg.DefaultCeiling
	}

	staged, err := p.fetcher.Fetch(ctx, scope, req.URL, ceiling, progress.Tagged(p.observer, id, ""))
	if err != nil {
		return &delivery.Result{}, nil, err
	}
	if req.FilenameOverride != "" {
		staged.Name = overrideName(req.FilenameOverride, staged.Name)
	}

	res, err := p.router.Dispatch(ctx, scope, req.Destination, staged, progress.Tagged(p.observer, id, staged.Name))
	if res == nil {
		res = &delivery.Result{}
	}
	if res.Filename == "" {
		res.Filename = staged.Name
	}
	return res, staged, err
}

// overrideName sanitizes a caller-supplied name and keeps the staged
// file's extension when the override has none.
func overrideName(override, staged string) string {
	name := fetch.Sanitize(override)
	if filepath.Ext(name) == "" {
		if ext := filepath.Ext(staged); ext != "" {
			name = fetch.Sanitize(name + ext)
		}
	}
	return name
}

// record writes t in the background. The write outlives ctx and never
// affects the delivery outcome.
func (p *Pipeline) record(ctx context.Context, t records.Transfer) {
	if p.recorder == nil {
		return
	}
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RecordTimeout)
		defer cancel()

		err := retry.Do(ctx, retry.DefaultConfig(), func() error {
			if err := p.recorder.RecordTransfer(ctx, t); err != nil {
				return retry.Retryable(err)
			}
			return nil
		})
		metrics.RecordTransferRecord(err)
		if err != nil {
			logging.WithContext(ctx).Warn("transfer record not written", zap.Error(err))
		}
	}()
}

// Wait blocks until running deliveries and background record writes have
// finished.
func (p *Pipeline) Wait() {
	p.pending.Wait()
}
