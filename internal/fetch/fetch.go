// Package fetch streams a remote file into the scratch directory while
// enforcing size ceilings.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/torevar615/URL-UploadV1/internal/delivery"
	"github.com/torevar615/URL-UploadV1/internal/logging"
	"github.com/torevar615/URL-UploadV1/internal/metrics"
	"github.com/torevar615/URL-UploadV1/internal/progress"
	"github.com/torevar615/URL-UploadV1/internal/scratch"
)

// ErrUnsupportedURL is returned for URLs no configured source can fetch.
var ErrUnsupportedURL = errors.New("unsupported url")

// ProgressStep is the minimum number of bytes between progress updates.
const ProgressStep = delivery.MB

// Meta is what a source knows about an object before its bytes arrive.
// Size is -1 when unknown.
type Meta struct {
	Size     int64
	Filename string
	FinalURL *url.URL
}

// Body is an open object stream.
type Body struct {
	io.ReadCloser
	Meta
}

// Source reads objects for one URL scheme.
type Source interface {
	Probe(ctx context.Context, rawURL string) (Meta, error)
	Open(ctx context.Context, rawURL string) (*Body, error)
}

// Config holds Fetcher settings.
type Config struct {
	HardCeiling int64
	BufferSize  int
	Timeout     time.Duration
}

// Fetcher stages remote files into a scratch directory.
type Fetcher struct {
	dir     *scratch.Dir
	cfg     Config
	sources map[string]Source
}

// New creates a Fetcher with an http/https source. Additional schemes are
// added with Register.
func New(dir *scratch.Dir, cfg Config, httpSource Source) *Fetcher {
	if cfg.HardCeiling <= 0 {
		cfg.HardCeiling = delivery.HardMaxFileSize
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64 * 1024
	}
	return &Fetcher{
		dir: dir,
		cfg: cfg,
		sources: map[string]Source{
			"http":  httpSource,
			"https": httpSource,
		},
	}
}

// Register adds a source for scheme.
func (f *Fetcher) Register(scheme string, src Source) {
	f.sources[scheme] = src
}

// Fetch downloads rawURL into the scratch directory. The staged file is
// tracked by scope; on failure nothing is left behind.
func (f *Fetcher) Fetch(ctx context.Context, scope *scratch.Scope, rawURL string, ceiling int64, obs progress.Observer) (*delivery.StagedFile, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	src, ok := f.sources[u.Scheme]
	if !ok || src == nil {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}
	if obs == nil {
		obs = progress.Nop
	}

	logger := logging.WithContext(ctx)
	start := time.Now()
	staged, err := f.fetch(ctx, scope, src, u, rawURL, ceiling, obs)
	metrics.RecordFetch(u.Scheme, sizeOf(staged), err)
	if err != nil {
		logger.Warn("fetch failed", zap.String("url", rawURL), zap.Error(err))
		return nil, err
	}
	logger.Info("file staged",
		zap.String("filename", staged.Name),
		zap.Int64("size", staged.Size),
		zap.String("mime", staged.MIME),
		zap.Duration("duration", time.Since(start)),
	)
	return staged, nil
}

func (f *Fetcher) fetch(ctx context.Context, scope *scratch.Scope, src Source, u *url.URL, rawURL string, ceiling int64, obs progress.Observer) (*delivery.StagedFile, error) {
	limit, which := f.effectiveLimit(ceiling)

	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	meta, err := src.Probe(ctx, rawURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, f.ctxErr(ctx, err)
		}
		logging.WithContext(ctx).Debug("probe failed, continuing without metadata", zap.Error(err))
		meta = Meta{Size: -1}
	}
	if err := f.checkAdvertised(meta.Size, limit, which); err != nil {
		return nil, err
	}

	body, err := src.Open(ctx, rawURL)
	if err != nil {
		return nil, f.ctxErr(ctx, err)
	}
	defer body.Close()

	if meta.Size < 0 && body.Size >= 0 {
		meta.Size = body.Size
		if err := f.checkAdvertised(meta.Size, limit, which); err != nil {
			return nil, err
		}
	}

	disposition := meta.Filename
	if body.Filename != "" {
		disposition = body.Filename
	}
	final := u
	if body.FinalURL != nil {
		final = body.FinalURL
	} else if meta.FinalURL != nil {
		final = meta.FinalURL
	}
	name := Sanitize(resolveName(disposition, final, rawURL))

	file, err := f.dir.Reserve(name)
	if err != nil {
		return nil, fmt.Errorf("stage file: %w", err)
	}
	path := file.Name()
	scope.Track(path)

	written, err := f.stream(ctx, file, body, limit, which, meta.Size, progress.EveryBytes(obs, ProgressStep))
	if cerr := file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close staged file: %w", cerr)
	}
	if err != nil {
		scope.Release(path)
		return nil, err
	}

	staged := &delivery.StagedFile{
		Path: path,
		Name: name,
		Size: written,
		MIME: "application/octet-stream",
	}
	if mt, err := mimetype.DetectFile(path); err == nil {
		staged.MIME = mt.String()
	}
	return staged, nil
}

// stream copies body into w in bounded reads, checking the running total
// against limit before every write.
func (f *Fetcher) stream(ctx context.Context, w io.Writer, body io.Reader, limit int64, which delivery.Limit, total int64, obs progress.Observer) (int64, error) {
	if total < 0 {
		total = 0
	}
	buf := make([]byte, f.cfg.BufferSize)
	var written int64

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if written+int64(n) > limit {
				return written, &delivery.SizeExceededError{Size: written + int64(n), Limit: limit, Which: which}
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("write staged file: %w", werr)
			}
			written += int64(n)
			obs.Observe(progress.Update{Stage: progress.StageDownload, Bytes: written, Total: total})
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, f.ctxErr(ctx, classifyNetErr(ctx, "source read", rerr))
		}
	}
}

func (f *Fetcher) effectiveLimit(ceiling int64) (int64, delivery.Limit) {
	if ceiling <= 0 || ceiling >= f.cfg.HardCeiling {
		return f.cfg.HardCeiling, delivery.LimitHard
	}
	return ceiling, delivery.LimitCaller
}

func (f *Fetcher) checkAdvertised(size, limit int64, which delivery.Limit) error {
	if size < 0 {
		return nil
	}
	if size > f.cfg.HardCeiling {
		return &delivery.SizeExceededError{Size: size, Limit: f.cfg.HardCeiling, Which: delivery.LimitHard, Advertised: true}
	}
	if size > limit {
		return &delivery.SizeExceededError{Size: size, Limit: limit, Which: which, Advertised: true}
	}
	if free, err := f.dir.Free(); err == nil && uint64(size) > free {
		return &delivery.SizeExceededError{Size: size, Limit: int64(free), Which: delivery.LimitScratch, Advertised: true}
	}
	return nil
}

// ctxErr reports an expired download deadline as a timeout and a cancelled
// parent as cancellation, leaving other errors alone.
func (f *Fetcher) ctxErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		if ne, ok := delivery.AsNetwork(err); ok && ne.Timeout {
			return err
		}
		return &delivery.NetworkError{Op: "download", Timeout: true, Err: err}
	case errors.Is(ctx.Err(), context.Canceled):
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", context.Canceled, err)
	}
	return err
}

func sizeOf(s *delivery.StagedFile) int64 {
	if s == nil {
		return 0
	}
	return s.Size
}
