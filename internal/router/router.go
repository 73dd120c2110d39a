// Package router picks the transport strategy for a staged file and runs it.
package router

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/torevar615/URL-UploadV1/internal/delivery"
	"github.com/torevar615/URL-UploadV1/internal/logging"
	"github.com/torevar615/URL-UploadV1/internal/metrics"
	"github.com/torevar615/URL-UploadV1/internal/progress"
	"github.com/torevar615/URL-UploadV1/internal/scratch"
	"github.com/torevar615/URL-UploadV1/internal/secondary"
	"github.com/torevar615/URL-UploadV1/internal/split"
)

// Primary is the default transport.
type Primary interface {
	SendDocument(ctx context.Context, dest int64, path, filename, caption string) error
	SendMessage(ctx context.Context, dest int64, text string) error
}

// Secondary is the large-file transport.
type Secondary interface {
	IsAvailable() bool
	SendLarge(ctx context.Context, dest int64, f secondary.File, obs progress.Observer) error
}

// Splitter cuts files into primary-sized parts.
type Splitter interface {
	Split(ctx context.Context, scope *scratch.Scope, path, filename string) ([]delivery.Chunk, error)
	ChunkSize() int64
}

// Router dispatches staged files.
type Router struct {
	primary    Primary
	secondary  Secondary
	splitter   Splitter
	primaryCap int64
}

// New builds a Router. The splitter's chunk size must fit the primary cap.
func New(p Primary, s Secondary, sp Splitter, primaryCap int64) (*Router, error) {
	if primaryCap <= 0 {
		primaryCap = delivery.PrimaryMaxFileSize
	}
	if cs := sp.ChunkSize(); cs <= 0 || cs > primaryCap {
		return nil, fmt.Errorf("chunk size %s does not fit primary cap %s",
			delivery.FormatSize(cs), delivery.FormatSize(primaryCap))
	}
	return &Router{primary: p, secondary: s, splitter: sp, primaryCap: primaryCap}, nil
}

// Strategy returns the strategy a file of size bytes would get right now.
func (r *Router) Strategy(size int64) delivery.Strategy {
	return delivery.Decide(size, r.primaryCap, r.secondary != nil && r.secondary.IsAvailable())
}

// Dispatch sends staged to dest using exactly one strategy. Under the split
// fallback a non-nil result with Success set may come back together with a
// *delivery.PartialDeliveryError.
func (r *Router) Dispatch(ctx context.Context, scope *scratch.Scope, dest int64, staged *delivery.StagedFile, obs progress.Observer) (*delivery.Result, error) {
	if obs == nil {
		obs = progress.Nop
	}
	strategy := r.Strategy(staged.Size)
	res := &delivery.Result{
		Strategy: strategy,
		Filename: staged.Name,
		Size:     staged.Size,
	}

	logger := logging.WithContext(ctx).With(zap.Stringer("strategy", strategy))
	logger.Info("dispatching",
		zap.String("filename", staged.Name),
		zap.Int64("size", staged.Size),
	)

	var err error
	switch strategy {
	case delivery.StrategyDirect:
		err = r.primary.SendDocument(ctx, dest, staged.Path, staged.Name, documentCaption(staged))
		if err == nil {
			res.Success, res.BytesSent = true, staged.Size
		}
	case delivery.StrategySecondaryLarge:
		err = r.secondary.SendLarge(ctx, dest, secondary.File{
			Path:    staged.Path,
			Name:    staged.Name,
			MIME:    staged.MIME,
			Caption: documentCaption(staged),
			Size:    staged.Size,
		}, obs)
		if err == nil {
			res.Success, res.BytesSent = true, staged.Size
		}
	case delivery.StrategySplitFallback:
		err = r.splitAndSend(ctx, scope, dest, staged, res, logger)
	default:
		err = fmt.Errorf("no strategy for %s", delivery.FormatSize(staged.Size))
	}
	return res, err
}

func (r *Router) splitAndSend(ctx context.Context, scope *scratch.Scope, dest int64, staged *delivery.StagedFile, res *delivery.Result, logger *zap.Logger) error {
	chunks, err := r.splitter.Split(ctx, scope, staged.Path, staged.Name)
	if err != nil {
		return fmt.Errorf("split %s: %w", staged.Name, err)
	}
	if len(chunks) == 0 {
		return fmt.Errorf("split %s: no parts produced", staged.Name)
	}
	n := len(chunks)
	res.ChunksTotal = n

	intro := fmt.Sprintf("%s (%s) is too large to send in one piece. Sending it in %d parts of up to %s.",
		staged.Name, delivery.FormatSize(staged.Size), n, delivery.FormatSize(r.splitter.ChunkSize()))
	if err := r.primary.SendMessage(ctx, dest, intro); err != nil {
		logger.Warn("split intro not sent", zap.Error(err))
	}

	var lastErr error
	names := make([]string, 0, n)
	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			for _, rest := range chunks[i:] {
				res.ChunksFailed = append(res.ChunksFailed, rest.Index)
				scope.Release(rest.Path)
			}
			return err
		}

		names = append(names, c.Name)
		caption := fmt.Sprintf("Part %d/%d - %s\n%s", c.Index, n, c.Name, delivery.FormatSize(c.Size))
		err := r.primary.SendDocument(ctx, dest, c.Path, c.Name, caption)
		scope.Release(c.Path)
		metrics.RecordChunk(err == nil)

		if err != nil {
			lastErr = err
			res.ChunksFailed = append(res.ChunksFailed, c.Index)
			logger.Warn("part failed", zap.Int("part", c.Index), zap.Int("parts", n), zap.Error(err))
			if nerr := r.primary.SendMessage(ctx, dest, fmt.Sprintf("Failed to send part %d/%d (%s).", c.Index, n, c.Name)); nerr != nil {
				logger.Debug("failure notice not sent", zap.Error(nerr))
			}
			continue
		}
		res.BytesSent += c.Size
	}

	if len(res.ChunksFailed) == n {
		return fmt.Errorf("all %d parts failed: %w", n, lastErr)
	}
	res.Success = true

	if err := r.primary.SendMessage(ctx, dest, split.Instructions(staged.Name, names)); err != nil {
		logger.Warn("reassembly instructions not sent", zap.Error(err))
	}
	if len(res.ChunksFailed) > 0 {
		return delivery.NewPartialDeliveryError(res.ChunksFailed, n)
	}
	return nil
}

func documentCaption(f *delivery.StagedFile) string {
	return fmt.Sprintf("%s\nSize: %s", f.Name, delivery.FormatSize(f.Size))
}
