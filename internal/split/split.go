// Package split cuts an oversized staged file into numbered parts that the
// primary transport can carry, and writes the reassembly instructions.
package split

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/torevar615/URL-UploadV1/internal/delivery"
	"github.com/torevar615/URL-UploadV1/internal/logging"
	"github.com/torevar615/URL-UploadV1/internal/scratch"
)

// MaxChunks is the highest index a three-digit part name can carry.
const MaxChunks = 999

// ErrTooManyChunks is returned when a file would need more than MaxChunks parts.
var ErrTooManyChunks = errors.New("file needs more than 999 parts")

// Splitter writes chunks into the scratch directory.
type Splitter struct {
	dir       *scratch.Dir
	chunkSize int64
}

// New returns a Splitter producing parts of at most chunkSize bytes.
func New(dir *scratch.Dir, chunkSize int64) *Splitter {
	if chunkSize <= 0 {
		chunkSize = delivery.DefaultChunkSize
	}
	return &Splitter{dir: dir, chunkSize: chunkSize}
}

// ChunkSize returns the configured part size.
func (s *Splitter) ChunkSize() int64 { return s.chunkSize }

// ChunkName returns the name of part index (1-based) of filename:
// "movie.mkv" part 2 is "movie.part002.mkv".
func ChunkName(filename string, index int) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	return fmt.Sprintf("%s.part%03d%s", base, index, ext)
}

// Split cuts the file at path into parts. Every part is tracked by scope.
// On any error the parts written so far are removed and nil is returned.
func (s *Splitter) Split(ctx context.Context, scope *scratch.Scope, path, filename string) ([]delivery.Chunk, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open staged file: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat staged file: %w", err)
	}
	n := delivery.ChunkCount(info.Size(), s.chunkSize)
	if n > MaxChunks {
		return nil, fmt.Errorf("%w: %d parts of %s", ErrTooManyChunks, n, delivery.FormatSize(s.chunkSize))
	}

	chunks := make([]delivery.Chunk, 0, n)
	fail := func(err error) ([]delivery.Chunk, error) {
		for _, c := range chunks {
			scope.Release(c.Path)
		}
		return nil, err
	}

	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		name := ChunkName(filename, i)
		c, err := s.writeChunk(scope, src, name, i)
		if err != nil {
			return fail(err)
		}
		chunks = append(chunks, c)
	}

	logging.WithContext(ctx).Info("file split",
		zap.String("filename", filename),
		zap.Int("parts", len(chunks)),
		zap.Int64("chunk_size", s.chunkSize),
	)
	return chunks, nil
}

func (s *Splitter) writeChunk(scope *scratch.Scope, src io.Reader, name string, index int) (delivery.Chunk, error) {
	dst, err := s.dir.Reserve(name)
	if err != nil {
		return delivery.Chunk{}, fmt.Errorf("reserve part %d: %w", index, err)
	}
	path := dst.Name()
	scope.Track(path)

	written, err := io.CopyN(dst, src, s.chunkSize)
	if err == io.EOF && written > 0 {
		err = nil
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		scope.Release(path)
		return delivery.Chunk{}, fmt.Errorf("write part %d: %w", index, err)
	}
	return delivery.Chunk{Path: path, Name: name, Index: index, Size: written}, nil
}

// Instructions returns the text telling the receiver how to rebuild
// filename from the given part names, which must be in index order.
func Instructions(filename string, parts []string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = `"` + p + `"`
	}

	var b strings.Builder
	fmt.Fprintf(&b, "To rebuild %s, download all %d parts into one folder and run:\n\n", filename, len(parts))
	b.WriteString("Windows (cmd):\n")
	fmt.Fprintf(&b, "copy /b %s \"%s\"\n\n", strings.Join(quoted, "+"), filename)
	b.WriteString("Linux / macOS:\n")
	fmt.Fprintf(&b, "cat %s > \"%s\"\n", strings.Join(quoted, " "), filename)
	return b.String()
}
