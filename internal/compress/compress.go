// Package compress is the gzip workload the CLI runs through a batch queue:
// one item per input file, written as <output_dir>/<relative path>.gz.
package compress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"batchq/internal/batch"
	"batchq/pkg/logx"
)

var ErrExists = errors.New("output already exists")

// Job is the payload of one item.
type Job struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

// Output is the result of one item.
type Output struct {
	Path     string `json:"path"`
	BytesIn  int64  `json:"bytes_in"`
	BytesOut int64  `json:"bytes_out"`
}

// Ratio is compressed/original size, or 0 for empty inputs.
func (o Output) Ratio() float64 {
	if o.BytesIn == 0 {
		return 0
	}
	return float64(o.BytesOut) / float64(o.BytesIn)
}

type Options struct {
	Level     int
	Overwrite bool
}

// ParseLevel maps a config level name to a gzip level.
func ParseLevel(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return gzip.DefaultCompression, nil
	case "fastest":
		return gzip.BestSpeed, nil
	case "better":
		return 7, nil
	case "best":
		return gzip.BestCompression, nil
	default:
		return 0, fmt.Errorf("unknown compression level %q", s)
	}
}

// NewProcessor returns a batch processor that gzips Job.Src into Job.Dst.
// The output is written to a temp file and renamed, so a cancelled or
// failed item never leaves a partial .gz behind.
func NewProcessor(opts Options, log logx.Logger) batch.Processor[Job, Output] {
	return func(ctx context.Context, job Job, item batch.Item[Job, Output]) (Output, error) {
		out, err := compressFile(ctx, job, opts)
		if err != nil {
			return Output{}, err
		}
		log.Debug("file compressed",
			logx.String("item_id", item.ID),
			logx.Int64("bytes_in", out.BytesIn),
			logx.Int64("bytes_out", out.BytesOut),
		)
		return out, nil
	}
}

func compressFile(ctx context.Context, job Job, opts Options) (out Output, err error) {
	if !opts.Overwrite {
		if _, err := os.Stat(job.Dst); err == nil {
			return Output{}, fmt.Errorf("%s: %w", filepath.Base(job.Dst), ErrExists)
		}
	}

	src, err := os.Open(job.Src)
	if err != nil {
		return Output{}, err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(job.Dst), 0o755); err != nil {
		return Output{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(job.Dst), "."+filepath.Base(job.Dst)+".tmp-*")
	if err != nil {
		return Output{}, err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	zw, err := gzip.NewWriterLevel(tmp, opts.Level)
	if err != nil {
		return Output{}, err
	}
	zw.Name = filepath.Base(job.Src)
	if st, serr := src.Stat(); serr == nil {
		zw.ModTime = st.ModTime()
	}

	n, err := io.Copy(zw, &ctxReader{ctx: ctx, r: src})
	if err != nil {
		return Output{}, err
	}
	if err = zw.Close(); err != nil {
		return Output{}, err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return Output{}, err
	}
	if err = tmp.Close(); err != nil {
		return Output{}, err
	}
	if err = os.Rename(tmp.Name(), job.Dst); err != nil {
		return Output{}, err
	}
	return Output{Path: job.Dst, BytesIn: n, BytesOut: size}, nil
}

// ctxReader stops a copy at the next read once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
