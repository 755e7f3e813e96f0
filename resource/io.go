package resource

import (
	"context"
	"io"
)

// RateLimitedWriter wraps an io.Writer with the tracker's IO limit.
// Compaction uses it so background rewrites cannot starve foreground reads.
type RateLimitedWriter struct {
	w   io.Writer
	t   *Tracker
	ctx context.Context
}

// NewRateLimitedWriter creates a new RateLimitedWriter.
func NewRateLimitedWriter(ctx context.Context, w io.Writer, t *Tracker) *RateLimitedWriter {
	return &RateLimitedWriter{w: w, t: t, ctx: ctx}
}

func (w *RateLimitedWriter) Write(p []byte) (int, error) {
	if err := w.t.AcquireIO(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}
