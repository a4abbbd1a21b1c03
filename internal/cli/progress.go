package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"batchq/internal/batch"
	"batchq/internal/compress"
)

// reporter turns queue hooks into terminal output. Progress lines are
// rate limited; failures and the final line always print.
type reporter struct {
	mu      sync.Mutex
	w       io.Writer
	limiter *rate.Limiter // nil disables progress lines
}

func newReporter(w io.Writer, perSec float64) *reporter {
	r := &reporter{w: w}
	if perSec > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
	}
	return r
}

func (r *reporter) hooks() batch.Hooks[compress.Job, compress.Output] {
	return batch.Hooks[compress.Job, compress.Output]{
		OnItemComplete: r.itemDone,
		OnProgress:     r.progress,
	}
}

func (r *reporter) itemDone(it batch.Item[compress.Job, compress.Output]) {
	if it.Status != batch.StatusFailed {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "FAIL %s: %s\n", it.Label, it.Error)
}

func (r *reporter) progress(p batch.Progress[compress.Job, compress.Output]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limiter == nil {
		return
	}
	if p.Completed < p.Total && !r.limiter.Allow() {
		return
	}
	r.printLocked(p)
}

func (r *reporter) printLocked(p batch.Progress[compress.Job, compress.Output]) {
	pct := 0
	if p.Total > 0 {
		pct = p.Completed * 100 / p.Total
	}
	fmt.Fprintf(r.w, "[%3d%%] %d/%d done, %d in flight\n", pct, p.Completed, p.Total, len(p.Processing))
}

func printSummary(w io.Writer, res batch.Result[compress.Job, compress.Output]) {
	var in, out int64
	for _, it := range res.Items {
		if it.Status == batch.StatusCompleted {
			in += it.Result.BytesIn
			out += it.Result.BytesOut
		}
	}
	fmt.Fprintf(w, "run %s %s: %d ok, %d failed, %d cancelled in %s\n",
		shortID(res.RunID), res.Status, res.Successful, res.Failed, res.Cancelled,
		res.TotalTime.Round(time.Millisecond))
	if in > 0 {
		fmt.Fprintf(w, "  %s -> %s (%.1f%%)\n", humanize.IBytes(uint64(in)), humanize.IBytes(uint64(out)), float64(out)*100/float64(in))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}
