package main

import (
	"fmt"
	"io"
	"sync"
)

// progressPrinter draws a single updating download line.
type progressPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	last int
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, last: -1}
}

// Update is a registry.ProgressFunc.
func (p *progressPrinter) Update(downloaded, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if total <= 0 {
		fmt.Fprintf(p.w, "\rdownloading: %s", humanBytes(downloaded))
		return
	}
	pct := int(downloaded * 100 / total)
	if pct == p.last {
		return
	}
	p.last = pct
	fmt.Fprintf(p.w, "\rdownloading: %3d%% (%s / %s)", pct, humanBytes(downloaded), humanBytes(total))
	if downloaded >= total {
		fmt.Fprintln(p.w)
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
