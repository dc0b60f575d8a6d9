package worker

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const progressWidth = 30

// renderProgress draws `[=====>    ](done / total) Tasks Completed...` with
// a dot count that cycles with tick so a stalled run still looks alive.
func renderProgress(done, total, tick int) string {
	filled := 0
	if total > 0 {
		filled = done * progressWidth / total
	}
	var bar string
	switch {
	case filled >= progressWidth:
		bar = strings.Repeat("=", progressWidth)
	default:
		bar = strings.Repeat("=", filled) + ">" + strings.Repeat(" ", progressWidth-filled-1)
	}
	dots := strings.Repeat(".", tick%4)
	return fmt.Sprintf("[%s](%d / %d) Tasks Completed%-3s", bar, done, total, dots)
}

// progress periodically redraws one status line until stopped.
type progress struct {
	w        io.Writer
	total    int
	done     func() int
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
}

func startProgress(w io.Writer, total int, interval time.Duration, done func() int) *progress {
	p := &progress{w: w, total: total, done: done, interval: interval, stop: make(chan struct{})}
	p.wg.Add(1)
	go p.loop()
	return p
}

func (p *progress) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for tick := 0; ; tick++ {
		fmt.Fprintf(p.w, "\r%s", renderProgress(p.done(), p.total, tick))
		select {
		case <-ticker.C:
		case <-p.stop:
			fmt.Fprintf(p.w, "\r%s\n", renderProgress(p.done(), p.total, 0))
			return
		}
	}
}

// Stop draws the final line and waits for the renderer to exit.
func (p *progress) Stop() {
	close(p.stop)
	p.wg.Wait()
}
