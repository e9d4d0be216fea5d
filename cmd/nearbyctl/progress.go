package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/opd-ai/nearby/payload"
	"github.com/opd-ai/nearby/transfer"
	"github.com/schollz/progressbar/v3"
)

// progressBars draws one terminal bar per payload in flight.
type progressBars struct {
	mu   sync.Mutex
	out  io.Writer
	bars map[payload.ID]*progressbar.ProgressBar
}

func newProgressBars(out io.Writer) *progressBars {
	return &progressBars{out: out, bars: make(map[payload.ID]*progressbar.ProgressBar)}
}

func (p *progressBars) update(endpointID string, u transfer.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bar, ok := p.bars[u.PayloadID]
	if !ok {
		if u.Done() {
			return
		}
		bar = progressbar.NewOptions64(u.TotalSize,
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionSetDescription(fmt.Sprintf("%s %s #%d", u.Direction, endpointID, u.PayloadID)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(0),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.out) }),
		)
		p.bars[u.PayloadID] = bar
	}
	_ = bar.Set64(u.Transferred)

	if u.Done() {
		if u.State == transfer.StateCompleted {
			_ = bar.Finish()
		} else {
			_ = bar.Exit()
			fmt.Fprintf(p.out, "\npayload %d %s: %v\n", u.PayloadID, u.State, u.Err)
		}
		delete(p.bars, u.PayloadID)
	}
}

func defaultName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "nearbyctl"
	}
	return host
}
