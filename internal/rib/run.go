package rib

import (
	"context"
	"time"

	"github.com/dantte-lp/gorouted/internal/ibus"
)

// drainInterval bounds how long a queued mutation waits before the next
// drain pass when the bus goes quiet.
const drainInterval = 100 * time.Millisecond

// Run consumes RIB-directed bus messages until ctx is cancelled. All RIB
// mutation happens on this goroutine.
func (r *RIB) Run(ctx context.Context) error {
	sub := r.bus.Subscribe(
		ibus.RouteMsg{},
		ibus.RouteKeyMsg{},
		ibus.LabelMsg{},
		ibus.RedistributeRequestMsg{},
		ibus.NexthopTrackMsg{},
	)
	defer sub.Close()

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-sub.C():
			r.dispatch(msg)
		case <-ticker.C:
			if len(r.updateQueue) > 0 || len(r.labelQueue) > 0 {
				r.ProcessUpdateQueue()
			}
		}
	}
}

func (r *RIB) dispatch(msg ibus.Message) {
	switch m := msg.(type) {
	case ibus.RouteMsg:
		r.Add(m)
	case ibus.RouteKeyMsg:
		r.RemoveByProtocol(m.Protocol, m.Prefix)
	case ibus.LabelMsg:
		if m.Install {
			r.AddLabel(m)
		} else {
			r.RemoveLabel(m.Label)
		}
	case ibus.RedistributeRequestMsg:
		r.Subscribe(m)
	case ibus.NexthopTrackMsg:
		r.TrackNexthop(m)
	}
}
