package notify

import (
	"context"
	"time"
)

// PendingWork lists rows that still need attention.
type PendingWork interface {
	PendingLaunchIDs(ctx context.Context) ([]string, error)
	LaunchedInstanceIDs(ctx context.Context) ([]string, error)
	TerminateRequestedIDs(ctx context.Context) ([]string, error)
}

// Poller sweeps the store on an interval. It is the only source on SQLite
// and catches notifications missed while a listener was reconnecting.
type Poller struct {
	Store    PendingWork
	Interval time.Duration
}

func (p *Poller) Run(ctx context.Context, out chan<- Event) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if !p.sweep(ctx, out) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) sweep(ctx context.Context, out chan<- Event) bool {
	lists := []struct {
		kind Kind
		list func(context.Context) ([]string, error)
	}{
		{KindLaunch, p.Store.PendingLaunchIDs},
		{KindInstance, p.Store.LaunchedInstanceIDs},
		{KindTerminate, p.Store.TerminateRequestedIDs},
	}
	for _, l := range lists {
		ids, err := l.list(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			log.Error("Poll for %s work failed: %v", l.kind, err)
			continue
		}
		for _, id := range ids {
			if !emit(ctx, out, Event{Kind: l.kind, ID: id}) {
				return false
			}
		}
	}
	return true
}
