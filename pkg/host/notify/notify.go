// Package notify turns row changes into typed events for the lifecycle
// coordinator. Delivery is at-least-once; consumers must tolerate duplicates.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"spire/pkg/shared/logger"
)

var log = logger.New(os.Stdout)

type Kind string

const (
	// KindLaunch carries a launch request id.
	KindLaunch Kind = "launch"
	// KindInstance carries the id of an instance ready for bootstrap.
	KindInstance Kind = "instance"
	// KindTerminate carries the id of an instance with a terminate action queued.
	KindTerminate Kind = "terminate"
)

type Event struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (e Event) String() string { return string(e.Kind) + ":" + e.ID }

// Source feeds events into out until ctx is done. A nil return means the
// source stopped because ctx ended.
type Source interface {
	Run(ctx context.Context, out chan<- Event) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, out chan<- Event) error

func (f SourceFunc) Run(ctx context.Context, out chan<- Event) error { return f(ctx, out) }

// Merge runs every source until ctx is done and closes out when all have
// returned. A failed source is logged and does not stop the others; its
// error is returned once they are done.
func Merge(ctx context.Context, out chan<- Event, sources ...Source) error {
	defer close(out)
	var g errgroup.Group
	for i, src := range sources {
		g.Go(func() error {
			err := src.Run(ctx, out)
			if err != nil {
				log.Error("Notification source %d stopped: %v", i, err)
			}
			return err
		})
	}
	return g.Wait()
}

// reconnect calls connect until ctx ends, sleeping with exponential backoff
// between failures. connect is expected to block while it is delivering.
func reconnect(ctx context.Context, name string, maxBackoff time.Duration, connect func(context.Context) error) error {
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	backoff := min(time.Second, maxBackoff)
	for {
		err := connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Error("%s failed (backoff %v): %v", name, backoff, err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// rowChange is the trigger payload published on the Postgres channel.
type rowChange struct {
	Table string `json:"table"`
	Op    string `json:"op"`
	ID    string `json:"id"`
}

// decodeRowChange maps a trigger payload to an event. Inserts into
// launch_queue are launches, inserts into instances are bootstrap work, and
// updates of instances are terminate actions.
func decodeRowChange(payload []byte) (Event, error) {
	var rc rowChange
	if err := json.Unmarshal(payload, &rc); err != nil {
		return Event{}, fmt.Errorf("decode row change: %w", err)
	}
	if rc.ID == "" {
		return Event{}, fmt.Errorf("row change on %q has no id", rc.Table)
	}
	switch {
	case rc.Table == "launch_queue" && rc.Op == "INSERT":
		return Event{Kind: KindLaunch, ID: rc.ID}, nil
	case rc.Table == "instances" && rc.Op == "INSERT":
		return Event{Kind: KindInstance, ID: rc.ID}, nil
	case rc.Table == "instances" && rc.Op == "UPDATE":
		return Event{Kind: KindTerminate, ID: rc.ID}, nil
	}
	return Event{}, fmt.Errorf("unhandled row change %s on %s", rc.Op, rc.Table)
}

// decodeMessage accepts either an Event or a row change payload.
func decodeMessage(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Kind == "" {
		return decodeRowChange(payload)
	}
	switch ev.Kind {
	case KindLaunch, KindInstance, KindTerminate:
	default:
		return Event{}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if ev.ID == "" {
		return Event{}, fmt.Errorf("%s event has no id", ev.Kind)
	}
	return ev, nil
}
