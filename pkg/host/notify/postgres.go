package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Channel is the Postgres notification channel the store triggers publish on.
const Channel = "spire_events"

// PGListener holds a dedicated connection in LISTEN mode and reconnects with
// exponential backoff when it drops.
type PGListener struct {
	URL        string
	Channel    string
	MaxBackoff time.Duration
}

func NewPGListener(url string) *PGListener {
	return &PGListener{URL: url, Channel: Channel, MaxBackoff: 30 * time.Second}
}

func (l *PGListener) Run(ctx context.Context, out chan<- Event) error {
	return reconnect(ctx, "Notification listener", l.MaxBackoff, func(ctx context.Context) error {
		return l.listen(ctx, out)
	})
}

func (l *PGListener) listen(ctx context.Context, out chan<- Event) error {
	conn, err := pgx.Connect(ctx, l.URL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.Channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", l.Channel, err)
	}
	log.Info("Listening for row changes on %s", l.Channel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ev, err := decodeRowChange([]byte(n.Payload))
		if err != nil {
			log.Warn("Ignoring notification: %v", err)
			continue
		}
		if !emit(ctx, out, ev) {
			return ctx.Err()
		}
	}
}
