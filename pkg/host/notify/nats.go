package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

func connectNATS(url, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	}
	return nats.Connect(url, opts...)
}

// NATSSource subscribes to a subject carrying Event or row change payloads.
// An unreachable server is retried with backoff until ctx ends.
type NATSSource struct {
	URL        string
	Subject    string
	MaxBackoff time.Duration
}

func NewNATSSource(url, subject string) *NATSSource {
	return &NATSSource{URL: url, Subject: subject, MaxBackoff: 30 * time.Second}
}

func (s *NATSSource) Run(ctx context.Context, out chan<- Event) error {
	return reconnect(ctx, "NATS subscription", s.MaxBackoff, func(ctx context.Context) error {
		return s.subscribe(ctx, out)
	})
}

func (s *NATSSource) subscribe(ctx context.Context, out chan<- Event) error {
	nc, err := connectNATS(s.URL, "spire-notify")
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", s.URL, err)
	}
	defer nc.Close()

	msgs := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(s.Subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.Subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	log.Info("Subscribed to %s on %s", s.Subject, nc.ConnectedUrl())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			ev, err := decodeMessage(msg.Data)
			if err != nil {
				log.Warn("Ignoring message on %s: %v", msg.Subject, err)
				continue
			}
			if !emit(ctx, out, ev) {
				return ctx.Err()
			}
		}
	}
}

// Publisher announces events on a subject so a running daemon wakes up
// without waiting for its poller.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

func NewPublisher(url, subject string) (*Publisher, error) {
	nc, err := connectNATS(url, "spire-cli")
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, subject: subject}, nil
}

func (p *Publisher) Publish(ev Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return err
	}
	return p.nc.Flush()
}

func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}
