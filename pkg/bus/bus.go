package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/nats-io/nats.go"
)

// Stream and subjects carrying harness events.
const (
	StreamName = "QAHARNESS"

	SubjectExecutionCreated      = "qaharness.executions.created"
	SubjectExecutionTransitioned = "qaharness.executions.transitioned"
	SubjectOutcomeRecorded       = "qaharness.outcomes.recorded"
	SubjectOutcomeSubmitted      = "qaharness.outcomes.submitted"
)

// ErrDrop marks a message that can never be processed. Handlers wrap it to
// have the message terminated instead of redelivered.
var ErrDrop = errors.New("drop message")

// Publisher is the narrow publishing side used by services.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Bus wraps a NATS JetStream connection for publishing and consuming events.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// EnsureStream creates the harness stream when it does not exist yet.
func (b *Bus) EnsureStream() error {
	if b == nil {
		return errors.New("nil bus")
	}
	if _, err := b.js.StreamInfo(StreamName); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"qaharness.>"},
		Storage:  nats.FileStorage,
	})
	return err
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes v as JSON and publishes it to the given subject.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(subj, data, nats.Context(ctx))
	return err
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Subscribe creates a durable consumer on the given subject and invokes fn for each message.
// Messages whose handler error wraps ErrDrop are terminated; other errors are NAKed.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		_ = settle(msg, fn(handlerCtx, msg.Data))
	}

	sub, err := b.js.Subscribe(subj, handler, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}

type acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

func settle(msg acker, err error) error {
	switch {
	case err == nil:
		return msg.Ack()
	case errors.Is(err, ErrDrop):
		return msg.Term()
	default:
		return msg.Nak()
	}
}
