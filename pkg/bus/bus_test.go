package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

type fakeMsg struct {
	acked, naked, termed int
}

func (m *fakeMsg) Ack(...nats.AckOpt) error  { m.acked++; return nil }
func (m *fakeMsg) Nak(...nats.AckOpt) error  { m.naked++; return nil }
func (m *fakeMsg) Term(...nats.AckOpt) error { m.termed++; return nil }

func TestSettle(t *testing.T) {
	tests := []struct {
		name                 string
		err                  error
		acked, naked, termed int
	}{
		{name: "success acks", err: nil, acked: 1},
		{name: "transient naks", err: errors.New("db down"), naked: 1},
		{name: "poison terminates", err: fmt.Errorf("decode: %w", ErrDrop), termed: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &fakeMsg{}
			assert.NoError(t, settle(msg, tt.err))
			assert.Equal(t, tt.acked, msg.acked)
			assert.Equal(t, tt.naked, msg.naked)
			assert.Equal(t, tt.termed, msg.termed)
		})
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	assert.Error(t, b.Publish(context.Background(), SubjectOutcomeRecorded, struct{}{}))
	assert.Error(t, b.EnsureStream())
	_, err := b.Subscribe(context.Background(), SubjectOutcomeSubmitted, "d", func(context.Context, []byte) error { return nil })
	assert.Error(t, err)
	assert.NotPanics(t, b.Close)
}

func TestSubjectsWithinStream(t *testing.T) {
	for _, subj := range []string{
		SubjectExecutionCreated,
		SubjectExecutionTransitioned,
		SubjectOutcomeRecorded,
		SubjectOutcomeSubmitted,
	} {
		assert.Regexp(t, `^qaharness\.`, subj)
	}
}
