package publisher

import (
	"context"
	"errors"
	"testing"
)

func TestMockPublishAndMessages(t *testing.T) {
	m := NewMockPublisher()

	if err := m.Publish(context.Background(), "topic/a", []byte("hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := m.Messages()
	if len(msgs) != 1 || msgs[0].Topic != "topic/a" || string(msgs[0].Payload) != "hello" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	m.Reset()
	if len(m.Messages()) != 0 {
		t.Fatalf("expected 0 messages after reset")
	}
}

func TestMockSetError(t *testing.T) {
	m := NewMockPublisher()
	testErr := errors.New("broker down")
	m.SetError(testErr)

	if err := m.Publish(context.Background(), "t", []byte("x")); !errors.Is(err, testErr) {
		t.Fatalf("expected %v, got %v", testErr, err)
	}
	if len(m.Messages()) != 0 {
		t.Fatalf("failed publish must not be recorded")
	}
	if err := m.Close(); err != nil || !m.Closed() {
		t.Fatalf("expected closed")
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), "t", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
