package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestInMemoryPreservesOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(8)
	events := []ScanEvent{
		{CourseID: "c1", Payload: "qr-a", At: time.Date(2026, 8, 24, 8, 1, 0, 0, time.UTC)},
		{CourseID: "c1", Payload: "qr-b", At: time.Date(2026, 8, 24, 8, 2, 0, 0, time.UTC)},
	}
	for _, evt := range events {
		msg, err := NewScanMessage(evt)
		if err != nil {
			t.Fatalf("NewScanMessage: %v", err)
		}
		if err := q.Publish(ctx, msg); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	for i, want := range events {
		select {
		case msg := <-msgs:
			if msg.Type != "scan" {
				t.Fatalf("message %d type = %q", i, msg.Type)
			}
			var got ScanEvent
			if err := json.Unmarshal(msg.Body, &got); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if got.Payload != want.Payload || !got.At.Equal(want.At) {
				t.Errorf("event %d = %+v, want %+v", i, got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out draining queue")
		}
	}
}

func TestInMemoryPublishHonorsCancel(t *testing.T) {
	q := NewInMemory(0) // unbuffered and never consumed
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Publish(ctx, Message{Type: "scan"}); err == nil {
		t.Fatal("Publish on cancelled context returned nil error")
	}
}
