package web

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func recv(t *testing.T, ch <-chan string) StatusEvent {
	t.Helper()
	select {
	case msg := <-ch:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
	return StatusEvent{}
}

func TestBroadcaster_SubscribeAndReceive(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Broadcast("warn", "camera 1 capture failed")

	evt := recv(t, ch)
	if evt.Msg != "camera 1 capture failed" {
		t.Errorf("msg = %q", evt.Msg)
	}
	if evt.Level != "warn" {
		t.Errorf("level = %q, want \"warn\"", evt.Level)
	}
	if evt.Time == "" {
		t.Error("event should have a timestamp")
	}
}

func TestBroadcaster_MultipleSubscribers(t *testing.T) {
	b := NewStatusBroadcaster()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	if n := b.Subscribers(); n != 2 {
		t.Fatalf("subscribers = %d, want 2", n)
	}
	b.BroadcastMsg("multi")

	for i, ch := range []<-chan string{ch1, ch2} {
		if evt := recv(t, ch); evt.Msg != "multi" || evt.Level != "info" {
			t.Errorf("subscriber %d: got %+v", i, evt)
		}
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	unsub()
	unsub() // second call is a no-op

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
	b.Broadcast("info", "after unsub")
}

func TestBroadcaster_FullChannelDropsMessage(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < 64; i++ {
		b.Broadcast("info", "fill")
	}
	b.Broadcast("info", "overflow") // must not block

	count := 0
	for len(ch) > 0 {
		<-ch
		count++
	}
	if count != 64 {
		t.Errorf("expected 64 buffered messages, got %d", count)
	}
}

func TestBroadcastWriter_PlainText(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	w := BroadcastWriter(b)
	n, err := w.Write([]byte("  trimmed message  \n"))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != len("  trimmed message  \n") {
		t.Errorf("n = %d", n)
	}
	if evt := recv(t, ch); evt.Msg != "trimmed message" || evt.Level != "info" {
		t.Errorf("got %+v", evt)
	}
}

func TestBroadcastWriter_ZerologLines(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	var buf bytes.Buffer
	logger := zerolog.New(&buf).With().Str("component", "experiment").Logger()
	logger.Warn().Str("error", "device 1: capture failed").Msg("capture skipped")
	logger.Info().Msg("tick done")

	if _, err := BroadcastWriter(b).Write(buf.Bytes()); err != nil {
		t.Fatal(err)
	}

	first := recv(t, ch)
	if first.Level != "warn" || first.Msg != "experiment: capture skipped: device 1: capture failed" {
		t.Errorf("first = %+v", first)
	}
	second := recv(t, ch)
	if second.Level != "info" || second.Msg != "experiment: tick done" {
		t.Errorf("second = %+v", second)
	}
}

func TestBroadcastWriter_EmptyWriteIgnored(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	BroadcastWriter(b).Write([]byte("   \n"))

	select {
	case <-ch:
		t.Error("expected no message for whitespace-only write")
	case <-time.After(50 * time.Millisecond):
	}
}
