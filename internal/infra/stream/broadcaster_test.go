//go:build !integration

package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"storybook-orchestrator/internal/usecase"
)

func nopLogger() *zerolog.Logger { l := zerolog.Nop(); return &l }

func recv(t *testing.T, ch <-chan usecase.Event) usecase.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return usecase.Event{}
	}
}

func TestBroadcaster_TopicFanOut(t *testing.T) {
	b := NewBroadcaster(nopLogger())

	all, cancelAll := b.Subscribe(4)
	defer cancelAll()
	jobsOnly, cancelJobs := b.Subscribe(4, usecase.TopicJobs)
	defer cancelJobs()

	b.Publish(usecase.TopicJobs, "j")
	b.Publish(usecase.TopicRuns, "r")

	if ev := recv(t, jobsOnly); ev.Topic != usecase.TopicJobs || ev.Data != "j" {
		t.Fatalf("jobs subscriber got %+v", ev)
	}
	select {
	case ev := <-jobsOnly:
		t.Fatalf("jobs subscriber leaked cross-topic event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}

	if ev := recv(t, all); ev.Data != "j" {
		t.Fatalf("all-topics subscriber missed first event: %+v", ev)
	}
	if ev := recv(t, all); ev.Data != "r" {
		t.Fatalf("all-topics subscriber missed second event: %+v", ev)
	}
}

func TestBroadcaster_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroadcaster(nopLogger())
	ch, cancel := b.Subscribe(1, "t")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish("t", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	// Only the buffered message survives.
	if ev := recv(t, ch); ev.Data != 0 {
		t.Fatalf("want first message, got %+v", ev)
	}
}

func TestBroadcaster_CancelIsIdempotentAndCloses(t *testing.T) {
	b := NewBroadcaster(nopLogger())
	ch, cancel := b.Subscribe(1, "t")

	cancel()
	cancel() // second call must not panic

	if _, open := <-ch; open {
		t.Fatal("channel still open after cancel")
	}
	// Publishing after cancel must not panic or deliver.
	b.Publish("t", "late")
}

func TestServeNDJSON_SnapshotThenUpdates(t *testing.T) {
	b := NewBroadcaster(nopLogger())

	ctx, cancelReq := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		ServeNDJSON(rec, req, b, "job:1", map[string]string{"id": "1"}, nopLogger())
		close(done)
	}()

	// Wait for the subscriber to register before publishing.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		b.mu.RLock()
		n := len(b.subs)
		b.mu.RUnlock()
		if n == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	b.Publish("job:1", map[string]string{"id": "1", "status": "processing"})
	b.Publish("other", "must not appear")

	// Give the handler a beat to write, then end the request.
	time.Sleep(50 * time.Millisecond)
	cancelReq()
	<-done

	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type %q", ct)
	}

	sc := bufio.NewScanner(rec.Body)
	var lines []map[string]any
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad ndjson line %q: %v", sc.Text(), err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 2 {
		t.Fatalf("want snapshot + update, got %d lines: %v", len(lines), lines)
	}
	if lines[0]["type"] != "snapshot" {
		t.Fatalf("first line not snapshot: %v", lines[0])
	}
	if lines[1]["type"] != "update" {
		t.Fatalf("second line not update: %v", lines[1])
	}
}
