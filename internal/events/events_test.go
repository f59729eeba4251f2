package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(10)
	ch1, unsub1 := bus.Subscribe()
	ch2, unsub2 := bus.Subscribe()
	defer unsub1()
	defer unsub2()

	bus.Publish(Event{Type: TypeEnqueued, RequestID: "r1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TypeEnqueued || ev.RequestID != "r1" {
				t.Errorf("unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus(1)
	_, unsub := bus.Subscribe()
	defer unsub()

	// Nobody drains the channel; extra events must be dropped, not
	// stall the publisher.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: TypeCheckStarted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(10)
	ch, unsub := bus.Subscribe()
	unsub()
	unsub() // idempotent

	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d, want 0", bus.SubscriberCount())
	}
	if _, open := <-ch; open {
		t.Error("expected closed channel after unsubscribe")
	}
}

func TestAuditLogAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	audit, err := NewAuditLog(path, 0)
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}
	defer audit.Close()

	for _, id := range []string{"r1", "r2"} {
		if err := audit.Append(Event{Type: TypeMerged, RequestID: id, Timestamp: time.Now()}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var got []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		got = append(got, ev)
	}
	if len(got) != 2 || got[0].RequestID != "r1" || got[1].RequestID != "r2" {
		t.Errorf("unexpected entries: %+v", got)
	}
}

func TestAuditLogRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	audit, err := NewAuditLog(path, 200)
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}
	defer audit.Close()

	for i := 0; i < 20; i++ {
		if err := audit.Append(Event{Type: TypeCheckCompleted, RequestID: "request-with-a-long-id"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	rotated := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "audit.jsonl.") {
			rotated++
		}
	}
	if rotated == 0 {
		t.Error("expected at least one rotated audit file")
	}
	// The live file stays under the cap.
	stat, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if stat.Size() > 200 {
		t.Errorf("live file size %d exceeds cap", stat.Size())
	}
}

func TestRecorderEmit(t *testing.T) {
	bus := NewBus(10)
	ch, unsub := bus.Subscribe()
	defer unsub()

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	audit, err := NewAuditLog(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer audit.Close()

	rec := NewRecorder(bus, audit)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec.now = func() time.Time { return fixed }

	rec.Emit(TypeConflictDetected, "r1", map[string]any{"files": []string{"a.txt"}})

	select {
	case ev := <-ch:
		if ev.Type != TypeConflictDetected || !ev.Timestamp.Equal(fixed) {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event on bus")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"conflict_detected"`) {
		t.Errorf("audit log missing event: %s", data)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.Emit(TypeEnqueued, "r1", nil) // must not panic
}
