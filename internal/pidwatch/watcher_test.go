package pidwatch

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWatch_CreatedThenDeleted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mover.pid")

	w := New(path, 10*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	events := w.Watch(ctx)

	time.Sleep(20 * time.Millisecond) // let the first (non-emitting) tick pass

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	var created Event
	select {
	case created = <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for created event")
	}
	if created.Type != EventCreated {
		t.Fatalf("expected created event, got %v", created.Type)
	}
	if created.PID != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), created.PID)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove pid file: %v", err)
	}

	var deleted Event
	select {
	case deleted = <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deleted event")
	}
	if deleted.Type != EventDeleted {
		t.Fatalf("expected deleted event, got %v", deleted.Type)
	}

	cancel()
}

func TestParsePID(t *testing.T) {
	cases := []struct {
		in      string
		wantPID int
		wantOK  bool
	}{
		{"12345", 12345, true},
		{"12345\n", 12345, true},
		{"12345 \t", 12345, true},
		{"0", 0, false},
		{"-5", 0, false},
		{"not-a-pid", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		pid, ok := parsePID([]byte(c.in))
		if pid != c.wantPID || ok != c.wantOK {
			t.Errorf("parsePID(%q) = (%d, %v), want (%d, %v)", c.in, pid, ok, c.wantPID, c.wantOK)
		}
	}
}
