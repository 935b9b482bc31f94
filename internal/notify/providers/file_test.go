package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/engels74/mover-status-sub003/internal/notify"
)

func TestFile_ValidateConfig_RequiresPath(t *testing.T) {
	p, err := NewFile("audit", map[string]any{})
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if err := p.ValidateConfig(); err == nil {
		t.Fatalf("expected ValidateConfig to reject missing path")
	}
}

func TestFile_SendAppendsJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.jsonl")
	p, err := NewFile("audit", map[string]any{"path": path})
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if err := p.ValidateConfig(); err != nil {
		t.Fatalf("ValidateConfig: %v", err)
	}

	msg := notify.Message{
		Title:    "Mover started",
		Content:  "Mover process (pid 12345) started.",
		Priority: notify.PriorityNormal,
		Tags:     []string{"lifecycle"},
	}
	ok, err := p.Send(context.Background(), msg)
	if err != nil || !ok {
		t.Fatalf("Send = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = p.Send(context.Background(), msg)
	if err != nil || !ok {
		t.Fatalf("second Send = (%v, %v), want (true, nil)", ok, err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
		var rec fileRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines, err)
		}
		if rec.Title != msg.Title || rec.Content != msg.Content {
			t.Fatalf("record %d = %+v, want title/content from message", lines, rec)
		}
		if rec.Priority != "normal" {
			t.Fatalf("record %d priority = %q, want \"normal\"", lines, rec.Priority)
		}
	}
	if lines != 2 {
		t.Fatalf("output has %d lines, want 2", lines)
	}
}

func TestFile_SendBeforeValidateFails(t *testing.T) {
	p, err := NewFile("audit", map[string]any{"path": filepath.Join(t.TempDir(), "out.jsonl")})
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if ok, err := p.Send(context.Background(), notify.Message{Title: "x"}); err == nil || ok {
		t.Fatalf("Send before ValidateConfig = (%v, %v), want error", ok, err)
	}
}

func TestFile_Name(t *testing.T) {
	p, _ := NewFile("dryrun", map[string]any{"path": "/tmp/x"})
	if p.Name() != "dryrun" {
		t.Fatalf("Name() = %q, want \"dryrun\"", p.Name())
	}
}
