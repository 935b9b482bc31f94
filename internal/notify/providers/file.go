package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/engels74/mover-status-sub003/internal/notify"
)

// File is a notify.Provider that appends one JSON line per delivered
// message to a local file. Used as the sole provider in dry-run mode and
// for exercising the provider contract in tests without a network
// dependency.
type File struct {
	name string
	path string

	mu sync.Mutex
	f  *os.File
}

type fileRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Priority  string         `json:"priority"`
	Tags      []string       `json:"tags"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewFile is a notify.Factory for the "file" provider kind. config requires
// "path", the file to append JSON lines to.
func NewFile(name string, config map[string]any) (notify.Provider, error) {
	path, _ := config["path"].(string)
	return &File{name: name, path: path}, nil
}

// Name returns the provider's registered name.
func (p *File) Name() string { return p.name }

// ValidateConfig requires a non-empty path and opens it for appending.
func (p *File) ValidateConfig() error {
	if p.path == "" {
		return fmt.Errorf("providers.file[%s]: path is required", p.name)
	}
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("providers.file[%s]: open %q: %w", p.name, p.path, err)
	}
	p.mu.Lock()
	p.f = f
	p.mu.Unlock()
	return nil
}

// Send appends one JSON line describing message. It does not deduplicate:
// sending the same logical message twice produces two audit lines, as a log
// sink records every delivery attempt.
func (p *File) Send(ctx context.Context, message notify.Message) (bool, error) {
	rec := fileRecord{
		Timestamp: time.Now().UTC(),
		Title:     message.Title,
		Content:   message.Content,
		Priority:  message.Priority.String(),
		Tags:      message.Tags,
		Metadata:  message.Metadata,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("providers.file[%s]: marshal: %w", p.name, err)
	}
	data = append(data, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return false, fmt.Errorf("providers.file[%s]: not initialized (ValidateConfig not called)", p.name)
	}
	if _, err := p.f.Write(data); err != nil {
		return false, fmt.Errorf("providers.file[%s]: write: %w", p.name, err)
	}
	return true, nil
}
