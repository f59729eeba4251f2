package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultMaxAuditSize is the rotation threshold for the audit log.
const DefaultMaxAuditSize = 10 * 1024 * 1024

// AuditLog is an append-only JSONL record of every event. When the file
// exceeds maxSize it is rotated aside with a timestamp suffix and a
// fresh file is started.
type AuditLog struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	file    *os.File
	size    int64
}

// NewAuditLog opens (creating if needed) the audit log at path.
func NewAuditLog(path string, maxSize int64) (*AuditLog, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxAuditSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	a := &AuditLog{path: path, maxSize: maxSize}
	if err := a.open(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AuditLog) open() error {
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	a.file = f
	a.size = stat.Size()
	return nil
}

// Append writes one event as a JSON line.
func (a *AuditLog) Append(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.size+int64(len(line)) > a.maxSize {
		if err := a.rotate(); err != nil {
			return err
		}
	}
	n, err := a.file.Write(line)
	a.size += int64(n)
	return err
}

// rotate moves the current file aside and starts a new one. Called with
// the mutex held.
func (a *AuditLog) rotate() error {
	if err := a.file.Close(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s.%s", a.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(a.path, rotated); err != nil {
		return err
	}
	return a.open()
}

// Close closes the underlying file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}
