package db

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

// maxAuditLine bounds a single JSON line when reading the log back.
const maxAuditLine = 1 << 20

// FileAuditLog implements domain.AuditRepository as JSON lines appended to one
// file.
type FileAuditLog struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

func NewFileAuditLog(path string, logger *slog.Logger) *FileAuditLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileAuditLog{path: path, logger: logger}
}

func (l *FileAuditLog) Append(_ context.Context, event *domain.AuditEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("appending audit event: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	l.logger.Info("Audit log",
		slog.String("action", event.Action),
		slog.String("site_id", event.SiteID),
		slog.String("status", event.Status),
	)
	return nil
}

// Recent returns at most limit events, most recent first. A missing file is an
// empty log; lines that do not parse are skipped.
func (l *FileAuditLog) Recent(_ context.Context, limit int) ([]domain.AuditEvent, error) {
	l.mu.Lock()
	data, err := os.ReadFile(l.path)
	l.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return []domain.AuditEvent{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	var events []domain.AuditEvent
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxAuditLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev domain.AuditEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			l.logger.Warn("Skipping corrupt audit line", slog.Any("error", err))
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	return events, nil
}
