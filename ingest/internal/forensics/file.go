package forensics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileRecorder writes one JSON file per entry.
type FileRecorder struct {
	basePath string
	logger   *slog.Logger
	mu       sync.Mutex
	written  uint64
}

// NewFileRecorder creates basePath if needed.
func NewFileRecorder(basePath string, logger *slog.Logger) (*FileRecorder, error) {
	if basePath == "" {
		basePath = "/var/lib/studyhawk/forensics"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create forensics directory: %w", err)
	}
	return &FileRecorder{basePath: basePath, logger: logger}, nil
}

func (r *FileRecorder) Record(ctx context.Context, e Entry) error {
	if r == nil {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Raw = truncate(e.Raw)

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal forensic entry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Zero-padded so lexical order is chronological.
	name := fmt.Sprintf("entry_%020d_%06d.json", e.Timestamp.UnixNano(), r.written%1_000_000)
	if err := os.WriteFile(filepath.Join(r.basePath, name), data, 0o644); err != nil {
		return fmt.Errorf("write forensic entry: %w", err)
	}
	r.written++
	r.logger.DebugContext(ctx, "forensic entry written", slog.String("file", name), slog.String("kind", string(e.Kind)))
	return nil
}

func (r *FileRecorder) entryFiles() ([]string, error) {
	files, err := os.ReadDir(r.basePath)
	if err != nil {
		return nil, fmt.Errorf("read forensics directory: %w", err)
	}
	var names []string
	for _, f := range files {
		if !f.IsDir() && strings.HasPrefix(f.Name(), "entry_") && strings.HasSuffix(f.Name(), ".json") {
			names = append(names, f.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func (r *FileRecorder) List(ctx context.Context, limit int) ([]Entry, error) {
	if r == nil {
		return nil, fmt.Errorf("forensics not enabled")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	names, err := r.entryFiles()
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, name := range names {
		if limit > 0 && len(entries) >= limit {
			break
		}
		data, err := os.ReadFile(filepath.Join(r.basePath, name))
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to read forensic entry", slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			r.logger.ErrorContext(ctx, "failed to parse forensic entry", slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *FileRecorder) Stats(context.Context) map[string]any {
	if r == nil {
		return map[string]any{"enabled": false}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	names, err := r.entryFiles()
	if err != nil {
		return map[string]any{
			"enabled": true,
			"backend": "file",
			"written": r.written,
			"error":   err.Error(),
		}
	}
	return map[string]any{
		"enabled":   true,
		"backend":   "file",
		"written":   r.written,
		"entries":   len(names),
		"base_path": r.basePath,
	}
}

// Purge removes every entry file and returns how many were deleted.
func (r *FileRecorder) Purge(ctx context.Context) (int, error) {
	if r == nil {
		return 0, fmt.Errorf("forensics not enabled")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	names, err := r.entryFiles()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, name := range names {
		if err := os.Remove(filepath.Join(r.basePath, name)); err != nil {
			r.logger.ErrorContext(ctx, "failed to delete forensic entry", slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		deleted++
	}
	r.logger.InfoContext(ctx, "forensic entries purged", slog.Int("count", deleted))
	return deleted, nil
}
