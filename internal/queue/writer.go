package queue

import (
    "context"
    "fmt"
    "os"
    "path/filepath"
    "sync"

    "github.com/iliyamo/keygate/internal/service"
)

// FileWriter appends formatted activity to a log file.  It doubles as an
// ActivitySink when no broker is configured.
type FileWriter struct {
    path string
    mu   sync.Mutex
}

// NewFileWriter returns a writer for path.  The parent directory is created
// on first write.
func NewFileWriter(path string) *FileWriter {
    return &FileWriter{path: path}
}

// Write appends one activity line.
func (w *FileWriter) Write(a service.Activity) error {
    w.mu.Lock()
    defer w.mu.Unlock()

    if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
        return fmt.Errorf("mkdir activity dir: %w", err)
    }
    f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
    if err != nil {
        return fmt.Errorf("open activity log: %w", err)
    }
    defer f.Close()

    if _, err := f.WriteString(FormatLine(a)); err != nil {
        return fmt.Errorf("write activity log: %w", err)
    }
    return nil
}

// Publish implements service.ActivitySink.
func (w *FileWriter) Publish(_ context.Context, a service.Activity) error {
    return w.Write(a)
}
