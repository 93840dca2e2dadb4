package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// rotatingFile is the JSON file sink. When rotation is enabled the file is
// renamed with a timestamp suffix once it grows past maxSizeBytes or the day
// changes, and suffixed files older than maxAgeDays are removed.
type rotatingFile struct {
	mu           sync.Mutex
	f            *os.File
	path         string
	rotate       bool
	maxSizeBytes int64
	maxAgeDays   int
	size         int64
	openedAt     time.Time
}

func openRotatingFile(path string, rotate bool, maxSizeMB int, maxAgeDays int) (*rotatingFile, error) {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rf := &rotatingFile{
		path:         path,
		rotate:       rotate,
		maxSizeBytes: int64(maxSizeMB) * 1024 * 1024,
		maxAgeDays:   maxAgeDays,
	}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (r *rotatingFile) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	r.f = f
	r.size = size
	r.openedAt = time.Now()
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return 0, os.ErrClosed
	}
	if r.due(len(p)) {
		if err := r.rotateLocked(); err != nil {
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) due(incoming int) bool {
	if !r.rotate {
		return false
	}
	if r.maxSizeBytes > 0 && r.size+int64(incoming) > r.maxSizeBytes && r.size > 0 {
		return true
	}
	if r.maxAgeDays > 0 {
		now := time.Now()
		if now.YearDay() != r.openedAt.YearDay() || now.Year() != r.openedAt.Year() {
			return true
		}
	}
	return false
}

func (r *rotatingFile) rotateLocked() error {
	r.f.Close()
	r.f = nil

	rotated := fmt.Sprintf("%s.%s", r.path, time.Now().Format("20060102-150405.000"))
	renameErr := os.Rename(r.path, rotated)

	// Reopen even when the rename failed so logging keeps working.
	if err := r.open(); err != nil {
		return err
	}
	if renameErr != nil {
		return fmt.Errorf("failed to rotate log file: %w", renameErr)
	}

	go r.pruneRotated()
	return nil
}

func (r *rotatingFile) pruneRotated() {
	if r.maxAgeDays <= 0 {
		return
	}

	dir := filepath.Dir(r.path)
	prefix := filepath.Base(r.path) + "."
	cutoff := time.Now().AddDate(0, 0, -r.maxAgeDays)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
