package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	dateLayout       = "2006-01-02"
	MaxRetentionDays = 7
)

// DailyFile is an io.Writer that appends to storage/logs/app-YYYY-MM-DD.log
// style files, switching files when the date changes and pruning files older
// than the retention window.
type DailyFile struct {
	dir       string
	retention int
	now       func() time.Time

	mu   sync.Mutex
	date string
	file *os.File
}

func NewDailyFile(dir string, retentionDays int) (*DailyFile, error) {
	if dir == "" {
		dir = "storage/logs"
	}
	if retentionDays <= 0 || retentionDays > MaxRetentionDays {
		retentionDays = MaxRetentionDays
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	d := &DailyFile{dir: dir, retention: retentionDays, now: time.Now}
	if err := d.rotate(d.now().Format(dateLayout)); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if date := d.now().Format(dateLayout); date != d.date {
		if err := d.rotate(date); err != nil {
			return 0, err
		}
	}
	return d.file.Write(p)
}

func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// rotate must be called with mu held (or before the writer is shared).
func (d *DailyFile) rotate(date string) error {
	filename := filepath.Join(d.dir, fmt.Sprintf("app-%s.log", date))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if d.file != nil {
		_ = d.file.Close()
	}
	d.file = file
	d.date = date
	CleanupOldLogs(d.dir, d.retention, d.now())
	return nil
}

// Setup sends the standard logger to stdout and the daily file. The returned
// func closes the file.
func Setup(dir string, retentionDays int) (func(), error) {
	daily, err := NewDailyFile(dir, retentionDays)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, daily))
	return func() {
		log.SetOutput(os.Stdout)
		_ = daily.Close()
	}, nil
}

// CleanupOldLogs removes app-*.log files dated before the retention window.
func CleanupOldLogs(dir string, retentionDays int, now time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := now.AddDate(0, 0, -(retentionDays - 1)).Format(dateLayout)
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() {
			continue
		}
		if !strings.HasPrefix(name, "app-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		datePart := strings.TrimSuffix(strings.TrimPrefix(name, "app-"), ".log")
		if _, err := time.Parse(dateLayout, datePart); err != nil {
			continue
		}
		if datePart < cutoff {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
}
