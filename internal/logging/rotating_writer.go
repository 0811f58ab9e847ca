package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const dayLayout = "2006-01-02"

// RotatingFileWriter writes to one file per calendar day. The configured
// path "logs/telecrawl.log" becomes "logs/telecrawl-2024-05-01.log"; when a
// day's file exceeds maxSize it is moved to "telecrawl-2024-05-01.1.log" and
// older backups of that day are shifted up, keeping at most maxBackups.
type RotatingFileWriter struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	day        string
	maxSize    int64
	maxBackups int
	size       int64
	now        func() time.Time
}

// NewRotatingFileWriter creates a new rotating file writer
func NewRotatingFileWriter(filePath string, maxSize int64, maxBackups int) (*RotatingFileWriter, error) {
	return newRotatingFileWriter(filePath, maxSize, maxBackups, time.Now)
}

func newRotatingFileWriter(filePath string, maxSize int64, maxBackups int, now func() time.Time) (*RotatingFileWriter, error) {
	w := &RotatingFileWriter{
		filePath:   filePath,
		maxSize:    maxSize,
		maxBackups: maxBackups,
		now:        now,
	}
	if err := w.openDay(w.today()); err != nil {
		return nil, err
	}
	return w, nil
}

// Write implements io.Writer
func (w *RotatingFileWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if day := w.today(); day != w.day {
		if err := w.file.Close(); err != nil {
			return 0, err
		}
		if err := w.openDay(day); err != nil {
			return 0, err
		}
	} else if w.maxSize > 0 && w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err = w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current file
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

// CurrentPath returns the file being written to
func (w *RotatingFileWriter) CurrentPath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dayPath(w.day)
}

func (w *RotatingFileWriter) today() string {
	return w.now().Format(dayLayout)
}

func (w *RotatingFileWriter) split() (dir, name, ext string) {
	dir = filepath.Dir(w.filePath)
	base := filepath.Base(w.filePath)
	ext = filepath.Ext(base)
	return dir, strings.TrimSuffix(base, ext), ext
}

// dayPath returns e.g. logs/telecrawl-2024-05-01.log
func (w *RotatingFileWriter) dayPath(day string) string {
	dir, name, ext := w.split()
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", name, day, ext))
}

// backupName returns e.g. logs/telecrawl-2024-05-01.2.log
func (w *RotatingFileWriter) backupName(index int) string {
	dir, name, ext := w.split()
	return filepath.Join(dir, fmt.Sprintf("%s-%s.%d%s", name, w.day, index, ext))
}

func (w *RotatingFileWriter) openDay(day string) error {
	w.day = day
	file, err := os.OpenFile(w.dayPath(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// rotate moves the current day's file to backup 1
func (w *RotatingFileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	current := w.dayPath(w.day)
	if w.maxBackups <= 0 {
		if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
			return err
		}
	} else {
		_ = os.Remove(w.backupName(w.maxBackups))
		for i := w.maxBackups - 1; i >= 1; i-- {
			src := w.backupName(i)
			if _, err := os.Stat(src); err == nil {
				if err := os.Rename(src, w.backupName(i+1)); err != nil {
					return err
				}
			}
		}
		if err := os.Rename(current, w.backupName(1)); err != nil {
			return err
		}
	}

	return w.openDay(w.day)
}
