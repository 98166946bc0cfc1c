package logging

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// ringSize bounds the number of recent lines kept in memory for the
// get_logs command.
const ringSize = 200

// StorageHook mirrors log entries to a file on removable storage and keeps a
// bounded ring of recent lines. The hook can be suspended while the storage
// device is needed exclusively by a firmware download.
type StorageHook struct {
	path      string
	file      *os.File
	suspended bool
	ring      []string
	next      int
	filled    bool
	mu        sync.Mutex
}

// New constructs the process logger with a storage hook attached. The hook is
// returned alongside the logger so the OTA path can suspend it explicitly.
func New(logPath string) (*logrus.Logger, *StorageHook, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logger.SetOutput(os.Stdout)

	hook := &StorageHook{
		path: logPath,
		ring: make([]string, ringSize),
	}
	if err := hook.open(); err != nil {
		// Storage may not be mounted yet; keep logging to stdout and the
		// ring, the hook reopens on resume.
		logger.WithError(err).Warn("log file unavailable, storage hook starts suspended")
		hook.suspended = true
	}
	logger.AddHook(hook)

	return logger, hook, nil
}

func (h *StorageHook) open() error {
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	h.file = f
	return nil
}

// Levels implements logrus.Hook.
func (h *StorageHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook. It appends the formatted line to the ring
// unconditionally and to the storage file unless suspended.
func (h *StorageHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring[h.next] = line
	h.next = (h.next + 1) % ringSize
	if h.next == 0 {
		h.filled = true
	}

	if h.suspended || h.file == nil {
		return nil
	}
	if _, err := h.file.WriteString(line); err != nil {
		return err
	}
	return nil
}

// Suspend flushes and closes the storage file so the download path can remount
// the card without contention. Entries keep flowing to stdout and the ring.
func (h *StorageHook) Suspend() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.suspended {
		return nil
	}
	h.suspended = true
	if h.file != nil {
		if err := h.file.Sync(); err != nil {
			h.file.Close()
			h.file = nil
			return fmt.Errorf("failed to flush log file: %w", err)
		}
		err := h.file.Close()
		h.file = nil
		if err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
	}
	return nil
}

// Resume reopens the storage file after a suspended period.
func (h *StorageHook) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.suspended {
		return nil
	}
	if err := h.open(); err != nil {
		return err
	}
	h.suspended = false
	return nil
}

// Recent returns the buffered log lines, oldest first.
func (h *StorageHook) Recent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []string
	if h.filled {
		out = make([]string, 0, ringSize)
		for i := 0; i < ringSize; i++ {
			out = append(out, h.ring[(h.next+i)%ringSize])
		}
	} else {
		out = make([]string, 0, h.next)
		out = append(out, h.ring[:h.next]...)
	}
	return out
}

// Close shuts the hook down at process exit.
func (h *StorageHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}
