package endpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogEntry is one line kept in the in-memory ring, independent of whatever
// made it to disk (spec §4.10).
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// LogManager tees every write it receives to a size-rotated file on disk and
// a bounded in-memory ring, the way the teacher's CommandStateMachine keeps a
// bounded logStore alongside its zerolog output. It records only what is
// written to it through Write/WriteLevel: the endpoint's own zerolog logger
// is not pointed at it, so the endpoint's log lines reach neither the file
// nor the ring.
type LogManager struct {
	dir      string
	baseName string
	maxBytes int64
	backups  int

	mu       sync.Mutex
	file     *os.File
	curBytes int64

	ring     []LogEntry
	ringSize int
	ringPos  int
	ringLen  int

	level zerolog.Level
}

// NewLogManager opens (creating if needed) the rotating log file under dir
// and prepares the bounded ring of ringSize entries.
func NewLogManager(dir string, maxBytes int64, backups, ringSize int) (*LogManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logmanager: create log dir: %w", err)
	}
	lm := &LogManager{
		dir:      dir,
		baseName: "endpoint.log",
		maxBytes: maxBytes,
		backups:  backups,
		ring:     make([]LogEntry, ringSize),
		ringSize: ringSize,
		level:    zerolog.InfoLevel,
	}
	if err := lm.openCurrent(); err != nil {
		return nil, err
	}
	return lm, nil
}

func (lm *LogManager) path() string {
	return filepath.Join(lm.dir, lm.baseName)
}

func (lm *LogManager) openCurrent() error {
	f, err := os.OpenFile(lm.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("logmanager: open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("logmanager: stat log file: %w", err)
	}
	lm.file = f
	lm.curBytes = info.Size()
	return nil
}

// WriteLevel implements zerolog.LevelWriter: every event is teed to the
// rotating file and the in-memory ring.
func (lm *LogManager) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.appendRing(level, p)

	if lm.maxBytes > 0 && lm.curBytes+int64(len(p)) > lm.maxBytes {
		if err := lm.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := lm.file.Write(p)
	lm.curBytes += int64(n)
	return n, err
}

// Write satisfies io.Writer for callers that don't care about level.
func (lm *LogManager) Write(p []byte) (int, error) {
	return lm.WriteLevel(zerolog.NoLevel, p)
}

func (lm *LogManager) appendRing(level zerolog.Level, p []byte) {
	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   string(p),
	}
	lm.ring[lm.ringPos] = entry
	lm.ringPos = (lm.ringPos + 1) % lm.ringSize
	if lm.ringLen < lm.ringSize {
		lm.ringLen++
	}
}

// rotateLocked renames the current file through the numbered backup chain
// (endpoint.log.1 .. endpoint.log.N) and opens a fresh one. Caller holds mu.
func (lm *LogManager) rotateLocked() error {
	_ = lm.file.Close()

	_ = os.Remove(lm.backupPath(lm.backups))
	for i := lm.backups - 1; i >= 1; i-- {
		src := lm.backupPath(i)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, lm.backupPath(i+1))
		}
	}
	if err := os.Rename(lm.path(), lm.backupPath(1)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("logmanager: rotate: %w", err)
	}
	return lm.openCurrent()
}

func (lm *LogManager) backupPath(n int) string {
	return fmt.Sprintf("%s.%d", lm.path(), n)
}

// Recent returns up to limit of the most recently written entries, oldest
// first. limit<=0 returns everything currently held.
func (lm *LogManager) Recent(limit int) []LogEntry {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if limit <= 0 || limit > lm.ringLen {
		limit = lm.ringLen
	}
	oldest := 0
	if lm.ringLen == lm.ringSize {
		oldest = lm.ringPos
	}
	skip := lm.ringLen - limit
	out := make([]LogEntry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (oldest + skip + i) % lm.ringSize
		out = append(out, lm.ring[idx])
	}
	return out
}

// Stats summarizes the manager's current state for get_log_stats.
type LogStats struct {
	RingEntries  int    `json:"ring_entries"`
	RingCapacity int    `json:"ring_capacity"`
	FileBytes    int64  `json:"file_bytes"`
	FilePath     string `json:"file_path"`
	Level        string `json:"level"`
}

func (lm *LogManager) Stats() LogStats {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return LogStats{
		RingEntries:  lm.ringLen,
		RingCapacity: lm.ringSize,
		FileBytes:    lm.curBytes,
		FilePath:     lm.path(),
		Level:        lm.level.String(),
	}
}

// SetLevel updates the minimum level recorded, consulted by callers before
// logging rather than enforced here, matching zerolog's own convention.
func (lm *LogManager) SetLevel(level zerolog.Level) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.level = level
}

func (lm *LogManager) Level() zerolog.Level {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.level
}

// Close flushes and closes the underlying file.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.file.Close()
}
