package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/msageha/fleetguard/internal/model"
)

const (
	// DefaultMaxLogSize is the rotation threshold when none is configured (100MB).
	DefaultMaxLogSize = 100 * 1024 * 1024
	// LogFileExtension is the extension of audit log files.
	LogFileExtension = ".jsonl"
	// ArchiveDir is the directory rotated logs are moved into.
	ArchiveDir = "archive"
)

// LogEntry is one line of the audit log.
type LogEntry struct {
	model.AuditEntry
	Checksum string `json:"checksum,omitempty"`
}

// AuditLogger is an append-only JSONL audit sink with size-based rotation.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	enableChecksum  bool
	rotationCounter int
}

// NewAuditLogger opens (or creates) the log at logPath.
func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	logger := &AuditLogger{
		logPath:        logPath,
		maxSize:        maxSize,
		enableChecksum: true,
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := logger.openLogFile(); err != nil {
		return nil, err
	}
	return logger, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// AppendAudit writes e as one JSONL line. Missing ID and timestamp are filled in.
func (l *AuditLogger) AppendAudit(_ context.Context, e model.AuditEntry) error {
	if e.ID == "" {
		e.ID = model.NewID(model.IDTypeAudit)
	}
	if e.Ts.IsZero() {
		e.Ts = time.Now().UTC()
	}
	return l.WriteEntry(&LogEntry{AuditEntry: e})
}

// WriteEntry writes a structured log entry to the file.
func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit logger closed")
	}

	if l.enableChecksum {
		entry.Checksum = calculateChecksum(entry)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize > 0 && l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}

	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close current log file: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	l.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(l.logPath), LogFileExtension)
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		base,
		time.Now().Format("20060102_150405"),
		l.rotationCounter,
		LogFileExtension)

	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("failed to archive log file: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return fmt.Errorf("failed to open new log file: %w", err)
	}
	return nil
}

func calculateChecksum(entry *LogEntry) string {
	c := *entry
	c.Checksum = ""
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", simpleHash(data))
}

// simpleHash is djb2.
func simpleHash(data []byte) uint64 {
	var hash uint64 = 5381
	for _, b := range data {
		hash = ((hash << 5) + hash) + uint64(b)
	}
	return hash
}

// EnableChecksum toggles per-entry checksums. On by default.
func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

// VerifyLogIntegrity returns the total and valid entry counts of a log file.
// Entries without a checksum count as valid; malformed lines are skipped.
func VerifyLogIntegrity(logPath string) (int, int, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	total, valid := 0, 0
	for decoder.More() {
		var entry LogEntry
		if err := decoder.Decode(&entry); err != nil {
			break
		}
		total++
		if entry.Checksum == "" || entry.Checksum == calculateChecksum(&entry) {
			valid++
		}
	}
	return total, valid, nil
}

// Close flushes and closes the log file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// CurrentSize returns the size of the active log file.
func (l *AuditLogger) CurrentSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}
