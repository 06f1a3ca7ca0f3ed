package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Direction marks whether a transcript entry was sent to or received from
// the remote shell.
type Direction string

const (
	DirectionInput  Direction = "in"
	DirectionOutput Direction = "out"
)

// TranscriptEntry is a single timestamped event in a transcript.
type TranscriptEntry struct {
	Time      time.Time `json:"time"`
	Direction Direction `json:"direction"`
	Data      string    `json:"data"`
}

// defaultRecentEntries is how many entries a transcript keeps in memory
// for failure reports.
const defaultRecentEntries = 200

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Transcript is an append-only per-host record of everything sent to and
// received from one remote shell. It is written by the single session that
// owns it. A nil *Transcript is valid and records nothing.
type Transcript struct {
	host      string
	sessionID string
	path      string

	logger *zap.Logger
	file   *os.File

	mu      sync.Mutex
	recent  []TranscriptEntry
	maxKeep int
	closed  bool
}

// OpenTranscript opens (appending) <dir>/<host>.log. An empty dir yields an
// in-memory transcript with no file behind it.
func OpenTranscript(dir, host, sessionID string) (*Transcript, error) {
	t := &Transcript{
		host:      host,
		sessionID: sessionID,
		maxKeep:   defaultRecentEntries,
		logger:    zap.NewNop(),
	}
	if dir == "" {
		return t, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory %s: %w", dir, err)
	}

	name := unsafeFileChars.ReplaceAllString(host, "_")
	if name == "" {
		name = "session"
	}
	path := filepath.Join(dir, name+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript %s: %w", path, err)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(f), zapcore.DebugLevel)

	t.file = f
	t.path = path
	t.logger = zap.New(core).With(zap.String("session", sessionID))
	return t, nil
}

// Path returns the transcript file path, or "" for in-memory transcripts.
func (t *Transcript) Path() string {
	if t == nil {
		return ""
	}
	return t.path
}

// RecordInput records data written to the remote shell.
func (t *Transcript) RecordInput(data []byte) {
	t.record(DirectionInput, data)
}

// RecordOutput records data read from the remote shell.
func (t *Transcript) RecordOutput(data []byte) {
	t.record(DirectionOutput, data)
}

// Note records a free-form annotation such as a state change.
func (t *Transcript) Note(format string, args ...interface{}) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.logger.Info("-- " + fmt.Sprintf(format, args...))
}

func (t *Transcript) record(dir Direction, data []byte) {
	if t == nil || len(data) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	entry := TranscriptEntry{Time: time.Now(), Direction: dir, Data: string(data)}
	t.recent = append(t.recent, entry)
	if len(t.recent) > t.maxKeep {
		t.recent = t.recent[len(t.recent)-t.maxKeep:]
	}

	marker := "<<"
	if dir == DirectionInput {
		marker = ">>"
	}
	text := strings.ReplaceAll(entry.Data, "\r", "")
	t.logger.Info(marker + " " + strings.TrimRight(text, "\n"))
}

// Entries returns a copy of the entries kept in memory, oldest first.
func (t *Transcript) Entries() []TranscriptEntry {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TranscriptEntry, len(t.recent))
	copy(out, t.recent)
	return out
}

// Close flushes and closes the transcript file. It is idempotent.
func (t *Transcript) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	_ = t.logger.Sync()
	if t.file != nil {
		return t.file.Close()
	}
	return nil
}
