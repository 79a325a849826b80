// Package transcript appends USER/ASSISTANT lines to a per-call,
// daily-partitioned text file, the way the ancestor media package
// partitioned WAV recordings by date.
package transcript

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Speaker identifies which side of the conversation produced a line.
type Speaker string

const (
	User      Speaker = "USER"
	Assistant Speaker = "ASSISTANT"
)

var nonDigitPlus = regexp.MustCompile(`[^0-9+]`)

// SanitizeCaller keeps only digits and '+' from identity, defaulting to
// "unknown" when that leaves nothing.
func SanitizeCaller(identity string) string {
	cleaned := nonDigitPlus.ReplaceAllString(identity, "")
	if cleaned == "" {
		return "unknown"
	}
	return cleaned
}

// Path builds the dated-partition transcript path for a call:
// baseDir/YYYY/MM/DD/conversation-<sanitizedCaller>-<callID>.txt
func Path(baseDir, callerIdentity, callID string, t time.Time) string {
	dir := filepath.Join(baseDir,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
	)
	name := fmt.Sprintf("conversation-%s-%s.txt", SanitizeCaller(callerIdentity), callID)
	return filepath.Join(dir, name)
}

// Sink appends lines to a single call's transcript file, creating parent
// directories on first write. Failures are logged and otherwise ignored;
// a broken transcript sink must never fail the call it's attached to.
type Sink struct {
	path   string
	logger *slog.Logger
}

// New returns a Sink that writes to path (typically transcript.Path's
// result). The file and its parent directories are created lazily on the
// first successful Append.
func New(path string, logger *slog.Logger) *Sink {
	return &Sink{path: path, logger: logger.With("subsystem", "transcript", "path", path)}
}

// Append writes one "ISO8601 SPEAKER: text" line. Blank/whitespace-only
// text is skipped silently. Errors are logged, not returned, since a
// transcript write failure must not tear down the call.
func (s *Sink) Append(speaker Speaker, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logger.Warn("failed to create transcript directory", "error", err)
		return
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Warn("failed to open transcript file", "error", err)
		return
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s: %s\n", time.Now().UTC().Format(time.RFC3339), speaker, text)
	if _, err := f.WriteString(line); err != nil {
		s.logger.Warn("failed to append transcript line", "error", err)
	}
}

// Path returns the file path this sink writes to, for the Mailer adapter.
func (s *Sink) Path() string { return s.path }
