package darwin

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxrt/srt/violation"
)

// defaultLogStreamCommand returns the log stream command filtered to the
// given session tag.
func defaultLogStreamCommand(sessionTag string) []string {
	return []string{
		"log", "stream",
		"--predicate", fmt.Sprintf("eventMessage ENDSWITH %q", sessionTag),
		"--style", "compact",
	}
}

// noiseProcesses lists system processes whose sandbox violations are
// considered noise and should be filtered out.
var noiseProcesses = []string{
	"mDNSResponder",
	"diagnosticd",
	"symptomsd",
	"syslogd",
	"logd",
	"opendirectoryd",
	"trustd",
	"securityd",
}

// nowFn is overridden in tests.
var nowFn = time.Now

// ViolationMonitor tails the macOS unified log for sandbox denials carrying
// one session's tag and records them into a violation.Recorder.
type ViolationMonitor struct {
	mu           sync.Mutex
	recorder     violation.Recorder
	logger       *slog.Logger
	sessionTag   string
	logStreamCmd []string // custom log stream command (for testing)
	cancel       context.CancelFunc
	done         chan struct{}
	recorded     atomic.Int64
}

// MonitorOption configures a ViolationMonitor.
type MonitorOption func(*ViolationMonitor)

// WithLogStreamCommand replaces the log stream command. Tests use it to
// feed canned log lines.
func WithLogStreamCommand(cmd []string) MonitorOption {
	return func(m *ViolationMonitor) {
		m.logStreamCmd = cmd
	}
}

// WithMonitorLogger sets the logger. The default discards.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *ViolationMonitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// SessionTag derives the log suffix for a session id. An empty id gets a
// fresh random one.
func SessionTag(sessionID string) string {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return "_" + strings.ReplaceAll(sessionID, "-", "") + "_SBX"
}

// NewViolationMonitor creates a monitor for sessionTag that records into
// rec.
func NewViolationMonitor(sessionTag string, rec violation.Recorder, opts ...MonitorOption) *ViolationMonitor {
	m := &ViolationMonitor{
		recorder:   rec,
		sessionTag: sessionTag,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SessionTag returns the suffix this monitor filters on.
func (m *ViolationMonitor) SessionTag() string {
	return m.sessionTag
}

// LogTag returns the message attached to denials of command. It encodes the
// command so the monitor can name the tool that was denied.
func (m *ViolationMonitor) LogTag(command string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(command))
	return fmt.Sprintf("CMD64_%s_END%s", encoded, m.sessionTag)
}

// Recorded returns how many violations the monitor has passed on.
func (m *ViolationMonitor) Recorded() int {
	return int(m.recorded.Load())
}

// Start spawns the log stream process and records denials until Stop is
// called or ctx is done.
func (m *ViolationMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return errors.New("monitor already started")
	}

	cmdArgs := m.logStreamCmd
	if len(cmdArgs) == 0 {
		cmdArgs = defaultLogStreamCommand(m.sessionTag)
	}
	if len(cmdArgs) < 2 {
		return errors.New("invalid log stream command")
	}

	ctx, cancel := context.WithCancel(ctx)
	//nolint:gosec // command is controlled by monitor option or default
	cmd := exec.CommandContext(ctx, cmdArgs[0], cmdArgs[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("starting log stream: %w", err)
	}
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			m.handleLine(scanner.Text())
		}
		// Cancellation is the normal way out.
		_ = cmd.Wait()
	}(m.done)

	m.logger.Debug("violation monitor started", "tag", m.sessionTag)
	return nil
}

// Stop terminates the log stream and waits for buffered lines to be
// recorded.
func (m *ViolationMonitor) Stop() error {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return errors.New("monitor not started")
	}
	cancel()
	<-done
	return nil
}

func (m *ViolationMonitor) handleLine(line string) {
	ev := parseLine(line)
	if ev == nil {
		return
	}
	if m.recorder == nil {
		return
	}
	if m.recorder.Record(ev.violation()) {
		m.recorded.Add(1)
	}
}

// logEvent is one parsed denial.
type logEvent struct {
	Operation string // e.g. "file-write-create", "network-outbound"
	Target    string // path or address
	Command   string // the command that caused the violation
	RawLine   string
}

// violation converts e to a store record.
func (e *logEvent) violation() violation.Violation {
	tool := e.Command
	if fields := strings.Fields(tool); len(fields) > 0 {
		tool = filepath.Base(fields[0])
	}
	return violation.Violation{
		Kind:   kindForOperation(e.Operation, e.Target),
		Target: e.Target,
		Tool:   tool,
		Detail: strings.TrimSpace(e.Operation + " " + e.Target),
		Raw:    e.RawLine,
		Time:   nowFn(),
	}
}

// kindForOperation maps an SBPL operation name onto a violation kind.
func kindForOperation(op, target string) violation.Kind {
	switch {
	case strings.HasPrefix(op, "file-read"):
		return violation.KindFileRead
	case strings.HasPrefix(op, "file-write"):
		return violation.KindFileWrite
	case strings.HasPrefix(op, "network"):
		if strings.HasPrefix(target, "/") {
			return violation.KindUnixSocket
		}
		return violation.KindNetwork
	default:
		return violation.KindOther
	}
}

// parseLine parses a log stream line. It returns nil when the line is not a
// sandbox denial.
func parseLine(line string) *logEvent {
	if !strings.Contains(line, "deny") {
		return nil
	}
	for _, proc := range noiseProcesses {
		if strings.Contains(line, proc) {
			return nil
		}
	}

	ev := &logEvent{RawLine: line}
	var rest string
	ev.Operation, rest = extractOperation(line)
	ev.Target = extractPath(rest)
	if ev.Target == "" {
		ev.Target = firstToken(rest)
	}
	ev.Command = extractCommand(line)
	return ev
}

// extractOperation returns the operation and the text after it. It accepts
// "deny(1) file-write-data /p", "deny(file-write-data) /p" and
// "deny file-write-data /p".
func extractOperation(line string) (op, rest string) {
	if idx := strings.Index(line, "deny("); idx >= 0 {
		start := idx + len("deny(")
		if end := strings.Index(line[start:], ")"); end > 0 {
			inner := line[start : start+end]
			after := line[start+end+1:]
			if !isDigits(inner) {
				return inner, after
			}
			// Newer releases log a count in the parens.
			tok := firstToken(after)
			return tok, strings.TrimPrefix(strings.TrimSpace(after), tok)
		}
	}

	if idx := strings.Index(line, "deny "); idx >= 0 {
		after := line[idx+len("deny "):]
		tok := firstToken(after)
		return tok, strings.TrimPrefix(strings.TrimSpace(after), tok)
	}
	return "", line
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// firstToken returns the first whitespace-delimited token of s, excluding
// log tags.
func firstToken(s string) string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ',' || r == ';' || r == ')'
	})
	if len(fields) == 0 || strings.HasPrefix(fields[0], "CMD64_") {
		return ""
	}
	return fields[0]
}

// extractPath returns the first absolute path in s.
func extractPath(s string) string {
	idx := 0
	for idx < len(s) {
		slashIdx := strings.Index(s[idx:], "/")
		if slashIdx < 0 {
			break
		}
		pos := idx + slashIdx

		// Must start a token.
		if pos > 0 {
			prev := s[pos-1]
			if prev != ' ' && prev != '(' && prev != '\t' && prev != '"' {
				idx = pos + 1
				continue
			}
		}

		end := strings.IndexAny(s[pos:], " \t)\"',;")
		if end > 0 {
			return s[pos : pos+end]
		}
		return s[pos:]
	}
	return ""
}

// extractCommand returns the command encoded by LogTag, or the process
// name of the compact log format ("TIMESTAMP Tt PROCESS[PID] ...").
func extractCommand(line string) string {
	const cmd64Prefix = "CMD64_"
	// The session tag that follows never contains this separator.
	const cmd64Sep = "_END_"
	if idx := strings.Index(line, cmd64Prefix); idx >= 0 {
		rest := line[idx+len(cmd64Prefix):]
		if endIdx := strings.LastIndex(rest, cmd64Sep); endIdx > 0 {
			if decoded, err := base64.RawURLEncoding.DecodeString(rest[:endIdx]); err == nil && len(decoded) > 0 {
				return string(decoded)
			}
		}
	}
	return extractProcessName(line)
}

// extractProcessName extracts the process name from a compact log line.
func extractProcessName(line string) string {
	if idx := strings.Index(line, "Sandbox: "); idx >= 0 {
		line = line[idx+len("Sandbox: "):]
	}
	for _, f := range strings.Fields(line) {
		if bracketIdx := strings.IndexAny(f, "[("); bracketIdx > 0 {
			name := f[:bracketIdx]
			if name[0] != '0' && name != "deny" {
				return name
			}
		}
	}
	return ""
}
