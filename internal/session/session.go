// Package session persists per-task markdown session files, the per-day
// memory log, and the capped screenshot store.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openpocket/openpocket/internal/action"
	"github.com/openpocket/openpocket/internal/paths"
)

// Writer owns the session/memory/screenshot file surface for one runtime.
type Writer struct {
	roots    paths.Roots
	maxShots int

	mu sync.Mutex // serializes appends per process; files are single-writer
}

// NewWriter creates a Writer. maxShots caps the screenshot store.
func NewWriter(roots paths.Roots, maxShots int) *Writer {
	if maxShots < 20 {
		maxShots = 20
	}
	return &Writer{roots: roots, maxShots: maxShots}
}

// Session is one open per-task markdown log.
type Session struct {
	ID   string
	Path string
	w    *Writer
}

// StepEntry is one appended loop step.
type StepEntry struct {
	Index          int
	Thought        string
	Action         action.Action
	Message        string
	ScreenshotPath string
	ScaledSize     [2]int
	DeviceSize     [2]int
	ExecutedAt     time.Time
}

// Open creates the session file with its header and returns the Session.
// The filename embeds the start instant so sessions sort chronologically.
func (w *Writer) Open(taskID, taskText, modelName string, startedAt time.Time) (*Session, error) {
	id := fmt.Sprintf("%s-%s", startedAt.UTC().Format("20060102-150405"), taskID)
	path := filepath.Join(w.roots.SessionsDir(), id+".md")

	header := fmt.Sprintf("# Session %s\n\n- Task: %s\n- Model: %s\n- Started: %s\n\n",
		id, strings.TrimSpace(taskText), modelName, startedAt.UTC().Format(time.RFC3339))
	if err := appendAtomic(path, header); err != nil {
		return nil, err
	}
	return &Session{ID: id, Path: path, w: w}, nil
}

// AppendStep appends one step entry. Entries are gapless and 1-based; the
// caller owns index assignment.
func (s *Session) AppendStep(e StepEntry) error {
	var b strings.Builder
	fmt.Fprintf(&b, "## Step %d\n\n", e.Index)
	if e.Thought != "" {
		fmt.Fprintf(&b, "Thought: %s\n\n", strings.TrimSpace(e.Thought))
	}
	fmt.Fprintf(&b, "Action: `%s`\n\n", e.Action.JSON())
	if e.Message != "" {
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(e.Message))
	}
	if e.ScreenshotPath != "" {
		fmt.Fprintf(&b, "![step-%d](%s)\n\n", e.Index, e.ScreenshotPath)
	}
	fmt.Fprintf(&b, "Screen: scaled %dx%d, device %dx%d. Executed at %s.\n\n",
		e.ScaledSize[0], e.ScaledSize[1], e.DeviceSize[0], e.DeviceSize[1],
		e.ExecutedAt.UTC().Format(time.RFC3339))

	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	return appendAtomic(s.Path, b.String())
}

// AppendNote records an out-of-band marker line, such as the heartbeat's
// stuck-task warning. Safe to call concurrently with step appends.
func (s *Session) AppendNote(note string) error {
	entry := fmt.Sprintf("> %s (%s)\n\n",
		strings.TrimSpace(note), time.Now().UTC().Format(time.RFC3339))
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	return appendAtomic(s.Path, entry)
}

// AppendTerminal records the final state line of the session.
func (s *Session) AppendTerminal(state, message string) error {
	entry := fmt.Sprintf("## Result\n\n- State: %s\n- %s\n- Ended: %s\n",
		state, strings.TrimSpace(message), time.Now().UTC().Format(time.RFC3339))
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	return appendAtomic(s.Path, entry)
}

// AppendMemory adds a one-paragraph summary to the UTC-dated memory file.
func (w *Writer) AppendMemory(day time.Time, paragraph string) error {
	path := filepath.Join(w.roots.MemoryDir(), day.UTC().Format("2006-01-02")+".md")
	entry := fmt.Sprintf("- %s %s\n", time.Now().UTC().Format("15:04:05"), strings.TrimSpace(paragraph))
	w.mu.Lock()
	defer w.mu.Unlock()
	return appendAtomic(path, entry)
}

// SaveScreenshot writes the PNG under the per-session directory and evicts
// the oldest screenshots when the store exceeds the cap.
func (w *Writer) SaveScreenshot(sessionID string, step int, png []byte) (string, error) {
	dir := w.roots.ScreenshotDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("step-%d.png", step))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", err
	}
	w.evictScreenshots()
	return path, nil
}

type shotFile struct {
	path string
	mod  time.Time
}

// evictScreenshots removes oldest files until the store is within maxShots.
func (w *Writer) evictScreenshots() {
	root := filepath.Join(w.roots.State, "screenshots")
	var shots []shotFile
	_ = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(p, ".png") {
			shots = append(shots, shotFile{path: p, mod: info.ModTime()})
		}
		return nil
	})
	if len(shots) <= w.maxShots {
		return
	}
	sort.Slice(shots, func(i, j int) bool { return shots[i].mod.Before(shots[j].mod) })
	for _, s := range shots[:len(shots)-w.maxShots] {
		_ = os.Remove(s.path)
	}
}

// appendAtomic appends the entry with a single write syscall on an O_APPEND
// descriptor, which keeps concurrent readers from observing partial entries.
func appendAtomic(path string, entry string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(entry)
	return err
}
