package telemetry

import (
	"strings"
	"sync"
)

// DefaultRingSize is the dashboard log buffer depth.
const DefaultRingSize = 2000

// Ring is a fixed-capacity line buffer. It implements io.Writer so it can sit
// behind the slog handler, splitting writes on newlines. Subscribers receive
// new lines on buffered channels; slow subscribers miss lines rather than
// block the logger.
type Ring struct {
	mu    sync.Mutex
	lines []string
	cap   int
	next  int
	full  bool

	subs   map[int]chan string
	nextID int
}

// NewRing creates a ring buffer with the given capacity (<=0 uses the
// default).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &Ring{
		lines: make([]string, capacity),
		cap:   capacity,
		subs:  map[int]chan string{},
	}
}

// Write splits p into lines and appends each.
func (r *Ring) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			r.Append(line)
		}
	}
	return len(p), nil
}

// Append adds one line, evicting the oldest when full.
func (r *Ring) Append(line string) {
	r.mu.Lock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
	subs := make([]chan string, 0, len(r.subs))
	for _, ch := range r.subs {
		subs = append(subs, ch)
	}
	r.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Tail returns up to n most recent lines, oldest first.
func (r *Ring) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.full {
		size = r.cap
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]string, 0, n)
	start := r.next - n
	if start < 0 {
		start += r.cap
	}
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(start+i)%r.cap])
	}
	return out
}

// Subscribe returns a channel of new lines and an unsubscribe func.
func (r *Ring) Subscribe() (<-chan string, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	ch := make(chan string, 64)
	r.subs[id] = ch
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
}
