package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Components are the first words log lines start with ("mt3333 timeout ...").
var Components = []string{"gnss", "mt3333", "uart", "power", "capture", "tracklog", "web", "console", "railgnss"}

// maxPartial bounds a line that never sees its newline.
const maxPartial = 64 * 1024

// LogLine is one captured log record.
type LogLine struct {
	At        time.Time `json:"at"`
	Component string    `json:"component,omitempty"`
	Text      string    `json:"text"`
}

// LogQuery selects lines from a LogBuffer. Zero fields match everything.
type LogQuery struct {
	Tail      int
	Component string
	Match     string
}

// LogBuffer keeps the most recent log lines for the web UI. It is an
// io.Writer meant to sit behind log.SetOutput.
type LogBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []LogLine
	partial []byte
	dropped uint64

	now func() time.Time
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{max: maxLines, now: time.Now}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := p
	if len(b.partial) > 0 {
		data = append(b.partial, p...)
		b.partial = nil
	}
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.appendLocked(data[:i])
		data = data[i+1:]
	}
	if len(data) > maxPartial {
		b.appendLocked(data)
		data = nil
	}
	b.partial = append([]byte(nil), data...)
	return len(p), nil
}

func (b *LogBuffer) appendLocked(raw []byte) {
	text := strings.TrimRight(string(raw), "\r")
	if text == "" {
		return
	}
	b.lines = append(b.lines, LogLine{At: b.now().UTC(), Component: component(text), Text: text})
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = append(b.lines[:0:0], b.lines[over:]...)
		b.dropped += uint64(over)
	}
}

// component returns the subsystem a line was logged by, skipping the
// date and time the standard logger prefixes.
func component(text string) string {
	for _, w := range strings.Fields(text) {
		if isStamp(w) {
			continue
		}
		w = strings.TrimSuffix(w, ":")
		for _, c := range Components {
			if w == c {
				return c
			}
		}
		return ""
	}
	return ""
}

// isStamp matches "2026/10/19" and "12:00:00" or "12:00:00.000000".
func isStamp(w string) bool {
	if w == "" {
		return false
	}
	for _, r := range w {
		if (r < '0' || r > '9') && r != '/' && r != ':' && r != '.' {
			return false
		}
	}
	return strings.ContainsAny(w, "/:")
}

type LogsResponse struct {
	NowUTC  string    `json:"now_utc"`
	Dropped uint64    `json:"dropped"`
	Lines   []LogLine `json:"lines"`
}

// Snapshot returns the last q.Tail lines of q.Component that contain q.Match.
func (b *LogBuffer) Snapshot(q LogQuery) (lines []LogLine, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tail := q.Tail
	if tail <= 0 {
		tail = 200
	}
	for i := len(b.lines) - 1; i >= 0 && len(lines) < tail; i-- {
		l := b.lines[i]
		if q.Component != "" && l.Component != q.Component {
			continue
		}
		if q.Match != "" && !strings.Contains(l.Text, q.Match) {
			continue
		}
		lines = append(lines, l)
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, b.dropped
}

// Handler serves GET /api/logs?tail=N&component=mt3333&match=PMTK605&format=text.
func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		query := r.URL.Query()
		q := LogQuery{Tail: 200, Match: query.Get("match")}
		if s := strings.TrimSpace(query.Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > 5000 {
				http.Error(w, "tail must be an integer in [1,5000]", http.StatusBadRequest)
				return
			}
			q.Tail = v
		}
		if c := strings.TrimSpace(query.Get("component")); c != "" {
			if component(c) != c {
				http.Error(w, "unknown component "+strconv.Quote(c), http.StatusBadRequest)
				return
			}
			q.Component = c
		}

		lines, dropped := b.Snapshot(q)
		if lines == nil {
			lines = []LogLine{}
		}

		if strings.EqualFold(query.Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			if dropped > 0 {
				_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
			}
			for _, l := range lines {
				_, _ = fmt.Fprintln(w, l.Text)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(LogsResponse{
			NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
			Dropped: dropped,
			Lines:   lines,
		})
	})
}
