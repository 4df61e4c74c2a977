package web

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func texts(lines []LogLine) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Text)
	}
	return out
}

func TestLogBuffer_JoinsPartialLinesAndCaps(t *testing.T) {
	b := NewLogBuffer(3)
	fmt.Fprint(b, "gnss enabled ")
	fmt.Fprint(b, "device=/dev/ttyS0\n")
	for i := 0; i < 4; i++ {
		fmt.Fprintf(b, "mt3333 line %d\n", i)
	}
	lines, dropped := b.Snapshot(LogQuery{Tail: 10})
	if len(lines) != 3 || dropped != 2 {
		t.Fatalf("lines=%v dropped=%d", texts(lines), dropped)
	}
	if lines[0].Text != "mt3333 line 1" || lines[2].Text != "mt3333 line 3" {
		t.Fatalf("lines=%v", texts(lines))
	}
}

func TestLogBuffer_PartialLineWaitsForNewline(t *testing.T) {
	b := NewLogBuffer(10)
	fmt.Fprint(b, "uart rx over")
	if lines, _ := b.Snapshot(LogQuery{}); len(lines) != 0 {
		t.Fatalf("lines=%v", texts(lines))
	}
	fmt.Fprint(b, "run\r\nweb listen=:8080\nconsole")
	lines, _ := b.Snapshot(LogQuery{})
	if got := texts(lines); len(got) != 2 || got[0] != "uart rx overrun" || got[1] != "web listen=:8080" {
		t.Fatalf("lines=%q", got)
	}
}

func TestLogBuffer_TagsComponent(t *testing.T) {
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	b := NewLogBuffer(10)
	b.now = func() time.Time { return at }

	l := log.New(b, "", log.LstdFlags|log.Lmicroseconds)
	l.Printf("mt3333 timeout cmd=PMTK605 expect=PMTK705")
	l.Printf("mt3333 startup: reset fix latches: closed")
	fmt.Fprint(b, "gnss first_fix lat=52.0 lon=5.0\n")
	fmt.Fprint(b, "shutdown: port closed\n")

	lines, _ := b.Snapshot(LogQuery{})
	want := []string{"mt3333", "mt3333", "gnss", ""}
	if len(lines) != len(want) {
		t.Fatalf("lines=%v", texts(lines))
	}
	for i, w := range want {
		if lines[i].Component != w {
			t.Fatalf("line %d %q component=%q want %q", i, lines[i].Text, lines[i].Component, w)
		}
		if !lines[i].At.Equal(at) {
			t.Fatalf("at=%v", lines[i].At)
		}
	}
	if !strings.HasSuffix(lines[0].Text, "mt3333 timeout cmd=PMTK605 expect=PMTK705") {
		t.Fatalf("text=%q", lines[0].Text)
	}
}

func TestLogBuffer_Query(t *testing.T) {
	b := NewLogBuffer(10)
	fmt.Fprint(b, "gnss enabled device=x\nmt3333 PMTK605 timeout\ngnss close mt3333\nmt3333 ignored response PMTK001\n")

	lines, _ := b.Snapshot(LogQuery{Tail: 1, Match: "mt3333"})
	if got := texts(lines); len(got) != 1 || got[0] != "mt3333 ignored response PMTK001" {
		t.Fatalf("lines=%v", got)
	}
	lines, _ = b.Snapshot(LogQuery{Match: "mt3333"})
	if len(lines) != 3 {
		t.Fatalf("lines=%v", texts(lines))
	}
	lines, _ = b.Snapshot(LogQuery{Component: "mt3333"})
	if got := texts(lines); len(got) != 2 || got[0] != "mt3333 PMTK605 timeout" {
		t.Fatalf("lines=%v", got)
	}
	lines, _ = b.Snapshot(LogQuery{Component: "gnss", Match: "close"})
	if got := texts(lines); len(got) != 1 || got[0] != "gnss close mt3333" {
		t.Fatalf("lines=%v", got)
	}
}

func TestLogBuffer_HandlerText(t *testing.T) {
	b := NewLogBuffer(10)
	fmt.Fprint(b, "one\ntwo\n")
	ts := httptest.NewServer(b.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "?format=text&tail=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "two\n" {
		t.Fatalf("body=%q", body)
	}

	for _, q := range []string{"?tail=0", "?component=ahrs"} {
		resp, err := http.Get(ts.URL + q)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s code=%d", q, resp.StatusCode)
		}
	}
}

func TestLogBuffer_HandlerComponent(t *testing.T) {
	b := NewLogBuffer(10)
	fmt.Fprint(b, "gnss enabled\nmt3333 up attempt=1\n")
	ts := httptest.NewServer(b.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "?component=mt3333")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var got LogsResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Lines) != 1 || got.Lines[0].Component != "mt3333" || got.Lines[0].Text != "mt3333 up attempt=1" {
		t.Fatalf("lines=%+v", got.Lines)
	}
}
