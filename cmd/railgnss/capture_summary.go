package main

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"railgnss/internal/capture"
	"railgnss/internal/nmea"
)

type captureSummary struct {
	Segments    int
	Chunks      int
	Bytes       int
	Sentences   int
	BadChecksum int
	// Other counts lines that do not start with '$' (binary packets, noise).
	Other       int
	MaxDuration time.Duration
	Codes       map[string]int
}

// summarizeCapture scans the recorded byte stream line by line. It is
// best-effort: lines split across segments are counted as noise.
func summarizeCapture(records []capture.Record) captureSummary {
	s := captureSummary{Codes: map[string]int{}}
	if len(records) == 0 {
		return s
	}

	var (
		origin    time.Duration
		hasChunks bool
		segments  int
		pending   []byte
	)
	flush := func(line []byte) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			return
		}
		if line[0] != '$' {
			s.Other++
			return
		}
		body, err := nmea.Validate(line)
		if err != nil {
			s.BadChecksum++
			return
		}
		s.Sentences++
		s.Codes[sentenceCode(body)]++
	}

	for _, r := range records {
		if r.Data == nil {
			segments++
			origin = r.At
			if len(pending) > 0 {
				s.Other++
				pending = pending[:0]
			}
			continue
		}
		hasChunks = true
		s.Chunks++
		s.Bytes += len(r.Data)
		if at := r.At - origin; at > s.MaxDuration {
			s.MaxDuration = at
		}

		pending = append(pending, r.Data...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			flush(pending[:i])
			pending = pending[i+1:]
		}
	}
	if len(pending) > 0 {
		s.Other++
	}
	if segments == 0 && hasChunks {
		segments = 1
	}
	s.Segments = segments
	return s
}

// sentenceCode returns "GPRMC" style codes and the prefix of proprietary
// sentences ("PMTK001").
func sentenceCode(body []byte) string {
	code := string(body[1:])
	if i := strings.IndexByte(code, ','); i >= 0 {
		code = code[:i]
	}
	return code
}

func printCaptureSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	recs, err := capture.ReadFile(path)
	if err != nil {
		return err
	}

	s := summarizeCapture(recs)

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "chunks: %d\n", s.Chunks)
	fmt.Fprintf(w, "bytes: %d\n", s.Bytes)
	fmt.Fprintf(w, "sentences: %d\n", s.Sentences)
	fmt.Fprintf(w, "bad_checksum: %d\n", s.BadChecksum)
	fmt.Fprintf(w, "other_lines: %d\n", s.Other)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)

	codes := make([]string, 0, len(s.Codes))
	for k := range s.Codes {
		codes = append(codes, k)
	}
	sort.Strings(codes)
	fmt.Fprintf(w, "sentence_counts:\n")
	for _, k := range codes {
		fmt.Fprintf(w, "  %s: %d\n", k, s.Codes[k])
	}
	return nil
}
