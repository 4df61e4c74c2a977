package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"railgnss/internal/console"
	"railgnss/internal/gnss"
	"railgnss/internal/mt3333"
	"railgnss/internal/tracklog"
)

// ModuleState reports the command-protocol state.
type ModuleState interface {
	State() mt3333.State
}

type TrackReader interface {
	Entries(limit int) ([]tracklog.Entry, error)
	Stats() tracklog.Stats
}

// Deps are the pieces the HTTP surface reads. Only Status and GNSS are
// required.
type Deps struct {
	Status   *Status
	GNSS     *gnss.Service
	Module   ModuleState
	Console  *console.Console
	Settings Settings
	Logs     *LogBuffer
	Feed     *Broadcaster
	Track    TrackReader
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func getOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func Handler(d Deps) http.Handler {
	if d.Status == nil {
		d.Status = NewStatus()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !getOnly(w, r) {
			return
		}
		snap := d.Status.Snapshot(time.Now().UTC())
		if d.GNSS != nil {
			st := d.GNSS.Stats()
			snap.GNSS = &st
			snap.Baud = d.GNSS.Transport().Baud()
		}
		if d.Module != nil {
			snap.ModuleState = d.Module.State().String()
		}
		writeJSON(w, snap)
	})

	mux.HandleFunc("/api/gnss", func(w http.ResponseWriter, r *http.Request) {
		if !getOnly(w, r) {
			return
		}
		if d.GNSS == nil {
			http.Error(w, "gnss unavailable", http.StatusNotFound)
			return
		}
		snap, err := d.GNSS.Snapshot()
		if err != nil {
			// Status semaphore timed out.
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, snap)
	})

	if d.Feed != nil {
		mux.HandleFunc("/api/gnss/ws", snapshotStream(d.Feed))
	}

	mux.HandleFunc("/api/console", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if d.Console == nil {
			http.Error(w, "console unavailable", http.StatusNotFound)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 4096)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusBadRequest)
			return
		}
		line := strings.TrimSpace(string(body))
		if line == "" || strings.ContainsAny(line, "\r\n") {
			http.Error(w, "body must be a single command line", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		var out bytes.Buffer
		err = d.Console.Exec(ctx, line, &out)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if err != nil {
			var ue *console.UsageError
			code := http.StatusBadGateway
			if errors.As(err, &ue) || errors.Is(err, console.ErrUnknownCommand) {
				code = http.StatusBadRequest
			}
			w.WriteHeader(code)
			_, _ = out.WriteTo(w)
			_, _ = fmt.Fprintf(w, "error: %v\n", err)
			return
		}
		_, _ = out.WriteTo(w)
	})

	mux.Handle("/api/settings", d.Settings.Handler())

	if d.Logs != nil {
		mux.Handle("/api/logs", d.Logs.Handler())
	}

	mux.HandleFunc("/api/tracklog", func(w http.ResponseWriter, r *http.Request) {
		if !getOnly(w, r) {
			return
		}
		if d.Track == nil {
			http.Error(w, "track log disabled", http.StatusNotFound)
			return
		}
		limit := 100
		if s := strings.TrimSpace(r.URL.Query().Get("limit")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > 10000 {
				http.Error(w, "limit must be an integer in [1,10000]", http.StatusBadRequest)
				return
			}
			limit = v
		}
		entries, err := d.Track.Entries(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, struct {
			Stats   tracklog.Stats   `json:"stats"`
			Entries []tracklog.Entry `json:"entries"`
		}{Stats: d.Track.Stats(), Entries: entries})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !getOnly(w, r) {
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		snap := d.Status.Snapshot(time.Now().UTC())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>railgnss</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>railgnss</h1>")
		_, _ = fmt.Fprintf(w, "<p><a href=\"/api/gnss\">/api/gnss</a> <a href=\"/api/status\">/api/status</a> <a href=\"/api/logs?format=text\">/api/logs</a></p>")
		_, _ = fmt.Fprintf(w, "<pre>device=%s\ndriver=%s\nuptime_sec=%d</pre>", snap.Device, snap.Driver, snap.UptimeSec)
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

func Serve(ctx context.Context, listenAddr string, d Deps) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
