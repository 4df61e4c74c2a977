package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"railgnss/internal/gnss"
)

type SettingsPayload struct {
	HDOPThreshold float64 `json:"hdop_threshold"`
}

// SettingsPayloadIn is the strict POST schema. Every field is required.
type SettingsPayloadIn struct {
	HDOPThreshold *float64 `json:"hdop_threshold"`
}

var settingsPostKeys = []string{
	"hdop_threshold",
}

func decodeSettingsPayloadInStrict(body []byte) (SettingsPayloadIn, error) {
	dec := json.NewDecoder(bytes.NewReader(body))

	// First pass: enforce object shape and reject duplicate keys.
	allowed := make(map[string]struct{}, len(settingsPostKeys))
	for _, k := range settingsPostKeys {
		allowed[k] = struct{}{}
	}
	seen := make(map[string]struct{}, len(settingsPostKeys))

	tok, err := dec.Token()
	if err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return SettingsPayloadIn{}, errors.New("invalid json: expected object")
	}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return SettingsPayloadIn{}, errors.New("invalid json: expected string key")
		}
		if _, ok := allowed[key]; !ok {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: unknown key %q", key)
		}
		if _, dup := seen[key]; dup {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: duplicate key %q", key)
		}
		seen[key] = struct{}{}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
		}
		if strings.TrimSpace(string(raw)) == "null" {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %q cannot be null", key)
		}
	}
	end, err := dec.Token()
	if err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	if delim, ok := end.(json.Delim); !ok || delim != '}' {
		return SettingsPayloadIn{}, errors.New("invalid json: expected end of object")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return SettingsPayloadIn{}, errors.New("invalid json: trailing data")
	}
	for _, k := range settingsPostKeys {
		if _, ok := seen[k]; !ok {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: missing required key %q", k)
		}
	}

	// Second pass: typed decode.
	var out SettingsPayloadIn
	dec2 := json.NewDecoder(bytes.NewReader(body))
	dec2.DisallowUnknownFields()
	if err := dec2.Decode(&out); err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	return out, nil
}

// HDOPStore persists the threshold across restarts.
type HDOPStore interface {
	SaveHDOPThreshold(v float64) error
}

// Settings serves /api/settings over the live GNSS status. Store may be nil.
type Settings struct {
	Status *gnss.Status
	Store  HDOPStore
}

func (s Settings) current() (SettingsPayload, error) {
	v, err := s.Status.HDOPThreshold()
	if err != nil {
		return SettingsPayload{}, err
	}
	return SettingsPayload{HDOPThreshold: v}, nil
}

func (s Settings) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Status == nil {
			http.Error(w, "settings not available", http.StatusNotImplemented)
			return
		}
		switch r.Method {
		case http.MethodGet:
			p, err := s.current()
			if err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			writeJSON(w, p)

		case http.MethodPost:
			if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "application/json" {
				http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusBadRequest)
				return
			}
			p, err := decodeSettingsPayloadInStrict(body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			v := *p.HDOPThreshold
			if v <= 0 || v > 50 {
				http.Error(w, "invalid settings: hdop_threshold must be in (0,50]", http.StatusBadRequest)
				return
			}
			old, err := s.current()
			if err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			if err := s.Status.SetHDOPThreshold(v); err != nil {
				http.Error(w, fmt.Sprintf("apply failed: %v", err), http.StatusServiceUnavailable)
				return
			}
			if s.Store != nil {
				if err := s.Store.SaveHDOPThreshold(v); err != nil {
					// Keep runtime consistent with disk.
					_ = s.Status.SetHDOPThreshold(old.HDOPThreshold)
					http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
					return
				}
			}
			writeJSON(w, SettingsPayload{HDOPThreshold: v})

		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}
