package gnss

import (
	"time"

	"railgnss/internal/callback"
	"railgnss/internal/nmea"
)

// EventKind selects a callback table row.
type EventKind uint8

const (
	EventNewFix EventKind = iota
	EventFirstFix
	EventFirstAccurateFix
	EventProprietary
	EventBinary

	numEvents
)

func (k EventKind) String() string {
	switch k {
	case EventNewFix:
		return "new_fix"
	case EventFirstFix:
		return "first_fix"
	case EventFirstAccurateFix:
		return "first_accurate_fix"
	case EventProprietary:
		return "proprietary"
	case EventBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Event is passed to callbacks. Fix events carry a status snapshot taken when
// the event fired. Binary.Data aliases the frame buffer and is only valid for
// the duration of the callback.
type Event struct {
	Kind        EventKind
	Time        time.Time
	Snapshot    Snapshot
	Proprietary nmea.Proprietary
	Binary      nmea.Packet
}

// Registry is the event callback table.
type Registry = callback.Registry[EventKind, Event]

func NewRegistry() *Registry {
	return callback.NewRegistry[EventKind, Event](int(numEvents))
}
