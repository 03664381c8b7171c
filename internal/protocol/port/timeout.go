package port

import "time"

type timeoutKind uint8

const (
	kindIndefinite timeoutKind = iota
	kindNone
	kindRelative
	kindAbsolute
)

// Timeout bounds a Push or Pop. The zero value blocks indefinitely.
type Timeout struct {
	kind timeoutKind
	rel  time.Duration
	abs  time.Time
}

var (
	Indefinite = Timeout{}
	NoWait     = Timeout{kind: kindNone}
)

// After is relative to the moment the blocking call starts. A non-positive
// duration never blocks.
func After(d time.Duration) Timeout {
	if d <= 0 {
		return NoWait
	}
	return Timeout{kind: kindRelative, rel: d}
}

// Until is an absolute deadline, used to chain waits without re-reading the
// clock.
func Until(t time.Time) Timeout {
	return Timeout{kind: kindAbsolute, abs: t}
}

func (t Timeout) IsIndefinite() bool {
	return t.kind == kindIndefinite
}

func (t Timeout) IsNone() bool {
	return t.kind == kindNone
}

// Deadline resolves the timeout against now. ok is false for Indefinite.
func (t Timeout) Deadline(now time.Time) (time.Time, bool) {
	switch t.kind {
	case kindNone:
		return now, true
	case kindRelative:
		return now.Add(t.rel), true
	case kindAbsolute:
		return t.abs, true
	default:
		return time.Time{}, false
	}
}

func (t Timeout) String() string {
	switch t.kind {
	case kindNone:
		return "none"
	case kindRelative:
		return t.rel.String()
	case kindAbsolute:
		return "until " + t.abs.Format(time.RFC3339Nano)
	default:
		return "indefinite"
	}
}
