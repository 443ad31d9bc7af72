package relay

// Status represents the lifecycle state of an outbox record.
type Status int16

const (
	// StatusPending indicates the record is waiting to be claimed.
	StatusPending Status = 0
	// StatusClaimed indicates the record is held by a relay instance.
	StatusClaimed Status = 1
	// StatusPublished indicates the broker confirmed the record.
	StatusPublished Status = 2
	// StatusFailed indicates the record failed permanently and awaits an operator.
	StatusFailed Status = -1
)

// String returns the upper-case status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusClaimed:
		return "CLAIMED"
	case StatusPublished:
		return "PUBLISHED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusFailed
}
