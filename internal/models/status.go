package models

// Status is the delivery state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders the forward path. failed has no rank.
var rank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// ParseStatus maps wire spellings onto a Status. Unknown values return "".
func ParseStatus(s string) Status {
	switch s {
	case "sending", "pending":
		return StatusSending
	case "sent":
		return StatusSent
	case "delivered":
		return StatusDelivered
	case "read", "seen":
		return StatusRead
	case "failed", "error":
		return StatusFailed
	}
	return ""
}

// Advance reports whether a message may move from one status to another.
// Moves along sending → sent → delivered → read are forward only; failed is
// entered from sending or sent and is left only through an explicit retry,
// which is not a status update and is handled by the caller.
func Advance(from, to Status) bool {
	if to == "" || from == to {
		return false
	}
	if from == "" {
		return true
	}
	if to == StatusFailed {
		return from == StatusSending || from == StatusSent
	}
	if from == StatusFailed {
		return false
	}
	return rank[to] > rank[from]
}

// Max returns the further of two forward statuses. failed loses to any forward status.
func Max(a, b Status) Status {
	if a == StatusFailed || a == "" {
		return b
	}
	if b == StatusFailed || b == "" {
		return a
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
