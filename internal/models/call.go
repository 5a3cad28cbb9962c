package models

// SignalKind is a call signaling verb.
type SignalKind string

const (
	SignalInvite SignalKind = "invite"
	SignalAccept SignalKind = "accept"
	SignalReject SignalKind = "reject"
	SignalCancel SignalKind = "cancel"
	SignalEnd    SignalKind = "end"
)

// Valid reports whether k is a known signal.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalInvite, SignalAccept, SignalReject, SignalCancel, SignalEnd:
		return true
	}
	return false
}

// CallSignal is a call signaling event carried inside a chat message.
type CallSignal struct {
	CallID    string
	ChatID    string
	SenderID  string
	MessageID string
	Kind      SignalKind
	Media     string // audio or video
}
