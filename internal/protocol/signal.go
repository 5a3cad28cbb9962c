package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/chatcore/internal/models"
)

type signalBody struct {
	CallID string            `json:"call_id"`
	Signal models.SignalKind `json:"signal"`
	Media  string            `json:"media,omitempty"`
}

// EncodeSignal renders call signaling as the content of a call-type message.
func EncodeSignal(callID string, kind models.SignalKind, media string) (string, error) {
	if callID == "" {
		return "", fmt.Errorf("encode signal: empty call id")
	}
	if !kind.Valid() {
		return "", fmt.Errorf("encode signal: unknown kind %q", kind)
	}
	b, err := json.Marshal(signalBody{CallID: callID, Signal: kind, Media: media})
	if err != nil {
		return "", fmt.Errorf("encode signal: %w", err)
	}
	return string(b), nil
}

// DecodeSignal extracts call signaling from a call-type message.
func DecodeSignal(m *models.Message) (models.CallSignal, bool) {
	if m == nil || m.Type != models.TypeCall {
		return models.CallSignal{}, false
	}
	var body signalBody
	if err := json.Unmarshal([]byte(m.Content), &body); err != nil {
		return models.CallSignal{}, false
	}
	if body.CallID == "" || !body.Signal.Valid() {
		return models.CallSignal{}, false
	}
	return models.CallSignal{
		CallID:    body.CallID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		MessageID: m.ID,
		Kind:      body.Signal,
		Media:     body.Media,
	}, true
}
