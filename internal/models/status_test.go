package models

import "testing"

func TestAdvance(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{"", StatusSending, true},
		{StatusSending, StatusSent, true},
		{StatusSent, StatusDelivered, true},
		{StatusDelivered, StatusRead, true},
		{StatusSending, StatusRead, true},
		{StatusRead, StatusSent, false},
		{StatusDelivered, StatusSending, false},
		{StatusRead, StatusRead, false},
		{StatusSending, StatusFailed, true},
		{StatusSent, StatusFailed, true},
		{StatusDelivered, StatusFailed, false},
		{StatusFailed, StatusSending, false},
		{StatusFailed, StatusRead, false},
		{StatusSent, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := Advance(tt.from, tt.to); got != tt.want {
				t.Errorf("Advance(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestMax(t *testing.T) {
	if got := Max(StatusSent, StatusRead); got != StatusRead {
		t.Errorf("Max(sent, read) = %s", got)
	}
	if got := Max(StatusRead, StatusSent); got != StatusRead {
		t.Errorf("Max(read, sent) = %s", got)
	}
	if got := Max(StatusFailed, StatusSent); got != StatusSent {
		t.Errorf("Max(failed, sent) = %s", got)
	}
	if got := Max(StatusSending, ""); got != StatusSending {
		t.Errorf("Max(sending, '') = %s", got)
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"seen":      StatusRead,
		"read":      StatusRead,
		"delivered": StatusDelivered,
		"pending":   StatusSending,
		"bogus":     "",
	}
	for in, want := range cases {
		if got := ParseStatus(in); got != want {
			t.Errorf("ParseStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMessageCloneIsolatesMetadata(t *testing.T) {
	m := &Message{ID: "m1"}
	m.SetMeta(MetaQueued, true)
	c := m.Clone()
	c.SetMeta(MetaQueued, false)
	if !m.MetaBool(MetaQueued) {
		t.Error("clone mutation leaked into original metadata")
	}
}
