package store

// Chat is a mirrored chat row.
type Chat struct {
	ID                 string
	Name               string
	Type               string
	ParticipantIDs     []string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// User is a mirrored user row.
type User struct {
	ID        string
	Name      string
	Email     string
	AvatarURL string
}

// Message is a mirrored message row. Timestamp is unix milliseconds.
type Message struct {
	ID          int64
	ChatID      string
	MsgID       string
	TempID      string
	SenderID    string
	Body        string
	MessageType string
	Status      string
	ReplyTo     string
	Edited      bool
	FileURL     string
	Timestamp   int64
}

// SearchResult holds a message with a snippet around the match.
type SearchResult struct {
	Message Message
	Snippet string
}
