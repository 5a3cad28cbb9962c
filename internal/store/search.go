package store

import (
	"strings"
	"unicode/utf8"
)

// SearchMessages finds messages whose body contains query, case-insensitively,
// newest first. chatID narrows the search to one chat.
func (db *DB) SearchMessages(query string, chatID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	q := `
		SELECT id, chat_id, msg_id, temp_id, sender_id, body, message_type, status, reply_to, edited, file_url, timestamp
		FROM messages
		WHERE body LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if chatID != "" {
		q += " AND chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Message: m, Snippet: snippet(m.Body, query, 32)})
	}
	return results, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet returns up to width runes either side of the first match, with the
// match wrapped in << >>.
func snippet(body, query string, width int) string {
	i := strings.Index(strings.ToLower(body), strings.ToLower(query))
	if i < 0 || len(strings.ToLower(body)) != len(body) || len(strings.ToLower(query)) != len(query) {
		return truncate(body, 2*width)
	}
	start, end := i, i+len(query)
	lo := start
	for n := 0; n < width && lo > 0; n++ {
		_, size := utf8.DecodeLastRuneInString(body[:lo])
		lo -= size
	}
	hi := end
	for n := 0; n < width && hi < len(body); n++ {
		_, size := utf8.DecodeRuneInString(body[hi:])
		hi += size
	}
	var b strings.Builder
	if lo > 0 {
		b.WriteString("...")
	}
	b.WriteString(body[lo:start])
	b.WriteString("<<")
	b.WriteString(body[start:end])
	b.WriteString(">>")
	b.WriteString(body[end:hi])
	if hi < len(body) {
		b.WriteString("...")
	}
	return b.String()
}
