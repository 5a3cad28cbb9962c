package store

import (
	"path/filepath"
	"strings"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + users)", result.Version)
	}
}

func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert chat", "INSERT INTO chats (id, name, chat_type, participant_ids, unread_count, last_message_at, last_message_preview) VALUES (?, ?, ?, ?, ?, ?, ?)", []any{"42", "Test", "direct", "me,7", 0, 1000, "hi"}},
		{"insert message", "INSERT INTO messages (chat_id, msg_id, temp_id, sender_id, body, message_type, status, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", []any{"42", "m1", "", "7", "hello", "text", "sent", 1000}},
		{"insert user", "INSERT INTO users (id, name, email) VALUES (?, ?, ?)", []any{"7", "Alice", "a@example.com"}},
		{"set sync state", "INSERT INTO sync_state (key, value) VALUES (?, ?)", []any{"k", "v"}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}
}

func TestChatUpsertAndList(t *testing.T) {
	db := testDB(t)

	chat := &Chat{ID: "42", Name: "Alice", ParticipantIDs: []string{"me", "7"}, LastMessageAt: 1000, LastMessagePreview: "hello"}
	if err := db.UpsertChat(chat); err != nil {
		t.Fatal(err)
	}

	// A partial update keeps the name and participants.
	if err := db.UpsertChat(&Chat{ID: "42", UnreadCount: 2, LastMessageAt: 2000, LastMessagePreview: "later"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertChat(&Chat{ID: "43", LastMessageAt: 1500}); err != nil {
		t.Fatal(err)
	}

	chats, err := db.ListChats(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chats, want 2", len(chats))
	}
	c := chats[0]
	if c.ID != "42" || c.Name != "Alice" || c.UnreadCount != 2 {
		t.Errorf("chat = %+v", c)
	}
	if strings.Join(c.ParticipantIDs, ",") != "me,7" {
		t.Errorf("participants = %v", c.ParticipantIDs)
	}
	if c.LastMessagePreview != "later" {
		t.Errorf("preview = %q, want later", c.LastMessagePreview)
	}
}

func TestChatPreviewDoesNotMoveBackwards(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ID: "42", LastMessageAt: 2000, LastMessagePreview: "new"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertChat(&Chat{ID: "42", LastMessageAt: 1000, LastMessagePreview: "old"}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetChat("42")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessagePreview != "new" || c.LastMessageAt != 2000 {
		t.Errorf("chat = %+v", c)
	}
}

func TestGetChat(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ID: "a", Name: "A"}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetChat("a")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Name != "A" || c.Type != "direct" {
		t.Errorf("got %v, want A", c)
	}

	c, err = db.GetChat("missing")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("expected nil for missing chat")
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{ChatID: "42", MsgID: "msg1", Body: "hello", MessageType: "text", Status: "sent", Timestamp: 1000}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Body = "hello updated"
	msg.Edited = true
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("42", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Body != "hello updated" || !msgs[0].Edited {
		t.Errorf("message = %+v", msgs[0])
	}
}

func TestReplaceMessageDropsTempRow(t *testing.T) {
	db := testDB(t)

	temp := &Message{ChatID: "42", MsgID: "temp_me_1_abcd", TempID: "temp_me_1_abcd", Body: "hi", Status: "sending", Timestamp: 1000}
	if err := db.UpsertMessage(temp); err != nil {
		t.Fatal(err)
	}
	server := &Message{ChatID: "42", MsgID: "s1", TempID: temp.TempID, Body: "hi", Status: "sent", Timestamp: 1001}
	if err := db.ReplaceMessage(temp.MsgID, server); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("42", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].MsgID != "s1" || msgs[0].TempID != temp.TempID {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestListMessagesKeyset(t *testing.T) {
	db := testDB(t)
	for i, id := range []string{"a", "b", "c", "d"} {
		if err := db.UpsertMessage(&Message{ChatID: "42", MsgID: id, Timestamp: int64(1000 * (i + 1))}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListMessages("42", 3000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].MsgID != "b" || page[1].MsgID != "a" {
		t.Fatalf("page = %+v", page)
	}
}

func TestDeleteMessageByTempID(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertMessage(&Message{ChatID: "42", MsgID: "s1", TempID: "t1", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteMessage("42", "t1"); err != nil {
		t.Fatal(err)
	}
	n, err := db.MessageCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestDeleteChatRemovesMessages(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertChat(&Chat{ID: "42"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ChatID: "42", MsgID: "m1", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteChat("42"); err != nil {
		t.Fatal(err)
	}
	chats, _ := db.ChatCount()
	msgs, _ := db.MessageCount()
	if chats != 0 || msgs != 0 {
		t.Errorf("chats=%d messages=%d, want 0/0", chats, msgs)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ChatID: "42", MsgID: "m1", Body: "Hello world", MessageType: "text", Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ChatID: "42", MsgID: "m2", Body: "goodbye world", MessageType: "text", Timestamp: 2000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ChatID: "43", MsgID: "m3", Body: "100% done", MessageType: "text", Timestamp: 3000}); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages("hello", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Message.MsgID != "m1" {
		t.Errorf("msg_id = %q, want m1", results[0].Message.MsgID)
	}
	if results[0].Snippet != "<<Hello>> world" {
		t.Errorf("snippet = %q", results[0].Snippet)
	}

	results, err = db.SearchMessages("world", "42", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Message.MsgID != "m2" {
		t.Fatalf("results = %+v", results)
	}

	results, err = db.SearchMessages("0%", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.MsgID != "m3" {
		t.Fatalf("escaped search results = %+v", results)
	}
}

func TestSnippetWindow(t *testing.T) {
	body := strings.Repeat("a", 50) + "needle" + strings.Repeat("b", 50)
	got := snippet(body, "needle", 4)
	if got != "...aaaa<<needle>>bbbb..." {
		t.Errorf("snippet = %q", got)
	}
}

func TestUserAndState(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertUser(&User{ID: "7", Name: "Alice", Email: "a@example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertUser(&User{ID: "7", AvatarURL: "https://img/a.png"}); err != nil {
		t.Fatal(err)
	}
	u, err := db.GetUser("7")
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || u.Name != "Alice" || u.AvatarURL != "https://img/a.png" {
		t.Errorf("user = %+v", u)
	}

	v, err := db.State("missing")
	if err != nil || v != "" {
		t.Errorf("State(missing) = %q, %v", v, err)
	}
	if err := db.SetState("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetState("k", "v2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.State("k"); v != "v2" {
		t.Errorf("State(k) = %q, want v2", v)
	}
}
