package api

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/outbox"
	"github.com/matheus3301/chatcore/internal/status"
	"github.com/matheus3301/chatcore/internal/store"
	chatsync "github.com/matheus3301/chatcore/internal/sync"
)

// Link is the connection view the control service reports on.
type Link interface {
	Connected() bool
	State() status.State
	Attempts() int
}

// Control implements ControlServer over the running chat core.
type Control struct {
	profile string
	engine  *chatsync.Engine
	queue   *outbox.Queue
	link    Link
	machine *status.Machine
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewControl creates the control service. db may be nil when history is disabled.
func NewControl(profile string, engine *chatsync.Engine, queue *outbox.Queue, link Link, machine *status.Machine, db *store.DB, b *bus.Bus, logger *zap.Logger) *Control {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Control{
		profile: profile,
		engine:  engine,
		queue:   queue,
		link:    link,
		machine: machine,
		db:      db,
		bus:     b,
		logger:  logger,
	}
}

var _ ControlServer = (*Control)(nil)

func (s *Control) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := map[string]any{
		"profile":     s.profile,
		"user_id":     s.engine.UserID(),
		"connected":   s.link.Connected(),
		"state":       string(s.link.State()),
		"attempts":    s.link.Attempts(),
		"queue_depth": s.queue.Len(),
		"chats":       len(s.engine.Chats()),
		"bus_dropped": s.bus.Dropped(),
	}
	if s.machine != nil {
		resp["state_since_ms"] = millis(s.machine.Since())
	}
	return reply(resp)
}

func (s *Control) ListChats(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(map[string]any{"chats": list(s.engine.Chats(), chatValue)})
}

func (s *Control) ListMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := required(req, "chat_id")
	if err != nil {
		return nil, err
	}
	if boolField(req, "load") {
		s.engine.LoadMessages(ctx, chatID, intField(req, "limit"), intField(req, "offset"))
	}
	return reply(map[string]any{"messages": list(s.engine.Messages(chatID), messageValue)})
}

func (s *Control) SendText(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := required(req, "chat_id")
	if err != nil {
		return nil, err
	}
	text, err := required(req, "text")
	if err != nil {
		return nil, err
	}
	msg, err := s.engine.SendText(ctx, chatID, stringField(req, "receiver_id"), text)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"message": messageValue(msg)})
}

func (s *Control) RetryMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := required(req, "message_id")
	if err != nil {
		return nil, err
	}
	msg, err := s.engine.RetryMessage(ctx, stringField(req, "chat_id"), id)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"message": messageValue(msg)})
}

func (s *Control) MarkSeen(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := required(req, "chat_id")
	if err != nil {
		return nil, err
	}
	ids := stringsField(req, "message_ids")
	if err := s.engine.MarkSeen(ctx, chatID, ids); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"chat_id": chatID, "count": len(ids)})
}

func (s *Control) QueueSnapshot(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(map[string]any{"entries": list(s.queue.Pending(), entryValue)})
}

func (s *Control) History(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.db == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "history is disabled")
	}
	chatID, err := required(req, "chat_id")
	if err != nil {
		return nil, err
	}
	limit := intField(req, "limit")
	if limit <= 0 {
		limit = 50
	}
	msgs, err := s.db.ListMessages(chatID, int64(numberField(req, "before_ms")), limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
	}
	return reply(map[string]any{
		"messages": list(msgs, storedMessageValue),
		"has_more": len(msgs) == limit,
	})
}

func (s *Control) Search(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.db == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "history is disabled")
	}
	query, err := required(req, "query")
	if err != nil {
		return nil, err
	}
	results, err := s.db.SearchMessages(query, stringField(req, "chat_id"), intField(req, "limit"))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "search messages: %v", err)
	}
	return reply(map[string]any{
		"results": list(results, func(r store.SearchResult) map[string]any {
			return map[string]any{"message": storedMessageValue(r.Message), "snippet": r.Snippet}
		}),
	})
}

// RequestPresence asks the server for presence and returns whatever is cached
// now. Fresh values arrive later as presence.updated events.
func (s *Control) RequestPresence(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := stringField(req, "user_id")
	chatID := stringField(req, "chat_id")
	switch {
	case userID != "":
		s.engine.RequestPresence(ctx, userID)
	case chatID != "":
		s.engine.RequestChatPresence(ctx, chatID)
	default:
		s.engine.RequestContactsPresence(ctx)
	}
	resp := map[string]any{"requested": true}
	if userID != "" {
		if p, ok := s.engine.Presence(userID); ok {
			resp["presence"] = presenceValue(p)
		}
	}
	return reply(resp)
}

// WatchEvents streams bus events whose kind starts with the requested prefix.
func (s *Control) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(stringField(req, "prefix"), 256)
	defer unsub()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := structpb.NewStruct(map[string]any{
				"event_id":       uuid.New().String(),
				"profile":        s.profile,
				"kind":           evt.Kind,
				"occurred_at_ms": evt.Timestamp.UnixMilli(),
				"payload":        eventPayload(evt.Payload),
			})
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func reply(v map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return st, nil
}

// toStatus maps core sentinel errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, chatsync.ErrChatNotFound), errors.Is(err, chatsync.ErrMessageNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, chatsync.ErrNotFailed):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, outbox.ErrNotQueued):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}

func stringField(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func numberField(req *structpb.Struct, key string) float64 {
	return req.GetFields()[key].GetNumberValue()
}

func intField(req *structpb.Struct, key string) int {
	return int(numberField(req, key))
}

func boolField(req *structpb.Struct, key string) bool {
	return req.GetFields()[key].GetBoolValue()
}

func stringsField(req *structpb.Struct, key string) []string {
	var out []string
	for _, v := range req.GetFields()[key].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func required(req *structpb.Struct, key string) (string, error) {
	v := stringField(req, key)
	if v == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}
