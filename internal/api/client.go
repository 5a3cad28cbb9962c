package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the control service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to a daemon's Unix socket.
func Dial(socketPath string) (*Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient("unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return NewClient(conn), conn, nil
}

// Call invokes a unary method with req as the request fields.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, MethodStatus, nil)
}

func (c *Client) ListChats(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, MethodListChats, nil)
}

func (c *Client) ListMessages(ctx context.Context, chatID string, load bool) (map[string]any, error) {
	return c.Call(ctx, MethodListMessages, map[string]any{"chat_id": chatID, "load": load})
}

func (c *Client) SendText(ctx context.Context, chatID, receiverID, text string) (map[string]any, error) {
	return c.Call(ctx, MethodSendText, map[string]any{"chat_id": chatID, "receiver_id": receiverID, "text": text})
}

func (c *Client) RetryMessage(ctx context.Context, chatID, messageID string) (map[string]any, error) {
	return c.Call(ctx, MethodRetryMessage, map[string]any{"chat_id": chatID, "message_id": messageID})
}

func (c *Client) MarkSeen(ctx context.Context, chatID string, ids []string) (map[string]any, error) {
	vals := make([]any, len(ids))
	for i, id := range ids {
		vals[i] = id
	}
	return c.Call(ctx, MethodMarkSeen, map[string]any{"chat_id": chatID, "message_ids": vals})
}

func (c *Client) QueueSnapshot(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, MethodQueueSnapshot, nil)
}

func (c *Client) History(ctx context.Context, chatID string, beforeMs int64, limit int) (map[string]any, error) {
	return c.Call(ctx, MethodHistory, map[string]any{"chat_id": chatID, "before_ms": beforeMs, "limit": limit})
}

func (c *Client) Search(ctx context.Context, query, chatID string, limit int) (map[string]any, error) {
	return c.Call(ctx, MethodSearch, map[string]any{"query": query, "chat_id": chatID, "limit": limit})
}

func (c *Client) RequestPresence(ctx context.Context, userID string) (map[string]any, error) {
	return c.Call(ctx, MethodRequestPresence, map[string]any{"user_id": userID})
}

// WatchEvents streams events whose kind starts with prefix to fn until ctx
// ends, the stream breaks or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, prefix string, fn func(map[string]any) error) error {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod(MethodWatchEvents))
	if err != nil {
		return err
	}
	in, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			return err
		}
		if err := fn(evt.AsMap()); err != nil {
			return err
		}
	}
}
