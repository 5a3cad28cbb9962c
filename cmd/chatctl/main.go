package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatcore/internal/api"
	"github.com/matheus3301/chatcore/internal/lock"
	"github.com/matheus3301/chatcore/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fatalf("error: %v\n", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if _, held := lock.Holder(profile.Dir(name)); !held {
		fatalf("error: no daemon running for profile %q (start chatd --profile %s)\n", name, name)
	}

	c, cc, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		fatalf("error: cannot connect to daemon for profile %q: %v\n", name, err)
	}
	defer func() { _ = cc.Close() }()

	if args[0] == "watch" {
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdWatch(c, prefix, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := printer{json: *jsonFlag}
	switch args[0] {
	case "status":
		out.status(must(c.Status(ctx)))
	case "chats":
		out.chats(must(c.ListChats(ctx)))
	case "messages":
		need(args, 2, "messages <chat_id> [--load]")
		load := len(args) > 2 && args[2] == "--load"
		out.messages(must(c.ListMessages(ctx, args[1], load)))
	case "send":
		need(args, 4, "send <chat_id> <receiver_id> <text...>")
		out.message(must(c.SendText(ctx, args[1], args[2], strings.Join(args[3:], " "))))
	case "retry":
		need(args, 3, "retry <chat_id> <message_id>")
		out.message(must(c.RetryMessage(ctx, args[1], args[2])))
	case "seen":
		need(args, 2, "seen <chat_id> [message_id...]")
		out.raw(must(c.MarkSeen(ctx, args[1], args[2:])))
	case "queue":
		out.queue(must(c.QueueSnapshot(ctx)))
	case "history":
		need(args, 2, "history <chat_id> [before_ms] [limit]")
		before := optInt(args, 2)
		limit := int(optInt(args, 3))
		out.messages(must(c.History(ctx, args[1], before, limit)))
	case "search":
		need(args, 2, "search <query> [chat_id]")
		chatID := ""
		if len(args) > 2 {
			chatID = args[2]
		}
		out.search(must(c.Search(ctx, args[1], chatID, 0)))
	case "presence":
		need(args, 2, "presence <user_id>")
		out.raw(must(c.RequestPresence(ctx, args[1])))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                           Show connection status")
	fmt.Fprintln(os.Stderr, "  chats                            List chats by recent activity")
	fmt.Fprintln(os.Stderr, "  messages <chat> [--load]         Show a chat's messages")
	fmt.Fprintln(os.Stderr, "  send <chat> <receiver> <text>    Send a text message")
	fmt.Fprintln(os.Stderr, "  retry <chat> <message>           Retry a failed message")
	fmt.Fprintln(os.Stderr, "  seen <chat> [message...]         Mark messages seen")
	fmt.Fprintln(os.Stderr, "  queue                            Show the delivery queue")
	fmt.Fprintln(os.Stderr, "  history <chat> [before] [limit]  Page stored history")
	fmt.Fprintln(os.Stderr, "  search <query> [chat]            Search stored messages")
	fmt.Fprintln(os.Stderr, "  presence <user>                  Request a user's presence")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                   Stream daemon events")
}

func cmdWatch(c *api.Client, prefix string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := c.WatchEvents(ctx, prefix, func(evt map[string]any) error {
		if jsonOut {
			line, _ := json.Marshal(evt)
			fmt.Println(string(line))
			return nil
		}
		ts := time.UnixMilli(int64(num(evt, "occurred_at_ms"))).Format("15:04:05.000")
		payload, _ := json.Marshal(evt["payload"])
		fmt.Printf("%s  %-24s %s\n", ts, str(evt, "kind"), payload)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fatalf("error: %v\n", err)
	}
}

type printer struct {
	json bool
}

func (p printer) raw(resp map[string]any) {
	outputJSON(resp)
}

func (p printer) status(resp map[string]any) {
	if p.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Profile:   %s\n", str(resp, "profile"))
	fmt.Printf("User:      %s\n", str(resp, "user_id"))
	fmt.Printf("State:     %s\n", str(resp, "state"))
	fmt.Printf("Attempts:  %d\n", int(num(resp, "attempts")))
	fmt.Printf("Queued:    %d\n", int(num(resp, "queue_depth")))
	fmt.Printf("Chats:     %d\n", int(num(resp, "chats")))
}

func (p printer) chats(resp map[string]any) {
	if p.json {
		outputJSON(resp)
		return
	}
	for _, c := range items(resp, "chats") {
		name := str(c, "name")
		if name == "" {
			name = "(unnamed)"
		}
		unread := ""
		if n := int(num(c, "unread_count")); n > 0 {
			unread = fmt.Sprintf(" [%d unread]", n)
		}
		fmt.Printf("%-20s %-8s %s%s\n", str(c, "id"), str(c, "chat_type"), name, unread)
	}
}

func (p printer) messages(resp map[string]any) {
	if p.json {
		outputJSON(resp)
		return
	}
	for _, m := range items(resp, "messages") {
		printMessage(m)
	}
}

func (p printer) message(resp map[string]any) {
	if p.json {
		outputJSON(resp)
		return
	}
	if m, ok := resp["message"].(map[string]any); ok {
		printMessage(m)
	}
}

func (p printer) queue(resp map[string]any) {
	if p.json {
		outputJSON(resp)
		return
	}
	entries := items(resp, "entries")
	if len(entries) == 0 {
		fmt.Println("Queue is empty.")
		return
	}
	for _, e := range entries {
		fmt.Printf("%-16s %-36s chat=%s retries=%d\n", str(e, "action"), str(e, "id"), str(e, "chat_id"), int(num(e, "retry_count")))
	}
}

func (p printer) search(resp map[string]any) {
	if p.json {
		outputJSON(resp)
		return
	}
	for _, r := range items(resp, "results") {
		m, _ := r["message"].(map[string]any)
		fmt.Printf("%s  %s: %s\n", str(m, "chat_id"), str(m, "sender_id"), str(r, "snippet"))
	}
}

func printMessage(m map[string]any) {
	ts := time.UnixMilli(int64(num(m, "timestamp_ms"))).Format("2006-01-02 15:04")
	id := str(m, "id")
	if id == "" {
		id = str(m, "temp_id")
	}
	fmt.Printf("%s  %-10s %-9s %s  (%s)\n", ts, str(m, "sender_id"), str(m, "status"), str(m, "content"), id)
}

func items(resp map[string]any, key string) []map[string]any {
	raw, _ := resp[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) float64 {
	n, _ := m[key].(float64)
	return n
}

func optInt(args []string, i int) int64 {
	if len(args) <= i {
		return 0
	}
	n, err := strconv.ParseInt(args[i], 10, 64)
	if err != nil {
		fatalf("error: %q is not a number\n", args[i])
	}
	return n
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fatalf("usage: chatctl %s\n", usage)
	}
}

func must(resp map[string]any, err error) map[string]any {
	if err != nil {
		fatalf("error: %v\n", err)
	}
	return resp
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}
