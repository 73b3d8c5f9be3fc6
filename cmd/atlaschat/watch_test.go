package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	atlaschat "github.com/blessandsoul/atlascaucasus-chat"
)

// callLog records typing signals and sends in the order they happen.
type callLog struct {
	calls   []string
	sendErr error
}

func (c *callLog) Keystroke(chatID string) { c.calls = append(c.calls, "keystroke "+chatID) }
func (c *callLog) Submit(chatID string)    { c.calls = append(c.calls, "submit "+chatID) }

func (c *callLog) Send(ctx context.Context, chatID string, in atlaschat.SendMessageInput) (*atlaschat.Message, error) {
	c.calls = append(c.calls, "send "+chatID+" "+in.Content)
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	return &atlaschat.Message{ID: "m1", ChatID: chatID, Content: in.Content}, nil
}

func TestWatcherSendLine(t *testing.T) {
	t.Run("typing stops before the request", func(t *testing.T) {
		log := &callLog{}
		w := &watcher{chatID: "c1", signals: log, sender: log}

		if err := w.sendLine(context.Background(), "gamarjoba"); err != nil {
			t.Fatalf("sendLine: %v", err)
		}
		want := "keystroke c1|submit c1|send c1 gamarjoba"
		if got := strings.Join(log.calls, "|"); got != want {
			t.Fatalf("calls = %s, want %s", got, want)
		}
	})

	t.Run("send failure is returned", func(t *testing.T) {
		log := &callLog{sendErr: errors.New("boom")}
		w := &watcher{chatID: "c1", signals: log, sender: log}

		if err := w.sendLine(context.Background(), "hi"); err == nil {
			t.Fatal("expected error")
		}
		if log.calls[1] != "submit c1" {
			t.Fatalf("typing not stopped before failed send: %v", log.calls)
		}
	})
}
