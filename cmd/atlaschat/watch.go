package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	atlaschat "github.com/blessandsoul/atlascaucasus-chat"
	"github.com/spf13/cobra"
)

var watchHistory int

func init() {
	watchCmd.Flags().IntVar(&watchHistory, "history", 20, "Messages of history to print when a chat is opened")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [chat-id]",
	Short: "Follow realtime activity",
	Long: `Connect to the realtime gateway and print presence, messages and typing.

With a chat id, the chat is opened: its history is printed, incoming messages
are marked read, and every line typed on stdin is sent to it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		session := atlaschat.NewSession(client, atlaschat.SessionConfig{
			UserID:   cfg.Auth.UserID,
			UserName: cfg.Auth.UserName,
			Logger:   logger,
		})

		w := newWatcher(session)
		if len(args) == 1 {
			w.chatID = args[0]
		}
		unsubs := w.attach()
		defer func() {
			for _, u := range unsubs {
				u()
			}
		}()

		session.Start()
		defer session.Shutdown()

		if w.chatID != "" {
			if err := w.open(ctx); err != nil {
				return err
			}
			go w.readInput(ctx, os.Stdin)
			fmt.Fprintln(os.Stderr, "Type a message and press Enter to send. Ctrl+C to quit.")
		} else {
			fmt.Fprintln(os.Stderr, "Watching all chats. Ctrl+C to quit.")
		}

		<-ctx.Done()
		fmt.Fprintln(os.Stderr)
		return nil
	},
}

// typingSignals and messageSender are the parts of a Session used to send a
// line typed on stdin.
type typingSignals interface {
	Keystroke(chatID string)
	Submit(chatID string)
}

type messageSender interface {
	Send(ctx context.Context, chatID string, in atlaschat.SendMessageInput) (*atlaschat.Message, error)
}

type watcher struct {
	session *atlaschat.Session
	chatID  string
	signals typingSignals
	sender  messageSender

	mu         sync.Mutex
	printed    map[string]struct{}
	typingLine map[string]string
}

func newWatcher(session *atlaschat.Session) *watcher {
	return &watcher{
		session:    session,
		signals:    session.Typing(),
		sender:     session.Chats(),
		printed:    make(map[string]struct{}),
		typingLine: make(map[string]string),
	}
}

func (w *watcher) me() string {
	return w.session.Chats().CurrentUser()
}

func (w *watcher) attach() []func() {
	router := w.session.Router()
	unsubs := []func(){
		w.session.Connection().OnStatusChange(func(s atlaschat.Status) {
			fmt.Fprintf(os.Stderr, "[%s]\n", s)
		}),
		atlaschat.On(router, func(e atlaschat.UserOnlineEvent) {
			fmt.Printf("* %s is online\n", e.UserID)
		}),
		atlaschat.On(router, func(e atlaschat.UserOfflineEvent) {
			fmt.Printf("* %s went offline\n", e.UserID)
		}),
		atlaschat.On(router, func(e atlaschat.ErrorEvent) {
			fmt.Fprintf(os.Stderr, "server error: %s\n", e.Message)
		}),
		w.session.Chats().OnError(func(err error) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}),
		w.session.Typing().OnChange(w.typingChanged),
	}

	if w.chatID == "" {
		unsubs = append(unsubs, atlaschat.On(router, func(e atlaschat.MessageEvent) {
			fmt.Printf("[%s] ", e.Message.ChatID)
			printMessage(e.Message, w.me())
		}))
	} else {
		unsubs = append(unsubs, w.session.Chats().OnChange(func(chatID string) {
			if chatID == w.chatID {
				w.flush()
			}
		}))
	}
	return unsubs
}

func (w *watcher) open(ctx context.Context) error {
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := w.session.Chats().LoadChats(openCtx, 1, 100); err != nil {
		return fmt.Errorf("failed to load chats: %w", err)
	}
	if c, ok := w.session.Chats().Chat(w.chatID); ok {
		fmt.Printf("--- %s ---\n", chatTitle(c, w.me()))
	}
	if err := w.session.Chats().Open(openCtx, w.chatID); err != nil {
		return fmt.Errorf("failed to open chat %s: %w", w.chatID, err)
	}
	w.flush()
	return nil
}

// flush prints confirmed messages of the open chat that were not printed yet.
func (w *watcher) flush() {
	msgs := w.session.Chats().Messages(w.chatID)

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.printed) == 0 && watchHistory >= 0 && len(msgs) > watchHistory {
		for _, m := range msgs[:len(msgs)-watchHistory] {
			w.printed[m.ID] = struct{}{}
		}
	}
	for _, m := range msgs {
		if m.Status == atlaschat.MessagePending {
			continue
		}
		if _, ok := w.printed[m.ID]; ok {
			continue
		}
		w.printed[m.ID] = struct{}{}
		printMessage(m, w.me())
	}
}

func (w *watcher) typingChanged(chatID string) {
	if w.chatID != "" && chatID != w.chatID {
		return
	}
	var names []string
	for _, t := range w.session.Typing().Typists(chatID) {
		names = append(names, valueOrDefault(t.UserName, t.UserID))
	}
	line := ""
	switch len(names) {
	case 0:
	case 1:
		line = names[0] + " is typing..."
	default:
		line = strings.Join(names, ", ") + " are typing..."
	}

	w.mu.Lock()
	prev := w.typingLine[chatID]
	w.typingLine[chatID] = line
	w.mu.Unlock()
	if line != "" && line != prev {
		if w.chatID == "" {
			fmt.Printf("[%s] ", chatID)
		}
		fmt.Println(line)
	}
}

func (w *watcher) readInput(ctx context.Context, in *os.File) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := w.sendLine(ctx, text); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			continue
		}
		w.flush()
	}
}

// sendLine signals typing, stops it as the line is submitted, then sends.
func (w *watcher) sendLine(ctx context.Context, text string) error {
	w.signals.Keystroke(w.chatID)
	w.signals.Submit(w.chatID)

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := w.sender.Send(sendCtx, w.chatID, atlaschat.SendMessageInput{Content: text})
	return err
}
