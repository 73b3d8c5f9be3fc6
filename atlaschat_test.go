package atlaschat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func writeResult(w http.ResponseWriter, status int, success bool, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	raw, _ := json.Marshal(data)
	json.NewEncoder(w).Encode(Result{Success: success, Message: message, Data: raw})
}

func TestRealtimeURL(t *testing.T) {
	tests := []struct {
		base, token, want string
	}{
		{"https://api.atlascaucasus.com", "abc", "wss://api.atlascaucasus.com/ws?token=abc"},
		{"http://localhost:8000", "abc", "ws://localhost:8000/ws?token=abc"},
		{"https://api.atlascaucasus.com/api/v1", "a b+c", "wss://api.atlascaucasus.com/ws?token=a+b%2Bc"},
	}
	for _, tt := range tests {
		got, err := realtimeURL(tt.base, tt.token)
		if err != nil {
			t.Fatalf("%s: %v", tt.base, err)
		}
		if got != tt.want {
			t.Errorf("realtimeURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}

	if _, err := realtimeURL("ftp://example.com", "x"); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestChatsClient(t *testing.T) {
	var lastAuth, lastQuery string
	var lastBody SendMessageInput

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chats", func(w http.ResponseWriter, r *http.Request) {
		lastAuth, lastQuery = r.Header.Get("Authorization"), r.URL.RawQuery
		writeResult(w, 200, true, "Chats retrieved", Page[Chat]{
			Items:      []Chat{{ID: "c1", Type: ChatDirect, UnreadCount: 2}},
			Pagination: Pagination{Page: 1, Limit: 20, TotalItems: 1, TotalPages: 1},
		})
	})
	mux.HandleFunc("/api/v1/chats/c1", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, 200, true, "", Chat{ID: "c1", Type: ChatGroup, Name: "Svaneti trek"})
	})
	mux.HandleFunc("/api/v1/chats/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			lastQuery = r.URL.RawQuery
			writeResult(w, 200, true, "", Page[Message]{
				Items:      []Message{{ID: "m2", ChatID: "c1"}, {ID: "m1", ChatID: "c1"}},
				Pagination: Pagination{Page: 2, Limit: 2, HasNextPage: true, HasPreviousPage: true},
			})
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &lastBody)
			writeResult(w, 201, true, "Message sent", Message{ID: "m3", ChatID: "c1", SenderID: "u1", Content: lastBody.Content})
		}
	})
	mux.HandleFunc("/api/v1/chats/c1/read", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("mark read used %s", r.Method)
		}
		writeResult(w, 200, true, "", struct{}{})
	})
	mux.HandleFunc("/api/v1/chats/missing", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, 404, false, "Chat not found", nil)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient("tok-1", WithBaseURL(srv.URL+"/"))
	ctx := context.Background()

	t.Run("list", func(t *testing.T) {
		page, err := client.Chats().List(ctx, 1, 20)
		if err != nil {
			t.Fatal(err)
		}
		if lastAuth != "Bearer tok-1" {
			t.Errorf("Authorization = %q", lastAuth)
		}
		if lastQuery != "limit=20&page=1" {
			t.Errorf("query = %q", lastQuery)
		}
		if len(page.Items) != 1 || page.Items[0].UnreadCount != 2 || page.Pagination.TotalItems != 1 {
			t.Errorf("page = %+v", page)
		}
	})

	t.Run("get", func(t *testing.T) {
		chat, err := client.Chats().Get(ctx, "c1")
		if err != nil {
			t.Fatal(err)
		}
		if chat.Name != "Svaneti trek" || chat.Type != ChatGroup {
			t.Errorf("chat = %+v", chat)
		}
	})

	t.Run("messages", func(t *testing.T) {
		page, err := client.Chats().Messages(ctx, "c1", 2, 2)
		if err != nil {
			t.Fatal(err)
		}
		if lastQuery != "limit=2&page=2" {
			t.Errorf("query = %q", lastQuery)
		}
		if page.Items[0].ID != "m2" || !page.Pagination.HasNextPage {
			t.Errorf("page = %+v", page)
		}
	})

	t.Run("send", func(t *testing.T) {
		msg, err := client.Chats().Send(ctx, "c1", SendMessageInput{Content: "See you in Mestia", MentionedUsers: []string{"u2"}})
		if err != nil {
			t.Fatal(err)
		}
		if msg.ID != "m3" || lastBody.Content != "See you in Mestia" || lastBody.MentionedUsers[0] != "u2" {
			t.Errorf("msg = %+v body = %+v", msg, lastBody)
		}
	})

	t.Run("mark read", func(t *testing.T) {
		if err := client.Chats().MarkRead(ctx, "c1"); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("api error", func(t *testing.T) {
		_, err := client.Chats().Get(ctx, "missing")
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("err = %v, want *APIError", err)
		}
		if apiErr.StatusCode != 404 || apiErr.Message != "Chat not found" {
			t.Errorf("apiErr = %+v", apiErr)
		}
	})
}

func TestClientOptions(t *testing.T) {
	c := NewClient("tok", WithEnvironment(Local))
	if c.BaseURL() != "http://localhost:8000" {
		t.Errorf("BaseURL = %q", c.BaseURL())
	}
	u, err := c.RealtimeURL()
	if err != nil || u != "ws://localhost:8000/ws?token=tok" {
		t.Errorf("RealtimeURL = %q, %v", u, err)
	}

	c.SetToken("tok-2")
	if c.Token() != "tok-2" {
		t.Errorf("Token = %q", c.Token())
	}
}
