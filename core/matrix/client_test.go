package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
)

func TestSendEventAsVirtualUser(t *testing.T) {
	var gotPath, gotUser, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser = r.URL.Query().Get("user_id")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"event_id":"$evt1"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/", "as-token", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	id, err := client.SendEvent(context.Background(), "!room:example.org", "m.room.message", "@_hookbridge_gh:example.org", map[string]any{"body": "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "$evt1" {
		t.Fatalf("unexpected event id %s", id)
	}
	if !strings.HasPrefix(gotPath, "/_matrix/client/v3/rooms/!room:example.org/send/m.room.message/hookbridge-") {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotUser != "@_hookbridge_gh:example.org" || gotAuth != "Bearer as-token" {
		t.Fatalf("unexpected auth user=%s auth=%s", gotUser, gotAuth)
	}
	if gotBody["body"] != "hi" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}

func TestSendReactionContent(t *testing.T) {
	var gotBody map[string]map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/send/m.reaction/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"event_id":"$r"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, "tok", nil)
	if _, err := client.SendReaction(context.Background(), "!r:x", "$target", "✅", ""); err != nil {
		t.Fatalf("react: %v", err)
	}
	rel := gotBody["m.relates_to"]
	if rel["event_id"] != "$target" || rel["key"] != "✅" || rel["rel_type"] != "m.annotation" {
		t.Fatalf("unexpected relation %+v", rel)
	}
}

func TestJoinedMembers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"joined":{"@a:x":{},"@b:x":{"display_name":"B"}}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, "tok", nil)
	members, err := client.JoinedMembers(context.Background(), "!r:x")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	sort.Strings(members)
	if len(members) != 2 || members[0] != "@a:x" || members[1] != "@b:x" {
		t.Fatalf("unexpected members %v", members)
	}
}

func TestMatrixErrorDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"not in room"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, "tok", nil)
	_, err := client.SendEvent(context.Background(), "!r:x", "m.room.message", "", map[string]any{})
	if !IsMatrixError(err, ErrCodeForbidden) {
		t.Fatalf("expected M_FORBIDDEN, got %v", err)
	}
}

func TestNonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, "tok", nil)
	err := client.JoinRoom(context.Background(), "!r:x", "")
	if err == nil || IsMatrixError(err, ErrCodeForbidden) || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected raw 502 error, got %v", err)
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(" ", "tok", nil); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
