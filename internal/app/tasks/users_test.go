package tasks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestUsersByIDs_BestEffort(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/auth/users/")
		if id == "ghost" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(UserData{ID: id, Username: id + "-name", Email: id + "@example.com"})
	}))
	defer server.Close()

	client := NewUserClient(server.URL)
	users := client.UsersByIDs(context.Background(), []string{"u1", "ghost", "u1", ""})

	if len(users) != 1 {
		t.Fatalf("expected one resolved user, got %d", len(users))
	}
	if users["u1"].Username != "u1-name" {
		t.Fatalf("unexpected user data: %+v", users["u1"])
	}
}

func TestUsersByIDs_ServiceDown(t *testing.T) {
	client := NewUserClient("http://127.0.0.1:1")

	users := client.UsersByIDs(context.Background(), []string{"u1"})
	if len(users) != 0 {
		t.Fatalf("expected no results when the auth service is unreachable, got %d", len(users))
	}
}
