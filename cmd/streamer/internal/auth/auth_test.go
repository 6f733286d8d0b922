package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jeffkershner/pulse/cmd/streamer/internal/auth"
)

func refreshServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/auth/refresh" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken != "r1" {
			http.Error(w, `{"detail":"Invalid refresh token"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func TestHTTPRefresher_Success(t *testing.T) {
	server := refreshServer(t, http.StatusOK, `{"access_token":"t2","token_type":"bearer"}`)
	defer server.Close()

	r := auth.NewHTTPRefresher(server.Client(), server.URL+"/api/")
	token, err := r.Refresh(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if token != "t2" {
		t.Errorf("Expected t2, got %q", token)
	}
}

func TestHTTPRefresher_Rejected(t *testing.T) {
	server := refreshServer(t, http.StatusOK, `{"access_token":"t2"}`)
	defer server.Close()

	_, err := auth.NewHTTPRefresher(server.Client(), server.URL+"/api").Refresh(context.Background(), "stale")
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestHTTPRefresher_ServerErrorAndBadBody(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusBadGateway, `upstream down`},
		{"not json", http.StatusOK, `<html>`},
		{"missing token", http.StatusOK, `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := refreshServer(t, tc.status, tc.body)
			defer server.Close()

			_, err := auth.NewHTTPRefresher(server.Client(), server.URL+"/api").Refresh(context.Background(), "r1")
			if err == nil {
				t.Fatal("Expected an error")
			}
			if errors.Is(err, auth.ErrUnauthorized) {
				t.Errorf("Non-auth failure reported as unauthorized: %v", err)
			}
		})
	}
}

func TestHTTPRefresher_ContextCancelled(t *testing.T) {
	server := refreshServer(t, http.StatusOK, `{"access_token":"t2"}`)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := auth.NewHTTPRefresher(server.Client(), server.URL+"/api").Refresh(ctx, "r1"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestRedisTokenStore_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := auth.NewRedisTokenStore(rdb, "")
	ctx := context.Background()

	empty, err := store.Load(ctx)
	if err != nil || !empty.Empty() {
		t.Fatalf("Expected empty tokens on a fresh store, got %+v, %v", empty, err)
	}

	if err := store.Save(ctx, auth.Tokens{AccessToken: "t1", RefreshToken: "r1"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !mr.Exists(auth.DefaultTokenKey) {
		t.Errorf("Expected key %s in redis", auth.DefaultTokenKey)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.AccessToken != "t1" || got.RefreshToken != "r1" {
		t.Errorf("Unexpected tokens %+v", got)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if mr.Exists(auth.DefaultTokenKey) {
		t.Error("Clear left the key behind")
	}
}

func TestRedisTokenStore_CorruptValue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	mr.Set("custom:key", "{not json")
	if _, err := auth.NewRedisTokenStore(rdb, "custom:key").Load(context.Background()); err == nil {
		t.Error("Expected decode error")
	}
}

func TestCredentials_HydrateAndUpdate(t *testing.T) {
	ctx := context.Background()
	store := auth.NewMemoryTokenStore()
	store.Save(ctx, auth.Tokens{AccessToken: "t1", RefreshToken: "r1"})

	creds := auth.NewCredentials(store, zap.NewNop())
	if creds.AccessToken() != "" {
		t.Error("Tokens must not be visible before hydrate")
	}
	if err := creds.Hydrate(ctx); err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}
	if creds.AccessToken() != "t1" || creds.RefreshToken() != "r1" {
		t.Errorf("Unexpected tokens after hydrate: %+v", creds.Tokens())
	}

	if err := creds.UpdateAccessToken(ctx, "t2"); err != nil {
		t.Fatalf("UpdateAccessToken failed: %v", err)
	}
	persisted, _ := store.Load(ctx)
	if persisted.AccessToken != "t2" || persisted.RefreshToken != "r1" {
		t.Errorf("Refresh token lost on update: %+v", persisted)
	}

	if err := creds.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	persisted, _ = store.Load(ctx)
	if !creds.Tokens().Empty() || !persisted.Empty() {
		t.Error("Clear should wipe memory and store")
	}
}

func TestCredentials_RedisBackedSurvivesRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	first := auth.NewCredentials(auth.NewRedisTokenStore(rdb, ""), zap.NewNop())
	if err := first.SetTokens(ctx, auth.Tokens{AccessToken: "t1", RefreshToken: "r1"}); err != nil {
		t.Fatalf("SetTokens failed: %v", err)
	}
	first.UpdateAccessToken(ctx, "t2")

	second := auth.NewCredentials(auth.NewRedisTokenStore(rdb, ""), zap.NewNop())
	if err := second.Hydrate(ctx); err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}
	if second.AccessToken() != "t2" || second.RefreshToken() != "r1" {
		t.Errorf("Unexpected hydrated tokens %+v", second.Tokens())
	}
}

func TestCredentials_HydrateFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	creds := auth.NewCredentials(auth.NewRedisTokenStore(rdb, ""), zap.NewNop())
	if err := creds.Hydrate(context.Background()); err == nil {
		t.Error("Expected hydrate to fail when redis is down")
	}
	if !creds.Tokens().Empty() {
		t.Error("Failed hydrate must leave tokens empty")
	}
}
