package restclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/caffeinetv/libcaffeine-go/internal/caferr"
	"github.com/caffeinetv/libcaffeine-go/internal/config"
	"github.com/caffeinetv/libcaffeine-go/internal/credentials"
	"github.com/caffeinetv/libcaffeine-go/internal/stage"
)

func newTestClient(t *testing.T, srv *httptest.Server) (*Client, *credentials.Store) {
	t.Helper()
	store := credentials.New()
	endpoints := config.Endpoints{Domain: "test", API: srv.URL, Realtime: srv.URL, Events: srv.URL}
	return NewClient(endpoints, "go-test", "1.0.0", "1.0.0", store), store
}

// TestSignInMFAFlow reproduces S6: missing OTP, then wrong OTP, then correct
// OTP.
func TestSignInMFAFlow(t *testing.T) {
	attempt := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt++
		w.Header().Set("Content-Type", "application/json")
		switch attempt {
		case 1:
			json.NewEncoder(w).Encode(map[string]any{"errors": map[string]any{"otp": []string{"required"}}})
		case 2:
			json.NewEncoder(w).Encode(map[string]any{"errors": map[string]any{"otp": []string{"incorrect"}}})
		default:
			json.NewEncoder(w).Encode(map[string]any{"credentials": map[string]any{
				"access_token": "acc", "refresh_token": "ref", "caid": "CAID", "credential": "sig",
			}})
		}
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv)
	ctx := t.Context()

	result, err := client.SignIn(ctx, "alice", "hunter2", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != caferr.KindMFAOTPRequired {
		t.Fatalf("expected MFAOTPRequired, got %v", result.Kind)
	}

	result, err = client.SignIn(ctx, "alice", "hunter2", "000000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != caferr.KindMFAOTPIncorrect {
		t.Fatalf("expected MFAOTPIncorrect, got %v", result.Kind)
	}

	result, err = client.SignIn(ctx, "alice", "hunter2", "123456")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != caferr.KindSuccess || result.Credentials == nil {
		t.Fatalf("expected success with credentials, got %+v", result)
	}
	if result.Credentials.AccountID != "CAID" {
		t.Errorf("expected caid CAID, got %q", result.Credentials.AccountID)
	}
}

// TestDoAuthenticatedJSONRefreshesOn401 reproduces S3: a 401 on first
// attempt, a successful refresh, then a 200 on retry with the new token.
func TestDoAuthenticatedJSONRefreshesOn401(t *testing.T) {
	var sawTokens []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/account/token":
			json.NewEncoder(w).Encode(map[string]any{"credentials": map[string]any{
				"access_token": "new-access", "refresh_token": "new-refresh", "caid": "CAID", "credential": "new-sig",
			}})
		case "/v1/users/CAID":
			auth := r.Header.Get("Authorization")
			sawTokens = append(sawTokens, auth)
			if auth == "Bearer old-access" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"user": map[string]any{"username": "alice", "can_broadcast": true}})
		}
	}))
	defer srv.Close()

	client, store := newTestClient(t, srv)
	h := store.Lock()
	h.Set(credentials.Credentials{AccessToken: "old-access", RefreshToken: "old-refresh", AccountID: "CAID", Credential: "old-sig"})
	h.Unlock()

	info, err := client.GetUserInfo(t.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Username != "alice" || !info.CanBroadcast {
		t.Fatalf("unexpected user info: %+v", info)
	}
	if len(sawTokens) != 2 {
		t.Fatalf("expected 2 attempts against /v1/users/CAID, got %d: %v", len(sawTokens), sawTokens)
	}
	if sawTokens[0] != "Bearer old-access" || sawTokens[1] != "Bearer new-access" {
		t.Fatalf("unexpected token sequence: %v", sawTokens)
	}

	got := store.Snapshot()
	if got.AccessToken != "new-access" {
		t.Errorf("expected credential store updated with new access token, got %q", got.AccessToken)
	}
}

// TestStageUpdateOutOfCapacity reproduces S2: the feed-creation stage update
// returns a typed OutOfCapacity failure and is not retried.
func TestStageUpdateOutOfCapacity(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"type": "OutOfCapacity"})
	}))
	defer srv.Close()

	client, store := newTestClient(t, srv)
	h := store.Lock()
	h.Set(credentials.Credentials{AccessToken: "acc", RefreshToken: "ref", AccountID: "CAID", Credential: "sig"})
	h.Unlock()

	_, cerr := client.StageUpdate(t.Context(), stage.Request{}, "alice")
	if cerr == nil {
		t.Fatal("expected an error")
	}
	if cerr.Kind != caferr.KindOutOfCapacity {
		t.Fatalf("expected KindOutOfCapacity, got %v", cerr.Kind)
	}
	if calls != 1 {
		t.Fatalf("expected typed failure to short-circuit retries, got %d calls", calls)
	}
}

// TestStageUpdateSuccessAdoptsCursor covers the round-trip half of S1: the
// client's stored cursor must equal the response's cursor.
func TestStageUpdateSuccessAdoptsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"cursor":   "c0",
			"retry_in": 100,
			"payload": map[string]any{
				"id": "s", "username": "alice", "live": false, "feeds": map[string]any{},
			},
		})
	}))
	defer srv.Close()

	client, store := newTestClient(t, srv)
	h := store.Lock()
	h.Set(credentials.Credentials{AccessToken: "acc", RefreshToken: "ref", AccountID: "CAID", Credential: "sig"})
	h.Unlock()

	resp, cerr := client.StageUpdate(t.Context(), stage.Request{}, "alice")
	if cerr != nil {
		t.Fatalf("unexpected error: %v", cerr)
	}
	if resp.Cursor != "c0" {
		t.Errorf("expected cursor c0, got %q", resp.Cursor)
	}
	if resp.RetryIn != 100 {
		t.Errorf("expected retry_in 100, got %d", resp.RetryIn)
	}
	if resp.Stage.Username != "alice" {
		t.Errorf("expected stage username alice, got %q", resp.Stage.Username)
	}
}

func TestCheckVersionOldVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"errors": map[string]any{"_expired": []string{"true"}}})
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv)
	result, err := client.CheckVersion(t.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != caferr.KindOldVersion {
		t.Errorf("expected KindOldVersion, got %v", result.Kind)
	}
}
