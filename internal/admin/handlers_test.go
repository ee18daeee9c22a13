package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/doubleword-ai/dwctl/internal/store"
	"github.com/doubleword-ai/dwctl/internal/store/storetest"
)

const adminSecret = "admin-secret"

func adminRequest(h *Handlers, method, path, body, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func seedUser(t *testing.T, s *store.Store) string {
	t.Helper()
	id := uuid.NewString()
	if _, err := s.Write.Exec(s.Bind(`INSERT INTO users(id, username, email, created_at) VALUES(?, 'u', ?, ?)`),
		id, id+"@example.com", time.Now().UTC()); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}

func TestAdminRequiresSecret(t *testing.T) {
	h := NewHandlers(storetest.Open(t), adminSecret)

	if rec := adminRequest(h, http.MethodGet, "/api-keys?user_id=x", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without secret", rec.Code)
	}
	if rec := adminRequest(h, http.MethodGet, "/api-keys?user_id=x", "", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 with wrong secret", rec.Code)
	}
}

func TestAdminDisabledWithoutConfiguredSecret(t *testing.T) {
	h := NewHandlers(storetest.Open(t), "")
	if rec := adminRequest(h, http.MethodGet, "/api-keys?user_id=x", "", "anything"); rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 when disabled", rec.Code)
	}
}

func TestMintListRevokeKey(t *testing.T) {
	s := storetest.Open(t)
	h := NewHandlers(s, adminSecret)
	userID := seedUser(t, s)

	rec := adminRequest(h, http.MethodPost, "/api-keys",
		`{"user_id":"`+userID+`","name":"ci key","purpose":"batch"}`, adminSecret)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created APIKey
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(created.Secret, "sk-") {
		t.Fatalf("secret %q must begin with sk-", created.Secret)
	}
	if created.Purpose != "batch" {
		t.Fatalf("purpose = %q", created.Purpose)
	}

	rec = adminRequest(h, http.MethodGet, "/api-keys?user_id="+userID, "", adminSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed struct {
		Data []APIKey `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Data) != 1 || listed.Data[0].ID != created.ID {
		t.Fatalf("unexpected list: %s", rec.Body.String())
	}
	if listed.Data[0].Secret != "" {
		t.Fatal("list must not expose secrets")
	}

	rec = adminRequest(h, http.MethodDelete, "/api-keys/"+created.ID, "", adminSecret)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke status = %d", rec.Code)
	}
	keys, err := NewKeys(s).List(context.Background(), userID)
	if err != nil {
		t.Fatalf("list after revoke: %v", err)
	}
	if len(keys) != 0 {
		t.Fatal("revoked key still present")
	}
}

func TestTransactionsAndBalance(t *testing.T) {
	s := storetest.Open(t)
	h := NewHandlers(s, adminSecret)
	userID := seedUser(t, s)

	rec := adminRequest(h, http.MethodPost, "/transactions",
		`{"user_id":"`+userID+`","transaction_type":"purchase","amount":"25.50"}`, adminSecret)
	if rec.Code != http.StatusCreated {
		t.Fatalf("purchase status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = adminRequest(h, http.MethodPost, "/transactions",
		`{"user_id":"`+userID+`","transaction_type":"admin_removal","amount":"5.50"}`, adminSecret)
	if rec.Code != http.StatusCreated {
		t.Fatalf("removal status = %d", rec.Code)
	}

	rec = adminRequest(h, http.MethodGet, "/balance/"+userID, "", adminSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status = %d", rec.Code)
	}
	var payload struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if payload.Balance != "20" {
		t.Fatalf("balance = %q, want 20", payload.Balance)
	}
}

func TestUsageTransactionsRejectedFromAdminPlane(t *testing.T) {
	s := storetest.Open(t)
	h := NewHandlers(s, adminSecret)
	userID := seedUser(t, s)

	rec := adminRequest(h, http.MethodPost, "/transactions",
		`{"user_id":"`+userID+`","transaction_type":"usage","amount":"1.00"}`, adminSecret)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for usage type", rec.Code)
	}
}

func TestCreateUserEndpoint(t *testing.T) {
	s := storetest.Open(t)
	h := NewHandlers(s, adminSecret)

	rec := adminRequest(h, http.MethodPost, "/users", `{"email":"new@example.com"}`, adminSecret)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var count int
	if err := s.Read.QueryRow(s.Bind(`SELECT COUNT(*) FROM users WHERE email = ?`), "new@example.com").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatal("user row missing")
	}
}
