package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/doubleword-ai/dwctl/internal/analytics"
	"github.com/doubleword-ai/dwctl/internal/credits"
	"github.com/doubleword-ai/dwctl/internal/logging"
	"github.com/doubleword-ai/dwctl/internal/store"
)

// Handlers serves the admin endpoints.
type Handlers struct {
	store  *store.Store
	keys   *Keys
	ledger *credits.Ledger
	secret string
}

// NewHandlers builds the admin surface. secret authenticates callers; an
// empty secret disables the whole router.
func NewHandlers(s *store.Store, secret string) *Handlers {
	return &Handlers{
		store:  s,
		keys:   NewKeys(s),
		ledger: credits.NewLedger(s),
		secret: secret,
	}
}

// Routes mounts the admin endpoints.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(logging.Middleware)
	r.Use(h.requireSecret)

	r.Post("/users", h.createUser)
	r.Post("/api-keys", h.createKey)
	r.Get("/api-keys", h.listKeys)
	r.Delete("/api-keys/{id}", h.revokeKey)
	r.Post("/transactions", h.createTransaction)
	r.Get("/balance/{userID}", h.getBalance)
	r.Get("/requests", h.listRequests)
	return r
}

// listRequests returns paginated analytics rows with optional filters.
func (h *Handlers) listRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := analytics.Query{
		Model:        q.Get("model"),
		UserID:       q.Get("user_id"),
		AccessSource: q.Get("access_source"),
	}
	if raw := q.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			query.Limit = v
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			query.Offset = v
		}
	}
	if raw := q.Get("min_status"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			query.MinStatus = v
		}
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		query.Since = &since
	}

	result, err := analytics.NewWriter(h.store).List(r.Context(), query)
	if err != nil {
		logging.FromContext(r.Context()).Error("list requests failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": result.Data, "total": result.Total})
}

// requireSecret authenticates admin callers with the shared secret key.
func (h *Handlers) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.secret == "" {
			writeError(w, http.StatusForbidden, "admin API disabled: no secret key configured")
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token != h.secret {
			writeError(w, http.StatusUnauthorized, "invalid admin credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "username and email are required")
		return
	}
	if req.Username == "" {
		req.Username = req.Email
	}
	id := uuid.NewString()
	q := h.store.Bind(`INSERT INTO users(id, username, email, created_at) VALUES(?, ?, ?, CURRENT_TIMESTAMP)`)
	if _, err := h.store.Write.ExecContext(r.Context(), q, id, req.Username, req.Email); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "username": req.Username, "email": req.Email})
}

func (h *Handlers) createKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID            string   `json:"user_id"`
		Name              string   `json:"name"`
		Purpose           string   `json:"purpose"`
		RequestsPerSecond *float64 `json:"requests_per_second"`
		BurstSize         *int     `json:"burst_size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "user_id and name are required")
		return
	}
	key, err := h.keys.Create(r.Context(), req.UserID, req.Name, req.Purpose, req.RequestsPerSecond, req.BurstSize)
	if err != nil {
		logging.FromContext(r.Context()).Error("create api key failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create api key")
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (h *Handlers) listKeys(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	keys, err := h.keys.List(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list api keys")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": keys})
}

func (h *Handlers) revokeKey(w http.ResponseWriter, r *http.Request) {
	if err := h.keys.Revoke(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) createTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID          string `json:"user_id"`
		TransactionType string `json:"transaction_type"`
		Amount          string `json:"amount"`
		Description     string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id, transaction_type and amount are required")
		return
	}
	txType := credits.TransactionType(req.TransactionType)
	// Usage rows come only from the accounting path.
	if !txType.Valid() || txType == credits.Usage {
		writeError(w, http.StatusBadRequest, "transaction_type must be purchase, admin_grant, or admin_removal")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.IsNegative() {
		writeError(w, http.StatusBadRequest, "amount must be a non-negative decimal string")
		return
	}

	tx, err := h.ledger.CreateTransaction(r.Context(), credits.CreateRequest{
		UserID:      req.UserID,
		Type:        txType,
		Amount:      amount,
		Description: req.Description,
	})
	if err != nil {
		logging.FromContext(r.Context()).Error("create transaction failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create transaction")
		return
	}
	// Balance changes feed the authorization query, so the routing config
	// must resync.
	if err := h.store.NotifyConfigChanged(r.Context(), "credits_transactions"); err != nil {
		logging.FromContext(r.Context()).Warn("failed to notify config change", "error", err)
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":            tx.ID,
		"seq":           tx.Seq,
		"amount":        tx.Amount.String(),
		"balance_after": tx.BalanceAfter.String(),
	})
}

func (h *Handlers) getBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	balance, err := h.ledger.UserBalance(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "balance": balance.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
