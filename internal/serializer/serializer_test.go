package serializer

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/doubleword-ai/dwctl/internal/analytics"
	"github.com/doubleword-ai/dwctl/internal/credits"
	"github.com/doubleword-ai/dwctl/internal/store"
	"github.com/doubleword-ai/dwctl/internal/store/storetest"
)

const proxyHeader = "X-Doubleword-User"

type fixture struct {
	t          *testing.T
	store      *store.Store
	serializer *Serializer
	ledger     *credits.Ledger
	userID     string
	secret     string
	instanceID string
}

func newFixture(t *testing.T) *fixture {
	s := storetest.Open(t)
	instanceID := uuid.NewString()
	f := &fixture{
		t:          t,
		store:      s,
		serializer: New(s, instanceID, proxyHeader, "localhost", 3001),
		ledger:     credits.NewLedger(s),
		userID:     uuid.NewString(),
		secret:     "sk-serializer-test",
		instanceID: instanceID,
	}

	exec := func(q string, args ...any) {
		t.Helper()
		if _, err := s.Write.Exec(s.Bind(q), args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	exec(`INSERT INTO users(id, username, email, created_at) VALUES(?, 'u', 'u@example.com', ?)`, f.userID, time.Now().UTC())
	exec(`INSERT INTO api_keys(id, secret, name, user_id, purpose, created_at) VALUES(?, ?, 'k', ?, 'realtime', ?)`,
		uuid.NewString(), f.secret, f.userID, time.Now().UTC())

	endpointID := uuid.NewString()
	exec(`INSERT INTO inference_endpoints(id, name, url, created_at) VALUES(?, 'main-ep', 'https://api.openai.com/v1', ?)`,
		endpointID, time.Now().UTC())
	modelID := uuid.NewString()
	exec(`INSERT INTO deployed_models(id, alias, model_name, hosted_on, is_composite, created_at)
VALUES(?, 'test-model', 'gpt-x', ?, FALSE, ?)`, modelID, endpointID, time.Now().UTC())
	exec(`INSERT INTO model_tariffs(id, deployed_model_id, api_key_purpose, input_price_per_token, output_price_per_token)
VALUES(?, ?, 'realtime', '0.00001', '0.00003')`, uuid.NewString(), modelID)

	return f
}

func (f *fixture) grant(amount string) {
	f.t.Helper()
	_, err := f.ledger.CreateTransaction(context.Background(), credits.CreateRequest{
		UserID: f.userID,
		Type:   credits.Purchase,
		Amount: decimal.RequireFromString(amount),
	})
	if err != nil {
		f.t.Fatalf("grant: %v", err)
	}
}

func (f *fixture) balance() decimal.Decimal {
	f.t.Helper()
	b, err := f.ledger.UserBalance(context.Background(), f.userID)
	if err != nil {
		f.t.Fatalf("balance: %v", err)
	}
	return b
}

func (f *fixture) usageTransactions() []credits.Transaction {
	f.t.Helper()
	all, err := f.ledger.ListTransactions(context.Background(), f.userID, 100)
	if err != nil {
		f.t.Fatalf("list transactions: %v", err)
	}
	var usage []credits.Transaction
	for _, tx := range all {
		if tx.Type == credits.Usage {
			usage = append(usage, tx)
		}
	}
	return usage
}

func (f *fixture) exchange(correlationID int64, headers http.Header, prompt, completion int64) (*RequestData, *ResponseData) {
	f.t.Helper()
	if headers == nil {
		headers = http.Header{}
	}
	rd := &RequestData{
		Method:        "POST",
		URI:           "/v1/chat/completions",
		Headers:       headers,
		Body:          []byte(`{"model":"test-model","messages":[{"role":"user","content":"hi"}]}`),
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	respBody := chatCompletionBody(f.t, "gpt-x", prompt, completion, prompt+completion)
	resp := &ResponseData{
		Status:   200,
		Headers:  http.Header{},
		Body:     respBody,
		Duration: 120 * time.Millisecond,
		TTFB:     40 * time.Millisecond,
	}
	return rd, resp
}

func bearer(secret string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+secret)
	return h
}

func (f *fixture) row(correlationID int64) *analytics.Row {
	f.t.Helper()
	row, err := analytics.NewWriter(f.store).Get(context.Background(), f.instanceID, correlationID)
	if err != nil {
		f.t.Fatalf("read analytics row: %v", err)
	}
	return row
}

func TestDeductionRoundsHalfToEvenAndDebits(t *testing.T) {
	f := newFixture(t)
	f.grant("10.00")

	rd, resp := f.exchange(1, bearer(f.secret), 1000, 500)
	f.serializer.Process(context.Background(), rd, resp)

	// 1000*0.00001 + 500*0.00003 = 0.025, banker's rounding → 0.02.
	usage := f.usageTransactions()
	if len(usage) != 1 {
		t.Fatalf("usage transactions = %d, want 1", len(usage))
	}
	if !usage[0].Amount.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("amount = %s, want 0.02", usage[0].Amount)
	}
	if !f.balance().Equal(decimal.RequireFromString("9.98")) {
		t.Fatalf("balance = %s, want 9.98", f.balance())
	}

	row := f.row(1)
	if row.PromptTokens != 1000 || row.CompletionTokens != 500 {
		t.Fatalf("token counts = %d/%d", row.PromptTokens, row.CompletionTokens)
	}
	if row.AccessSource != string(SourceAPIKey) {
		t.Fatalf("access source = %s", row.AccessSource)
	}
	if row.ProviderName != "openai" {
		t.Fatalf("provider name = %q, want openai (URL-normalized)", row.ProviderName)
	}
	if usage[0].SourceID == "" {
		t.Fatal("usage transaction must reference the analytics row")
	}
}

func TestTinyCostRoundsToZeroAndSkipsDeduction(t *testing.T) {
	f := newFixture(t)
	f.grant("10.00")

	// 9*0.00001 + 12*0.00003 = 0.00045 → rounds to 0.00, no transaction.
	rd, resp := f.exchange(2, bearer(f.secret), 9, 12)
	f.serializer.Process(context.Background(), rd, resp)

	if len(f.usageTransactions()) != 0 {
		t.Fatal("cost rounding to zero must skip the deduction")
	}
	if !f.balance().Equal(decimal.RequireFromString("10")) {
		t.Fatalf("balance = %s, want 10", f.balance())
	}
	// The analytics row still exists with the observed token counts.
	row := f.row(2)
	if row.PromptTokens != 9 || row.CompletionTokens != 12 || row.TotalTokens != 21 {
		t.Fatalf("token counts = %d/%d/%d", row.PromptTokens, row.CompletionTokens, row.TotalTokens)
	}
}

func TestPlaygroundAccessNotCharged(t *testing.T) {
	f := newFixture(t)
	f.grant("10.00")

	headers := http.Header{}
	headers.Set(proxyHeader, "u@example.com")
	rd, resp := f.exchange(3, headers, 1000, 500)
	f.serializer.Process(context.Background(), rd, resp)

	if len(f.usageTransactions()) != 0 {
		t.Fatal("playground usage must not be charged")
	}
	if !f.balance().Equal(decimal.RequireFromString("10")) {
		t.Fatalf("balance = %s, want 10", f.balance())
	}
	row := f.row(3)
	if row.AccessSource != string(SourcePlayground) {
		t.Fatalf("access source = %s", row.AccessSource)
	}
	if row.UserID != f.userID {
		t.Fatal("playground email must resolve to the user id")
	}
}

func TestUnknownKeySkipsDeduction(t *testing.T) {
	f := newFixture(t)

	rd, resp := f.exchange(4, bearer("sk-nobody"), 1000, 500)
	f.serializer.Process(context.Background(), rd, resp)

	row := f.row(4)
	if row.AccessSource != string(SourceUnknownAPIKey) {
		t.Fatalf("access source = %s", row.AccessSource)
	}
	if row.UserID != "" {
		t.Fatal("unknown key must not resolve a user")
	}
	if len(f.usageTransactions()) != 0 {
		t.Fatal("no user id means no deduction")
	}
}

func TestMissingModelSkipsDeduction(t *testing.T) {
	f := newFixture(t)
	f.grant("10.00")

	rd := &RequestData{
		Method:        "POST",
		URI:           "/v1/chat/completions",
		Headers:       bearer(f.secret),
		Body:          []byte(`{"messages":[]}`),
		Timestamp:     time.Now().UTC(),
		CorrelationID: 5,
	}
	resp := &ResponseData{Status: 200, Headers: http.Header{}, Body: chatCompletionBody(t, "gpt-x", 1000, 500, 1500)}
	f.serializer.Process(context.Background(), rd, resp)

	if len(f.usageTransactions()) != 0 {
		t.Fatal("missing request model must skip deduction")
	}
}

func TestNoPricingSkipsDeduction(t *testing.T) {
	f := newFixture(t)
	f.grant("10.00")
	if _, err := f.store.Write.Exec(`DELETE FROM model_tariffs`); err != nil {
		t.Fatalf("clear tariffs: %v", err)
	}

	rd, resp := f.exchange(6, bearer(f.secret), 1000, 500)
	f.serializer.Process(context.Background(), rd, resp)

	if len(f.usageTransactions()) != 0 {
		t.Fatal("no pricing anywhere must skip deduction")
	}
}

func TestPriceHeadersOverrideTariff(t *testing.T) {
	f := newFixture(t)
	f.grant("10.00")

	rd, resp := f.exchange(7, bearer(f.secret), 1000, 0)
	// Dispatcher-stamped headers: 0.0001/token → 1000 tokens = 0.10.
	resp.Headers.Set(InputTokenPriceHeader, "0.0001")
	resp.Headers.Set(OutputTokenPriceHeader, "0")
	f.serializer.Process(context.Background(), rd, resp)

	usage := f.usageTransactions()
	if len(usage) != 1 {
		t.Fatalf("usage transactions = %d, want 1", len(usage))
	}
	if !usage[0].Amount.Equal(decimal.RequireFromString("0.10")) {
		t.Fatalf("amount = %s, want 0.10", usage[0].Amount)
	}
}

func TestNegativeBalanceDeductionStillCommits(t *testing.T) {
	f := newFixture(t)
	f.grant("0.01")

	rd, resp := f.exchange(8, bearer(f.secret), 1000, 500)
	f.serializer.Process(context.Background(), rd, resp)

	usage := f.usageTransactions()
	if len(usage) != 1 {
		t.Fatal("deduction must commit even past zero")
	}
	if !f.balance().Equal(decimal.RequireFromString("-0.01")) {
		t.Fatalf("balance = %s, want -0.01", f.balance())
	}
}

func TestStreamingUsageFromLastChunk(t *testing.T) {
	f := newFixture(t)
	f.grant("10.00")

	rd := &RequestData{
		Method:        "POST",
		URI:           "/v1/chat/completions",
		Headers:       bearer(f.secret),
		Body:          []byte(`{"model":"test-model","messages":[],"stream":true}`),
		Timestamp:     time.Now().UTC(),
		CorrelationID: 9,
	}
	sse := "data: {\"model\":\"gpt-x\",\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n" +
		"data: {\"model\":\"gpt-x\",\"choices\":[],\"usage\":{\"prompt_tokens\":1000,\"completion_tokens\":500,\"total_tokens\":1500}}\n\n" +
		"data: [DONE]\n\n"
	resp := &ResponseData{
		Status:  200,
		Headers: http.Header{"Content-Type": {"text/event-stream"}},
		Body:    []byte(sse),
	}
	f.serializer.Process(context.Background(), rd, resp)

	row := f.row(9)
	if row.ResponseType != string(ResponseChatCompletionStream) {
		t.Fatalf("response type = %s", row.ResponseType)
	}
	if row.PromptTokens != 1000 || row.CompletionTokens != 500 {
		t.Fatalf("streaming usage = %d/%d", row.PromptTokens, row.CompletionTokens)
	}
	if row.ResponseModel != "gpt-x" {
		t.Fatalf("response model = %q (must come from the first chunk)", row.ResponseModel)
	}

	usage := f.usageTransactions()
	if len(usage) != 1 || !usage[0].Amount.Equal(decimal.RequireFromString("0.02")) {
		t.Fatal("streaming usage must deduct like buffered usage")
	}
}

func TestMapURLToOtelProvider(t *testing.T) {
	cases := []struct {
		url  string
		want string
		ok   bool
	}{
		{"https://api.anthropic.com/v1", "anthropic", true},
		{"https://API.OPENAI.com/v1", "openai", true},
		{"https://myresource.openai.azure.com", "azure.ai.openai", true},
		{"https://myhost.inference.azure.com", "azure.ai.inference", true},
		{"https://bedrock-runtime.us-east-1.amazonaws.com", "aws.bedrock", true},
		{"https://generativelanguage.googleapis.com/v1beta", "gcp.gen_ai", true},
		{"https://us-central1-aiplatform.googleapis.com", "gcp.vertex_ai", true},
		{"https://api.groq.com/openai/v1", "groq", true},
		{"https://api.cohere.com/v1", "cohere", true},
		{"https://api.deepseek.com", "deepseek", true},
		{"https://api.mistral.ai/v1", "mistral_ai", true},
		{"https://api.perplexity.ai", "perplexity", true},
		{"https://api.x.ai/v1", "x_ai", true},
		{"https://us-south.ml.cloud.ibm.com", "ibm.watsonx.ai", true},
		{"https://my-own-host.example.com/v1", "", false},
	}
	for _, tc := range cases {
		got, ok := MapURLToOtelProvider(tc.url)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("MapURLToOtelProvider(%q) = %q/%v, want %q/%v", tc.url, got, ok, tc.want, tc.ok)
		}
	}
}

func TestAuthFromRequestPrecedence(t *testing.T) {
	h := http.Header{}
	h.Set(proxyHeader, "user@example.com")
	h.Set("Authorization", "Bearer sk-abc")
	rd := &RequestData{Headers: h}

	auth := AuthFromRequest(rd, proxyHeader)
	if auth.Kind != AuthPlayground || auth.Email != "user@example.com" {
		t.Fatalf("proxy header must win: %+v", auth)
	}

	h2 := http.Header{}
	h2.Set("Authorization", "Bearer sk-abc")
	auth = AuthFromRequest(&RequestData{Headers: h2}, proxyHeader)
	if auth.Kind != AuthAPIKey || auth.BearerToken != "sk-abc" {
		t.Fatalf("bearer auth wrong: %+v", auth)
	}

	auth = AuthFromRequest(&RequestData{Headers: http.Header{}}, proxyHeader)
	if auth.Kind != AuthNone {
		t.Fatalf("expected none, got %+v", auth)
	}
}
