package serializer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/doubleword-ai/dwctl/internal/analytics"
	"github.com/doubleword-ai/dwctl/internal/credits"
	"github.com/doubleword-ai/dwctl/internal/logging"
	"github.com/doubleword-ai/dwctl/internal/metrics"
	"github.com/doubleword-ai/dwctl/internal/store"
)

// AccessSource classifies how the caller reached the proxy.
type AccessSource string

const (
	SourcePlayground      AccessSource = "playground"
	SourceAPIKey          AccessSource = "api_key"
	SourceUnknownAPIKey   AccessSource = "unknown_api_key"
	SourceUnauthenticated AccessSource = "unauthenticated"
)

// AuthKind discriminates the credential variants.
type AuthKind int

const (
	AuthNone AuthKind = iota
	AuthPlayground
	AuthAPIKey
)

// Auth is the credential extracted from request headers.
type Auth struct {
	Kind AuthKind
	// Email is set for Playground (SSO proxy header) access.
	Email string
	// BearerToken is set for API key access.
	BearerToken string
}

// AuthFromRequest extracts the credential: the SSO proxy header takes
// precedence, then Authorization: Bearer, otherwise None.
func AuthFromRequest(rd *RequestData, proxyHeaderName string) Auth {
	if proxyHeaderName != "" {
		if email := rd.Headers.Get(proxyHeaderName); email != "" {
			return Auth{Kind: AuthPlayground, Email: email}
		}
	}
	if raw := rd.Headers.Get("Authorization"); raw != "" {
		if token, ok := strings.CutPrefix(raw, "Bearer "); ok {
			return Auth{Kind: AuthAPIKey, BearerToken: token}
		}
	}
	return Auth{Kind: AuthNone}
}

// UsageMetrics is the extracted per-exchange accounting data.
type UsageMetrics struct {
	InstanceID            string
	CorrelationID         int64
	Method                string
	URI                   string
	RequestModel          string
	ResponseModel         string
	StatusCode            int
	DurationMS            int64
	DurationToFirstByteMS *int64
	PromptTokens          int64
	CompletionTokens      int64
	TotalTokens           int64
	ResponseType          string
	ServerAddress         string
	ServerPort            int
	InputPricePerToken    *decimal.Decimal
	OutputPricePerToken   *decimal.Decimal
}

// tokenMetrics extracts usage counts and the response model from a parsed
// response. For streams the authoritative usage lives in the last normal
// chunk carrying one, and the model in the first chunk.
func tokenMetrics(resp *AiResponse) (usage Usage, responseType, model string) {
	responseType = string(resp.Kind)
	switch resp.Kind {
	case ResponseChatCompletionStream:
		for i := len(resp.Chunks) - 1; i >= 0; i-- {
			if resp.Chunks[i].Usage != nil {
				usage = *resp.Chunks[i].Usage
				break
			}
		}
		for _, chunk := range resp.Chunks {
			if chunk.Model != "" {
				model = chunk.Model
				break
			}
		}
	case ResponseEmbeddings, ResponseBase64Embeddings:
		if resp.Usage != nil {
			usage = *resp.Usage
		}
		usage.CompletionTokens = 0
		model = resp.Model
	case ResponseChatCompletion, ResponseCompletion:
		if resp.Usage != nil {
			usage = *resp.Usage
		}
		model = resp.Model
	default:
		responseType = string(ResponseOther)
	}
	return usage, responseType, model
}

// ExtractUsageMetrics assembles the accounting record for one exchange.
// Prices come from the dispatcher-stamped response headers when present.
func ExtractUsageMetrics(instanceID string, rd *RequestData, resp *ResponseData, parsed *AiResponse, serverAddr string, serverPort int) UsageMetrics {
	req, _ := ParseAiRequest(rd)

	usage, responseType, responseModel := tokenMetrics(parsed)
	ttfbMS := resp.TTFB.Milliseconds()

	m := UsageMetrics{
		InstanceID:            instanceID,
		CorrelationID:         rd.CorrelationID,
		Method:                rd.Method,
		URI:                   rd.URI,
		RequestModel:          req.Model,
		ResponseModel:         responseModel,
		StatusCode:            resp.Status,
		DurationMS:            resp.Duration.Milliseconds(),
		DurationToFirstByteMS: &ttfbMS,
		PromptTokens:          usage.PromptTokens,
		CompletionTokens:      usage.CompletionTokens,
		TotalTokens:           usage.TotalTokens,
		ResponseType:          responseType,
		ServerAddress:         serverAddr,
		ServerPort:            serverPort,
	}
	if raw := resp.Headers.Get(InputTokenPriceHeader); raw != "" {
		if d, err := decimal.NewFromString(raw); err == nil {
			m.InputPricePerToken = &d
		}
	}
	if raw := resp.Headers.Get(OutputTokenPriceHeader); raw != "" {
		if d, err := decimal.NewFromString(raw); err == nil {
			m.OutputPricePerToken = &d
		}
	}
	return m
}

// MapURLToOtelProvider computes the OpenTelemetry GenAI provider name from an
// upstream URL. Matching is case-insensitive; ok is false when no well-known
// provider matches.
func MapURLToOtelProvider(url string) (string, bool) {
	u := strings.ToLower(url)
	switch {
	case strings.Contains(u, "anthropic.com") || strings.Contains(u, "claude.ai"):
		return "anthropic", true
	case strings.Contains(u, "bedrock"):
		return "aws.bedrock", true
	case strings.Contains(u, "inference.azure.com"):
		return "azure.ai.inference", true
	case strings.Contains(u, "openai.azure.com"):
		return "azure.ai.openai", true
	case strings.Contains(u, "cohere.com") || strings.Contains(u, "cohere.ai"):
		return "cohere", true
	case strings.Contains(u, "deepseek.com"):
		return "deepseek", true
	case strings.Contains(u, "gemini"):
		return "gcp.gemini", true
	case strings.Contains(u, "generativelanguage.googleapis.com"):
		return "gcp.gen_ai", true
	case strings.Contains(u, "vertexai") || strings.Contains(u, "vertex-ai") || strings.Contains(u, "aiplatform.googleapis.com"):
		return "gcp.vertex_ai", true
	case strings.Contains(u, "groq.com"):
		return "groq", true
	case strings.Contains(u, "watsonx") || strings.Contains(u, "ml.cloud.ibm.com"):
		return "ibm.watsonx.ai", true
	case strings.Contains(u, "mistral.ai"):
		return "mistral_ai", true
	case strings.Contains(u, "openai.com"):
		return "openai", true
	case strings.Contains(u, "perplexity.ai"):
		return "perplexity", true
	case strings.Contains(u, "x.ai"):
		return "x_ai", true
	default:
		return "", false
	}
}

// Serializer drives the post-response accounting path.
type Serializer struct {
	store      *store.Store
	writer     *analytics.Writer
	ledger     *credits.Ledger
	instanceID string

	proxyHeaderName string
	serverAddr      string
	serverPort      int
}

// New creates a Serializer for one proxy instance.
func New(s *store.Store, instanceID, proxyHeaderName, serverAddr string, serverPort int) *Serializer {
	return &Serializer{
		store:           s,
		writer:          analytics.NewWriter(s),
		ledger:          credits.NewLedger(s),
		instanceID:      instanceID,
		proxyHeaderName: proxyHeaderName,
		serverAddr:      serverAddr,
		serverPort:      serverPort,
	}
}

// Process parses the exchange, persists the analytics row, and deducts
// credits when applicable. Errors never propagate to the response path;
// they are logged and counted. Intended to run as a detached task.
func (s *Serializer) Process(ctx context.Context, rd *RequestData, resp *ResponseData) {
	log := logging.FromContext(ctx)

	parsed, err := ParseAiResponse(rd, resp)
	if err != nil {
		var serr *SerializationError
		if errors.As(err, &serr) {
			log.Warn("unparsable response body, recording fallback",
				"correlation_id", rd.CorrelationID, "fallback_bytes", len(serr.FallbackData), "error", serr.Err)
		}
		parsed = AiResponse{Kind: ResponseOther}
	}

	m := ExtractUsageMetrics(s.instanceID, rd, resp, &parsed, s.serverAddr, s.serverPort)
	auth := AuthFromRequest(rd, s.proxyHeaderName)

	row, err := s.storeAnalyticsRecord(ctx, &m, auth, rd)
	if err != nil {
		metrics.AnalyticsErrors.Inc()
		log.Error("failed to store analytics data", "correlation_id", rd.CorrelationID, "error", err)
		return
	}

	s.deductCredits(ctx, row, auth)
}

// storeAnalyticsRecord enriches the metrics with user and pricing data and
// upserts the analytics row.
func (s *Serializer) storeAnalyticsRecord(ctx context.Context, m *UsageMetrics, auth Auth, rd *RequestData) (*analytics.Row, error) {
	log := logging.FromContext(ctx)

	var (
		userID       string
		userEmail    string
		accessSource AccessSource
	)
	switch auth.Kind {
	case AuthPlayground:
		accessSource = SourcePlayground
		userEmail = auth.Email
		q := s.store.Bind(`SELECT id FROM users WHERE email = ?`)
		err := s.store.Read.QueryRowContext(ctx, q, auth.Email).Scan(&userID)
		if err == sql.ErrNoRows {
			log.Warn("user not found for playground email", "email", auth.Email)
		} else if err != nil {
			return nil, fmt.Errorf("resolve playground user: %w", err)
		}
	case AuthAPIKey:
		accessSource = SourceAPIKey
		q := s.store.Bind(`SELECT u.id, u.email FROM api_keys ak INNER JOIN users u ON ak.user_id = u.id WHERE ak.secret = ?`)
		err := s.store.Read.QueryRowContext(ctx, q, auth.BearerToken).Scan(&userID, &userEmail)
		if err == sql.ErrNoRows {
			log.Warn("unknown API key used", "correlation_id", rd.CorrelationID)
			accessSource = SourceUnknownAPIKey
		} else if err != nil {
			return nil, fmt.Errorf("resolve api key user: %w", err)
		}
	default:
		accessSource = SourceUnauthenticated
	}

	providerName, inputPrice, outputPrice := s.lookupModelContext(ctx, m.RequestModel, auth)
	if m.InputPricePerToken == nil {
		m.InputPricePerToken = inputPrice
	}
	if m.OutputPricePerToken == nil {
		m.OutputPricePerToken = outputPrice
	}

	row := &analytics.Row{
		InstanceID:            m.InstanceID,
		CorrelationID:         m.CorrelationID,
		Timestamp:             rd.Timestamp,
		Method:                m.Method,
		URI:                   m.URI,
		RequestModel:          m.RequestModel,
		ResponseModel:         m.ResponseModel,
		StatusCode:            m.StatusCode,
		DurationMS:            m.DurationMS,
		DurationToFirstByteMS: m.DurationToFirstByteMS,
		PromptTokens:          m.PromptTokens,
		CompletionTokens:      m.CompletionTokens,
		TotalTokens:           m.TotalTokens,
		ResponseType:          m.ResponseType,
		UserID:                userID,
		UserEmail:             userEmail,
		AccessSource:          string(accessSource),
		InputPricePerToken:    m.InputPricePerToken,
		OutputPricePerToken:   m.OutputPricePerToken,
		ServerAddress:         m.ServerAddress,
		ServerPort:            m.ServerPort,
		ProviderName:          providerName,
	}
	if _, err := s.writer.Upsert(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// lookupModelContext resolves the normalized provider name and the current
// tariff for the request model. The tariff lookup keys on the caller key's
// purpose; playground and unauthenticated traffic uses the realtime tariff.
func (s *Serializer) lookupModelContext(ctx context.Context, model string, auth Auth) (string, *decimal.Decimal, *decimal.Decimal) {
	if model == "" {
		return "", nil, nil
	}
	log := logging.FromContext(ctx)

	var (
		endpointName sql.NullString
		endpointURL  sql.NullString
	)
	q := s.store.Bind(`SELECT ie.name, ie.url
FROM deployed_models dm
LEFT JOIN inference_endpoints ie ON dm.hosted_on = ie.id
WHERE dm.alias = ? OR dm.model_name = ?
LIMIT 1`)
	err := s.store.Read.QueryRowContext(ctx, q, model, model).Scan(&endpointName, &endpointURL)
	if err != nil && err != sql.ErrNoRows {
		log.Warn("failed to resolve model endpoint", "model", model, "error", err)
	}

	providerName := ""
	if endpointURL.Valid {
		if name, ok := MapURLToOtelProvider(endpointURL.String); ok {
			providerName = name
		}
	}
	if providerName == "" && endpointName.Valid {
		providerName = endpointName.String
	}

	purpose := "realtime"
	if auth.Kind == AuthAPIKey {
		pq := s.store.Bind(`SELECT purpose FROM api_keys WHERE secret = ?`)
		var p string
		if err := s.store.Read.QueryRowContext(ctx, pq, auth.BearerToken).Scan(&p); err == nil && p != "" {
			purpose = p
		}
	}

	var inputRaw, outputRaw sql.NullString
	tq := s.store.Bind(`SELECT mt.input_price_per_token, mt.output_price_per_token
FROM model_tariffs mt
INNER JOIN deployed_models dm ON dm.id = mt.deployed_model_id
WHERE (dm.alias = ? OR dm.model_name = ?) AND mt.api_key_purpose = ? AND mt.valid_until IS NULL
LIMIT 1`)
	err = s.store.Read.QueryRowContext(ctx, tq, model, model, purpose).Scan(&inputRaw, &outputRaw)
	if err != nil && err != sql.ErrNoRows {
		log.Warn("failed to resolve model tariff", "model", model, "error", err)
	}

	var inputPrice, outputPrice *decimal.Decimal
	if inputRaw.Valid {
		if d, derr := decimal.NewFromString(inputRaw.String); derr == nil {
			inputPrice = &d
		}
	}
	if outputRaw.Valid {
		if d, derr := decimal.NewFromString(outputRaw.String); derr == nil {
			outputPrice = &d
		}
	}
	return providerName, inputPrice, outputPrice
}

// deductCredits appends a usage transaction for the exchange. Deduction is
// skipped for playground access, rows without a user or model, rows with no
// pricing, and costs that round to zero. A deduction that would push the
// balance negative is still committed (best-effort post-paid) with a warning.
func (s *Serializer) deductCredits(ctx context.Context, row *analytics.Row, auth Auth) {
	log := logging.FromContext(ctx)

	if auth.Kind == AuthPlayground {
		return
	}
	if row.UserID == "" || row.RequestModel == "" {
		return
	}
	if row.InputPricePerToken == nil && row.OutputPricePerToken == nil {
		return
	}

	cost := decimal.Zero
	if row.InputPricePerToken != nil {
		cost = cost.Add(decimal.NewFromInt(row.PromptTokens).Mul(*row.InputPricePerToken))
	}
	if row.OutputPricePerToken != nil {
		cost = cost.Add(decimal.NewFromInt(row.CompletionTokens).Mul(*row.OutputPricePerToken))
	}
	cost = cost.RoundBank(2)
	if !cost.IsPositive() {
		return
	}

	balance, err := s.ledger.UserBalance(ctx, row.UserID)
	if err != nil {
		metrics.CreditDeductionErrors.Inc()
		log.Error("failed to get user balance for credit deduction",
			"correlation_id", row.CorrelationID, "user_id", row.UserID, "error", err)
		return
	}
	if balance.LessThan(cost) {
		log.Warn("API usage will result in negative balance",
			"user_id", row.UserID, "current_balance", balance.String(), "cost", cost.String())
	}

	tx, err := s.ledger.CreateTransaction(ctx, credits.CreateRequest{
		UserID:   row.UserID,
		Type:     credits.Usage,
		Amount:   cost,
		SourceID: fmt.Sprintf("%d", row.ID),
		Description: fmt.Sprintf("API usage: %s (%d input + %d output tokens)",
			row.RequestModel, row.PromptTokens, row.CompletionTokens),
	})
	if err != nil {
		metrics.CreditDeductionErrors.Inc()
		log.Error("failed to create credit transaction for API usage",
			"correlation_id", row.CorrelationID, "user_id", row.UserID, "error", err)
		return
	}

	metrics.CreditDeductions.WithLabelValues(row.RequestModel).Inc()
	log.Debug("credits deducted for API usage",
		"user_id", row.UserID, "transaction_id", tx.ID,
		"amount", cost.String(), "balance_after", tx.BalanceAfter.String(), "model", row.RequestModel)
}
