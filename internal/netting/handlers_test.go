package netting

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-netting/internal/auth"
	"github.com/ksred/klear-netting/pkg/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type apiClient struct {
	t      *testing.T
	router *gin.Engine
	tokens map[string]string
}

func newAPIClient(t *testing.T) *apiClient {
	t.Helper()
	gin.SetMode(gin.TestMode)

	authService := auth.NewService("test-secret", time.Hour)
	authService.RegisterAPICredentials("ops", "ops-secret", PermissionOperate)
	authService.RegisterAPICredentials("cfo", "cfo-secret", PermissionOperate, PermissionApprove)

	engine := NewEngine(NewMemoryRepository(), NewOptimizer(OptimizerConfig{}))
	router := gin.New()
	v1 := router.Group("/api/v1")
	protected := v1.Group("")
	protected.Use(middleware.JWTAuth(authService), middleware.RequirePermission(PermissionOperate))
	NewGinHandlers(engine).RegisterRoutes(protected)

	client := &apiClient{t: t, router: router, tokens: map[string]string{}}
	for key, secret := range map[string]string{"ops": "ops-secret", "cfo": "cfo-secret"} {
		token, err := authService.GenerateToken(auth.Credentials{APIKey: key, APISecret: secret})
		require.NoError(t, err)
		client.tokens[key] = token.Token
	}
	return client
}

func (a *apiClient) do(as, method, path string, body interface{}, headers ...string) (int, apiEnvelope) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		req.Header.Set("Authorization", "Bearer "+a.tokens[as])
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var env apiEnvelope
	require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func decodeSession(t *testing.T, env apiEnvelope) SessionView {
	t.Helper()
	var v SessionView
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func (a *apiClient) seedAgreement() {
	a.t.Helper()
	status, env := a.do("ops", http.MethodPost, "/api/v1/agreements", CreateAgreementRequest{
		AgreementID:      "AGR_HTTP",
		Name:             "Intercompany EUR",
		Currency:         "EUR",
		Frequency:        FrequencyMonthly,
		SettlementMethod: MethodClearingAccount,
		Parties: []PartyInput{
			{PartyID: "A", Name: "Alpha"},
			{PartyID: "B", Name: "Beta"},
			{PartyID: "C", Name: "Gamma"},
		},
	})
	require.Equal(a.t, http.StatusCreated, status, env.Error)
}

func cycleRequest() CreateSessionRequest {
	return CreateSessionRequest{
		AgreementID: "AGR_HTTP",
		NettingDate: "2024-03-31",
		Transactions: []TransactionRequest{
			{SourceParty: "A", TargetParty: "B", Amount: "100.00", Currency: "EUR"},
			{SourceParty: "B", TargetParty: "C", Amount: "100", Currency: "EUR"},
			{SourceParty: "C", TargetParty: "A", Amount: "40.00", Currency: "eur"},
		},
	}
}

func TestHTTPSessionLifecycle(t *testing.T) {
	api := newAPIClient(t)
	api.seedAgreement()

	status, env := api.do("ops", http.MethodPost, "/api/v1/sessions", cycleRequest())
	require.Equal(t, http.StatusCreated, status, env.Error)
	session := decodeSession(t, env)
	assert.Equal(t, StatusDraft, session.Status)
	assert.False(t, session.Terminal)
	assert.Equal(t, "2024-03-31", session.NettingDate)
	assert.Equal(t, "240.00", session.GrossAmount)
	require.Len(t, session.Positions, 3)
	assert.Equal(t, "-60.00", session.Positions[0].NetAmount)
	assert.Equal(t, "0.00", session.Positions[1].NetAmount)
	assert.Equal(t, "60.00", session.Positions[2].NetAmount)

	base := "/api/v1/sessions/" + session.SessionID

	status, _ = api.do("ops", http.MethodPost, base+"/submit", nil)
	require.Equal(t, http.StatusOK, status)

	status, env = api.do("ops", http.MethodPost, base+"/approve", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	status, env = api.do("cfo", http.MethodPost, base+"/approve", nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	session = decodeSession(t, env)
	assert.Equal(t, "cfo", session.ApprovedBy)
	require.Len(t, session.Instructions, 1)
	assert.Equal(t, "A", session.Instructions[0].SourceParty)
	assert.Equal(t, "C", session.Instructions[0].TargetParty)
	assert.Equal(t, "60.00", session.Instructions[0].Amount)

	status, env = api.do("cfo", http.MethodPost, base+"/approve", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "INVALID_STATE", env.Error.Code)

	status, env = api.do("ops", http.MethodPost, base+"/cancel", CancelRequest{Reason: "changed my mind"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "INVALID_STATE", env.Error.Code)

	status, env = api.do("ops", http.MethodPost, base+"/settle", nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	settled := decodeSession(t, env)
	assert.Equal(t, StatusSettled, settled.Status)
	assert.True(t, settled.Terminal)

	status, env = api.do("ops", http.MethodGet, base+"/audit", nil)
	require.Equal(t, http.StatusOK, status)
	var records []AuditRecord
	require.NoError(t, json.Unmarshal(env.Data, &records))
	require.Len(t, records, 4)
	assert.Equal(t, "cfo", records[2].Actor)

	status, env = api.do("ops", http.MethodGet, "/api/v1/agreements/AGR_HTTP", nil)
	require.Equal(t, http.StatusOK, status)
	var agreement Agreement
	require.NoError(t, json.Unmarshal(env.Data, &agreement))
	require.NotNil(t, agreement.LastNettingDate)
	assert.Equal(t, "2024-03-31", agreement.LastNettingDate.Format(dateLayout))
}

func TestHTTPCreateSessionValidation(t *testing.T) {
	api := newAPIClient(t)
	api.seedAgreement()

	tests := []struct {
		name       string
		mutate     func(r *CreateSessionRequest)
		wantStatus int
		wantCode   string
	}{
		{
			name:       "sub-cent precision",
			mutate:     func(r *CreateSessionRequest) { r.Transactions[0].Amount = "100.001" },
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_INPUT",
		},
		{
			name:       "not a number",
			mutate:     func(r *CreateSessionRequest) { r.Transactions[0].Amount = "ten" },
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_INPUT",
		},
		{
			name:       "bad date",
			mutate:     func(r *CreateSessionRequest) { r.NettingDate = "31/03/2024" },
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_INPUT",
		},
		{
			name:       "currency mismatch",
			mutate:     func(r *CreateSessionRequest) { r.Transactions[1].Currency = "USD" },
			wantStatus: http.StatusBadRequest,
			wantCode:   "CURRENCY_MISMATCH",
		},
		{
			name:       "empty",
			mutate:     func(r *CreateSessionRequest) { r.Transactions = nil },
			wantStatus: http.StatusBadRequest,
			wantCode:   "EMPTY_TRANSACTION_SET",
		},
		{
			name:       "unknown agreement",
			mutate:     func(r *CreateSessionRequest) { r.AgreementID = "AGR_NOPE" },
			wantStatus: http.StatusNotFound,
			wantCode:   "AGREEMENT_NOT_FOUND",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := cycleRequest()
			tt.mutate(&req)
			status, env := api.do("ops", http.MethodPost, "/api/v1/sessions", req)
			assert.Equal(t, tt.wantStatus, status)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.wantCode, env.Error.Code)
		})
	}
}

func TestHTTPIdempotencyKeyHeader(t *testing.T) {
	api := newAPIClient(t)
	api.seedAgreement()

	_, first := api.do("ops", http.MethodPost, "/api/v1/sessions", cycleRequest(), "Idempotency-Key", "k-1")
	_, second := api.do("ops", http.MethodPost, "/api/v1/sessions", cycleRequest(), "Idempotency-Key", "k-1")
	assert.Equal(t, decodeSession(t, first).SessionID, decodeSession(t, second).SessionID)

	changed := cycleRequest()
	changed.Transactions = changed.Transactions[:1]
	status, env := api.do("ops", http.MethodPost, "/api/v1/sessions", changed, "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusConflict, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "IDEMPOTENCY_KEY_CONFLICT", env.Error.Code)

	status, env = api.do("ops", http.MethodGet, "/api/v1/sessions?agreement_id=AGR_HTTP", nil)
	require.Equal(t, http.StatusOK, status)
	var sessions []SessionView
	require.NoError(t, json.Unmarshal(env.Data, &sessions))
	assert.Len(t, sessions, 1)
}

func TestHTTPInstructionFailureAndDelete(t *testing.T) {
	api := newAPIClient(t)
	api.seedAgreement()

	_, env := api.do("ops", http.MethodPost, "/api/v1/sessions", cycleRequest())
	session := decodeSession(t, env)
	base := "/api/v1/sessions/" + session.SessionID

	status, env := api.do("ops", http.MethodPut, base+"/transactions", TransactionsRequest{
		Transactions: []TransactionRequest{{SourceParty: "A", TargetParty: "B", Amount: "12.34", Currency: "EUR"}},
	})
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Len(t, decodeSession(t, env).Positions, 2)

	api.do("ops", http.MethodPost, base+"/submit", nil)
	_, env = api.do("cfo", http.MethodPost, base+"/approve", nil)
	ins := decodeSession(t, env).Instructions[0]

	status, env = api.do("ops", http.MethodPut, base+"/transactions", TransactionsRequest{})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "SESSION_LOCKED", env.Error.Code)

	status, env = api.do("ops", http.MethodPost, base+"/instructions/"+ins.InstructionID+"/fail", FailInstructionRequest{Reason: "IBAN rejected"})
	require.Equal(t, http.StatusOK, status, env.Error)

	status, env = api.do("ops", http.MethodPost, base+"/settle", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, StatusApproved, decodeSession(t, env).Status)

	status, env = api.do("ops", http.MethodPost, base+"/instructions/"+ins.InstructionID+"/resolve", ResolveInstructionRequest{Resolution: "ignore"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)

	status, env = api.do("ops", http.MethodPost, base+"/instructions/"+ins.InstructionID+"/resolve", ResolveInstructionRequest{Resolution: ResolutionReconcile})
	require.Equal(t, http.StatusOK, status, env.Error)

	status, env = api.do("ops", http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusConflict, status)

	_, env = api.do("ops", http.MethodPost, "/api/v1/sessions", cycleRequest())
	draft := decodeSession(t, env)
	status, _ = api.do("ops", http.MethodDelete, "/api/v1/sessions/"+draft.SessionID, nil)
	assert.Equal(t, http.StatusOK, status)
	status, env = api.do("ops", http.MethodGet, "/api/v1/sessions/"+draft.SessionID, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "SESSION_NOT_FOUND", env.Error.Code)
}

func TestHTTPAgreementRoutes(t *testing.T) {
	api := newAPIClient(t)
	api.seedAgreement()

	status, env := api.do("ops", http.MethodPost, "/api/v1/agreements/AGR_HTTP/parties", PartyInput{PartyID: "D", Name: "Delta", Kind: PartyInternal})
	require.Equal(t, http.StatusCreated, status, env.Error)

	status, env = api.do("ops", http.MethodPost, "/api/v1/agreements/AGR_HTTP/parties", PartyInput{PartyID: "D", Name: "Delta"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "DUPLICATE_PARTY", env.Error.Code)

	name := "Delta GmbH"
	status, env = api.do("ops", http.MethodPatch, "/api/v1/agreements/AGR_HTTP/parties/D", UpdatePartyRequest{Name: &name})
	require.Equal(t, http.StatusOK, status, env.Error)
	var party Party
	require.NoError(t, json.Unmarshal(env.Data, &party))
	assert.Equal(t, name, party.Name)

	frequency := "hourly"
	status, env = api.do("ops", http.MethodPatch, "/api/v1/agreements/AGR_HTTP", UpdateAgreementRequest{Frequency: &frequency})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)

	status, env = api.do("ops", http.MethodGet, "/api/v1/agreements", nil)
	require.Equal(t, http.StatusOK, status)
	var agreements []Agreement
	require.NoError(t, json.Unmarshal(env.Data, &agreements))
	require.Len(t, agreements, 1)
	assert.Len(t, agreements[0].Parties, 4)
}

func TestHTTPRequiresToken(t *testing.T) {
	api := newAPIClient(t)
	status, env := api.do("", http.MethodGet, "/api/v1/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.False(t, env.Success)
}
