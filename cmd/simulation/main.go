package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-netting/internal/money"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	minTransactions = 10
	maxTransactions = 120
	numWorkers      = 5
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate returns min, max, mean, median, p95 and p99 of the recorded durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type transactionRequest struct {
	SourceParty    string `json:"source_party"`
	TargetParty    string `json:"target_party"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	SourceDocument string `json:"source_document"`
}

type sessionResult struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	GrossAmount  string `json:"gross_amount"`
	Transactions []struct {
		TransactionID string `json:"transaction_id"`
	} `json:"transactions"`
	Instructions []struct {
		InstructionID string `json:"instruction_id"`
		Amount        string `json:"amount"`
	} `json:"instructions"`
}

// simulationClient handles HTTP communication with the netting API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newSimulationClient(baseURL, apiKey, apiSecret string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"agreement": {name: "Create Agreement"},
			"create":    {name: "Create Session"},
			"submit":    {name: "Submit Session"},
			"approve":   {name: "Approve Session"},
			"settle":    {name: "Settle Session"},
		},
	}

	token, err := sc.authenticate(apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

func (sc *simulationClient) record(route string, start time.Time, err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats[route].addDuration(time.Since(start))
	if err != nil {
		sc.stats[route].failures++
	}
}

// call sends a JSON request and decodes the response envelope into out
func (sc *simulationClient) call(route, method, path string, body interface{}, out interface{}, headers ...string) (err error) {
	start := time.Now()
	defer func() { sc.record(route, start, err) }()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, sc.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		if env.Error != nil {
			return fmt.Errorf("%s failed with status %d: %s %s", route, resp.StatusCode, env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("%s failed with status %d", route, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	var result struct {
		Token string `json:"jwt_token"`
	}
	creds := map[string]string{"api_key": apiKey, "api_secret": apiSecret}
	if err := sc.call("auth", http.MethodPost, "/api/v1/auth/token", creds, &result); err != nil {
		return "", err
	}
	return result.Token, nil
}

func (sc *simulationClient) createAgreement(currency string, parties []string) (string, error) {
	partyInputs := make([]map[string]string, 0, len(parties))
	for _, p := range parties {
		partyInputs = append(partyInputs, map[string]string{"party_id": p, "name": "Entity " + p, "kind": "internal"})
	}
	req := map[string]interface{}{
		"name":              "Simulation " + time.Now().Format(time.RFC3339),
		"currency":          currency,
		"frequency":         "daily",
		"settlement_method": "direct_transfer",
		"parties":           partyInputs,
	}

	var result struct {
		AgreementID string `json:"agreement_id"`
	}
	if err := sc.call("agreement", http.MethodPost, "/api/v1/agreements", req, &result); err != nil {
		return "", err
	}
	return result.AgreementID, nil
}

func (sc *simulationClient) createSession(agreementID string, nettingDate time.Time, txns []transactionRequest) (*sessionResult, error) {
	req := map[string]interface{}{
		"agreement_id": agreementID,
		"netting_date": nettingDate.Format("2006-01-02"),
		"transactions": txns,
	}
	var result sessionResult
	err := sc.call("create", http.MethodPost, "/api/v1/sessions", req, &result, "Idempotency-Key", uuid.New().String())
	return &result, err
}

func (sc *simulationClient) transition(route, sessionID string) (*sessionResult, error) {
	var result sessionResult
	err := sc.call(route, http.MethodPost, fmt.Sprintf("/api/v1/sessions/%s/%s", sessionID, route), nil, &result)
	return &result, err
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	routes := make([]string, 0, len(sc.stats))
	for route := range sc.stats {
		routes = append(routes, route)
	}
	sort.Strings(routes)

	for _, route := range routes {
		stats := sc.stats[route]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// randomTransactions builds n obligations between distinct random parties
func randomTransactions(n int, parties []string, currency string) []transactionRequest {
	txns := make([]transactionRequest, 0, n)
	for i := 0; i < n; i++ {
		src := rand.Intn(len(parties))
		dst := rand.Intn(len(parties) - 1)
		if dst >= src {
			dst++
		}
		amount := money.FromMinor(int64(rand.Intn(5_000_000)+100), currency)
		txns = append(txns, transactionRequest{
			SourceParty:    parties[src],
			TargetParty:    parties[dst],
			Amount:         amount,
			Currency:       currency,
			SourceDocument: fmt.Sprintf("INV-%06d", rand.Intn(1_000_000)),
		})
	}
	return txns
}

type simulationStats struct {
	mu           sync.Mutex
	sessions     int
	settled      int
	failed       int
	transactions int
	instructions int
	grossValue   decimal.Decimal
	settledValue decimal.Decimal
}

func (s *simulationStats) add(txns, instructions int, gross, settled decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settled++
	s.transactions += txns
	s.instructions += instructions
	s.grossValue = s.grossValue.Add(gross)
	s.settledValue = s.settledValue.Add(settled)
}

func (s *simulationStats) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
}

// runSession takes one session from creation to settlement
func runSession(sc *simulationClient, agreementID string, nettingDate time.Time, parties []string, currency string, stats *simulationStats) {
	n := rand.Intn(maxTransactions-minTransactions) + minTransactions
	txns := randomTransactions(n, parties, currency)

	session, err := sc.createSession(agreementID, nettingDate, txns)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create session")
		stats.fail()
		return
	}

	for _, step := range []string{"submit", "approve", "settle"} {
		next, err := sc.transition(step, session.SessionID)
		if err != nil {
			log.Error().Err(err).Str("session_id", session.SessionID).Str("step", step).Msg("Session step failed")
			stats.fail()
			return
		}
		if step == "approve" {
			session.Instructions = next.Instructions
		}
		session.Status = next.Status
	}

	gross, _ := decimal.NewFromString(session.GrossAmount)
	settled := decimal.Zero
	for _, ins := range session.Instructions {
		amount, err := decimal.NewFromString(ins.Amount)
		if err == nil {
			settled = settled.Add(amount)
		}
	}
	stats.add(len(session.Transactions), len(session.Instructions), gross, settled)

	log.Info().
		Str("session_id", session.SessionID).
		Int("transactions", len(session.Transactions)).
		Int("instructions", len(session.Instructions)).
		Str("gross", gross.StringFixed(money.Exponent(currency))).
		Str("settled", settled.StringFixed(money.Exponent(currency))).
		Str("status", session.Status).
		Msg("Session settled")
}

// main drives agreements and netting sessions against a running server
func main() {
	baseURL := flag.String("url", "http://localhost:8080", "netting API base URL")
	apiKey := flag.String("api-key", "test-approver-key", "API key with operate and approve permissions")
	apiSecret := flag.String("api-secret", "test-approver-secret", "API secret")
	numParties := flag.Int("parties", 8, "number of parties in the agreement")
	numSessions := flag.Int("sessions", 20, "number of sessions to run")
	currency := flag.String("currency", "USD", "agreement currency")
	flag.Parse()

	if *numParties < 2 {
		log.Fatal().Int("parties", *numParties).Msg("At least two parties are required")
	}

	simClient, err := newSimulationClient(*baseURL, *apiKey, *apiSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	parties := make([]string, 0, *numParties)
	for i := 0; i < *numParties; i++ {
		parties = append(parties, fmt.Sprintf("P%02d", i+1))
	}

	agreementID, err := simClient.createAgreement(*currency, parties)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create agreement")
	}
	log.Info().Str("agreement_id", agreementID).Int("parties", len(parties)).Int("sessions", *numSessions).Msg("Starting simulation")

	stats := &simulationStats{grossValue: decimal.Zero, settledValue: decimal.Zero}
	start := time.Now()

	sessions := make(chan time.Time)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for nettingDate := range sessions {
				runSession(simClient, agreementID, nettingDate, parties, *currency, stats)
			}
		}()
	}

	base := time.Now().UTC().Truncate(24 * time.Hour)
	for i := 0; i < *numSessions; i++ {
		stats.sessions++
		sessions <- base.AddDate(0, 0, i)
	}
	close(sessions)
	wg.Wait()

	duration := time.Since(start)
	compression := 0.0
	if stats.transactions > 0 {
		compression = (1 - float64(stats.instructions)/float64(stats.transactions)) * 100
	}
	saved := stats.grossValue.Sub(stats.settledValue)
	exp := money.Exponent(*currency)

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("NETTING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Sessions:            %d
Settled:             %d
Failed:              %d
Transactions:        %d
Instructions:        %d
Payment compression: %.1f%%
Gross value:         %s %s
Settled value:       %s %s
Liquidity saved:     %s %s
Duration:            %v
`, stats.sessions, stats.settled, stats.failed, stats.transactions, stats.instructions, compression,
		stats.grossValue.StringFixed(exp), *currency,
		stats.settledValue.StringFixed(exp), *currency,
		saved.StringFixed(exp), *currency,
		duration.Round(time.Millisecond))
	fmt.Println(strings.Repeat("=", 80))

	log.Info().
		Int("settled", stats.settled).
		Int("failed", stats.failed).
		Float64("compression_pct", compression).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}
