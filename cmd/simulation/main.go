package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	mrand "math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/copychannel/internal/auth"
	"github.com/ksred/copychannel/internal/channel"
	"github.com/ksred/copychannel/internal/database"
	"github.com/ksred/copychannel/internal/dedupe"
	"github.com/ksred/copychannel/internal/events"
	"github.com/ksred/copychannel/internal/registry"
	"github.com/ksred/copychannel/internal/replication"
	"github.com/ksred/copychannel/internal/risk"
	"github.com/ksred/copychannel/internal/settlement"
	"github.com/ksred/copychannel/internal/types"
)

const (
	minTrades     = 10
	maxTrades     = 60
	numCopiers    = 4
	serverAddress = "http://localhost:8080"
	assetID       = "ASSET-USD"
)

var sides = []types.Side{types.SideBuy, types.SideSell}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
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

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the copy-trading API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"leader":    {name: "Register Leader"},
			"subscribe": {name: "Subscribe Copier"},
			"trade":     {name: "Submit Trade"},
			"risk":      {name: "Copier Risk"},
			"settle":    {name: "Settle Channel"},
			"stats":     {name: "Leader Stats"},
		},
	}

	// Get auth token
	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// doJSON sends an authenticated request and decodes the data envelope into out
func (sc *simulationClient) doJSON(method, path, statKey string, payload, out interface{}) error {
	start := time.Now()
	defer func() {
		sc.stats[statKey].addDuration(time.Since(start))
	}()

	var reqBody io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(body)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats[statKey].failures++
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats[statKey].failures++
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}

	envelope := struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return json.Unmarshal(envelope.Data, out)
}

// registerLeader creates the leader session and returns it
func (sc *simulationClient) registerLeader(displayName, publicKey string, capital int64) (*types.LeaderSession, error) {
	payload := map[string]interface{}{
		"display_name": displayName,
		"public_key":   publicKey,
		"capital":      capital,
	}
	var leader types.LeaderSession
	if err := sc.doJSON("POST", "/api/v1/leaders", "leader", payload, &leader); err != nil {
		return nil, err
	}
	return &leader, nil
}

// subscribeCopier opens a copier channel against the leader
func (sc *simulationClient) subscribeCopier(copierID, leaderID string, deposit, maxDrawdownBps, feeRateBps int64) (*types.CopyRelationship, error) {
	payload := map[string]interface{}{
		"copier_id":        copierID,
		"leader_id":        leaderID,
		"deposit":          deposit,
		"max_drawdown_bps": maxDrawdownBps,
		"fee_rate_bps":     feeRateBps,
	}
	var rel types.CopyRelationship
	if err := sc.doJSON("POST", "/api/v1/copiers", "subscribe", payload, &rel); err != nil {
		return nil, err
	}
	return &rel, nil
}

// submitTrade signs and submits a leader trade intent for replication
func (sc *simulationClient) submitTrade(intent types.TradeIntent, priv ed25519.PrivateKey) (*replication.ReplicationSummary, error) {
	types.SignTradeIntent(&intent, priv)

	var summary replication.ReplicationSummary
	if err := sc.doJSON("POST", "/api/v1/trades", "trade", intent, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// copierRisk fetches a copier's live risk metrics
func (sc *simulationClient) copierRisk(copierID string) (*types.CopierRiskMetrics, error) {
	var metrics types.CopierRiskMetrics
	if err := sc.doJSON("GET", "/api/v1/copiers/"+copierID+"/risk", "risk", nil, &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

// settleChannel closes a copier channel and settles it on-chain
func (sc *simulationClient) settleChannel(channelHandle string) (*settlement.SettlementResult, error) {
	var result settlement.SettlementResult
	if err := sc.doJSON("POST", "/api/v1/internal/settlement/"+channelHandle, "settle", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// leaderStats fetches the leader's aggregate statistics
func (sc *simulationClient) leaderStats(leaderID string) (*types.LeaderStats, error) {
	var stats types.LeaderStats
	if err := sc.doJSON("GET", "/api/v1/leaders/"+leaderID+"/stats", "stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
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

// main runs the copy-trading simulation
// It starts a local API server, registers a leader with several copiers,
// replicates a stream of signed trades and settles the copier channels
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Initialize simulation client
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	// Generate the leader identity
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to generate leader keypair")
	}
	leaderID := hex.EncodeToString(pub)

	leader, err := simClient.registerLeader("sim-leader", leaderID, 10_000_00)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register leader")
	}
	log.Info().
		Str("leader_id", leader.LeaderID).
		Str("channel", leader.ChannelHandle).
		Msg("Leader registered")

	// Subscribe copiers with varied deposits and drawdown limits
	var relationships []*types.CopyRelationship
	for i := 0; i < numCopiers; i++ {
		copierID := fmt.Sprintf("COPIER_%d", i)
		deposit := int64(mrand.Intn(4000)+1000) * 100 // 1,000.00 to 5,000.00
		maxDrawdownBps := int64(mrand.Intn(1500) + 500)

		rel, err := simClient.subscribeCopier(copierID, leaderID, deposit, maxDrawdownBps, 200)
		if err != nil {
			log.Error().Err(err).Str("copier_id", copierID).Msg("Failed to subscribe copier")
			continue
		}
		relationships = append(relationships, rel)
		log.Info().
			Str("copier_id", copierID).
			Str("channel", rel.CopierChannel).
			Int64("deposit", deposit).
			Int64("max_drawdown_bps", maxDrawdownBps).
			Msg("Copier subscribed")
	}

	// Replicate a stream of signed leader trades
	targetTrades := mrand.Intn(maxTrades-minTrades) + minTrades
	log.Info().Int("target_trades", targetTrades).Msg("Starting simulation")

	stats := struct {
		TotalTrades    int
		Replicated     int
		FailedLegs     int
		RejectedTrades int
		SettledCopiers int
		StartTime      time.Time
		Sides          map[string]int
	}{
		StartTime: time.Now(),
		Sides:     make(map[string]int),
	}

	for i := 0; i < targetTrades; i++ {
		intent := types.TradeIntent{
			TradeID:       uuid.New().String(),
			LeaderID:      leaderID,
			Side:          sides[mrand.Intn(len(sides))],
			AssetID:       assetID,
			Quantity:      int64(mrand.Intn(5) + 1),
			Price:         int64(mrand.Intn(200)+400) * 100,
			Timestamp:     time.Now().UnixMilli(),
			ChannelHandle: leader.ChannelHandle,
		}

		stats.TotalTrades++
		stats.Sides[string(intent.Side)]++

		summary, err := simClient.submitTrade(intent, priv)
		if err != nil {
			log.Error().Err(err).Str("trade_id", intent.TradeID).Msg("Failed to submit trade")
			stats.RejectedTrades++
			continue
		}

		stats.Replicated += summary.Succeeded
		stats.FailedLegs += summary.Failed

		log.Info().
			Str("trade_id", summary.TradeID).
			Str("side", string(intent.Side)).
			Int64("quantity", intent.Quantity).
			Int("succeeded", summary.Succeeded).
			Int("failed", summary.Failed).
			Msg("Trade replicated")

		// Random sleep between trades
		time.Sleep(time.Duration(mrand.Intn(200)) * time.Millisecond)
	}

	// Report copier risk before settlement
	for _, rel := range relationships {
		metrics, err := simClient.copierRisk(rel.CopierID)
		if err != nil {
			log.Warn().Err(err).Str("copier_id", rel.CopierID).Msg("Failed to read copier risk")
			continue
		}
		log.Info().
			Str("copier_id", metrics.CopierID).
			Int64("current_value", metrics.CurrentValue).
			Int64("drawdown_bps", metrics.DrawdownBps).
			Int("open_positions", metrics.OpenPositions).
			Bool("active", metrics.Active).
			Msg("Copier risk")
	}

	// Settle every copier channel
	for _, rel := range relationships {
		result, err := simClient.settleChannel(rel.CopierChannel)
		if err != nil {
			log.Error().Err(err).Str("channel", rel.CopierChannel).Msg("Failed to settle channel")
			continue
		}
		stats.SettledCopiers++
		log.Info().
			Str("settlement_id", result.SettlementID).
			Str("channel", result.ChannelHandle).
			Int64("final_balance", result.FinalBalance).
			Int64("fee_due", result.FeeDue).
			Int64("net_payout", result.NetPayout).
			Str("tx_ref", result.TxRef).
			Msg("Channel settled")
	}

	// Final leader statistics
	leaderStats, err := simClient.leaderStats(leaderID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read leader stats")
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 COPY-TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Replication Statistics
------------------------
Leader Trades:    %d
Copier Legs OK:   %d
Copier Legs Fail: %d
Rejected Trades:  %d
Settled Copiers:  %d
Duration:         %v
`, stats.TotalTrades, stats.Replicated, stats.FailedLegs, stats.RejectedTrades,
		stats.SettledCopiers, duration.Round(time.Millisecond))

	if leaderStats != nil {
		fmt.Printf(`
📈 Leader
---------
Active Copiers:   %d
Volume:           %d
Fees Earned:      %d
`, leaderStats.ActiveCopiers, leaderStats.ReplicatedVolume, leaderStats.FeesEarned)
	}

	fmt.Println("\n📉 Side Distribution")
	fmt.Println("------------------")
	for side, count := range stats.Sides {
		barLength := int(float64(count) / float64(stats.TotalTrades) * 20)
		bar := strings.Repeat("█", barLength)
		fmt.Printf("%-4s: %s (%d)\n", side, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("leader_trades", stats.TotalTrades).
		Int("copier_legs", stats.Replicated).
		Int("settled", stats.SettledCopiers).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// startServer initializes and starts the copy-trading API server
// Sets up all required services, handlers and routes
func startServer() error {
	// Initialize database
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// In-process infrastructure for the simulation run
	publisher := events.NewBus()
	ledger := dedupe.NewMemoryLedger(time.Hour)
	hub := channel.NewMockHub()
	hub.SetPrice(assetID, 500_00)
	locks := channel.NewLockTable()
	riskManager := risk.NewManager()

	// Initialize services
	authService := auth.NewService("copychannel-secret-key")
	registryService := registry.NewService(db, hub, hub, riskManager, publisher)
	engine := replication.NewEngine(db, registryService, riskManager, hub, hub, publisher, locks, risk.Limits{
		MaxPositionSize:  1_000_000_00,
		MaxOpenPositions: 20,
		MaxDailyLoss:     50_000_00,
	})
	settlementService := settlement.NewService(db, registryService, hub, hub, riskManager, publisher, locks)

	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	registryHandlers := registry.NewGinHandlers(registryService)
	replicationHandlers := replication.NewGinHandlers(engine, ledger)
	settlementHandlers := settlement.NewGinHandlers(settlementService)

	// Setup routes
	setupRoutes(router, authHandlers, registryHandlers, replicationHandlers, settlementHandlers)

	// Start the server
	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality; the simulation skips auth middleware
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	registryHandlers *registry.GinHandlers,
	replicationHandlers *replication.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Leader routes
		leaders := v1.Group("/leaders")
		{
			leaders.POST("", registryHandlers.RegisterLeaderHandler())
			leaders.GET("/:leader_id/stats", registryHandlers.LeaderStatsHandler())
		}

		// Copier routes
		copiers := v1.Group("/copiers")
		{
			copiers.POST("", registryHandlers.SubscribeCopierHandler())
			copiers.DELETE("/:copier_id", registryHandlers.UnsubscribeCopierHandler())
			copiers.GET("/:copier_id/risk", registryHandlers.CopierRiskHandler())
		}

		// Trade routes
		trades := v1.Group("/trades")
		{
			trades.POST("", replicationHandlers.SubmitTradeHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		{
			internal.POST("/settlement/:channel_id", settlementHandlers.SettleChannelHandler())
			internal.GET("/settlement/:settlement_id", settlementHandlers.GetSettlementHandler())
		}
	}
}
