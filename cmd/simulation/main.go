package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/journal-api/internal/analytics"
	"github.com/ksred/journal-api/internal/auth"
	"github.com/ksred/journal-api/internal/currency"
	"github.com/ksred/journal-api/internal/database"
	"github.com/ksred/journal-api/internal/importer"
	"github.com/ksred/journal-api/internal/positions"
	"github.com/ksred/journal-api/internal/settings"
	"github.com/ksred/journal-api/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	serverAddress = "http://localhost:8080"
	jwtSecret     = "journal-secret-key"
	apiKey        = "test-api-key"
	apiSecret     = "test-api-secret"
	minRoundTrips = 10
	maxRoundTrips = 60
)

var symbols = []string{"AAPL", "GOOGL", "MSFT", "700", "9988"}

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

// calculate computes min, max, mean, median, 95th and 99th percentile durations
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

// simulationClient handles HTTP communication with the journal API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

func newSimulationClient() (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"import":   {name: "Import CSV"},
			"overview": {name: "Stats Overview"},
			"by_asset": {name: "Stats By Asset"},
			"calendar": {name: "Calendar"},
			"trades":   {name: "List Trades"},
			"export":   {name: "Export Fills"},
		},
	}

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

	body, err := json.Marshal(map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	})
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

// importCSV uploads a broker export and returns the HTTP status plus the
// decoded response body.
func (sc *simulationClient) importCSV(csvData []byte, override bool) (int, string, error) {
	start := time.Now()
	defer func() {
		sc.stats["import"].addDuration(time.Since(start))
	}()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "fills.csv")
	if err != nil {
		return 0, "", err
	}
	if _, err := part.Write(csvData); err != nil {
		return 0, "", err
	}
	if err := writer.WriteField("broker", "ibkr"); err != nil {
		return 0, "", err
	}
	if override {
		if err := writer.WriteField("override_duplicates", "true"); err != nil {
			return 0, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return 0, "", err
	}

	req, err := http.NewRequest("POST", fmt.Sprintf("%s/api/v1/imports", sc.baseURL), &buf)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Authorization", "Bearer "+sc.authToken)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := sc.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(respBody), nil
}

// get performs an authenticated GET and records its duration under statKey.
func (sc *simulationClient) get(path, statKey string) (int, string, error) {
	start := time.Now()
	defer func() {
		sc.stats[statKey].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest("GET", sc.baseURL+path, nil)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Authorization", "Bearer "+sc.authToken)

	resp, err := sc.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(respBody), nil
}

// generateCSV produces an IBKR-style export with the given number of
// buy/sell round trips spread across the symbol set.
func generateCSV(roundTrips int) []byte {
	var b strings.Builder
	b.WriteString("Date/Time,Symbol,Buy/Sell,Quantity,Price,Commission,CurrencyPrimary,AssetClass,OrderID\n")

	at := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	orderSeq := 0
	for i := 0; i < roundTrips; i++ {
		symbol := symbols[rand.Intn(len(symbols))]
		qty := float64(rand.Intn(90) + 10)
		open := 50.0 + rand.Float64()*200
		move := (rand.Float64() - 0.45) * 10

		orderSeq++
		fmt.Fprintf(&b, "%s,%s,BUY,%g,%.2f,-1.00,USD,STK,O%04d\n",
			at.Format("20060102;150405"), symbol, qty, open, orderSeq)
		at = at.Add(time.Duration(rand.Intn(120)+1) * time.Minute)

		orderSeq++
		fmt.Fprintf(&b, "%s,%s,SELL,%g,%.2f,-1.00,USD,STK,O%04d\n",
			at.Format("20060102;150405"), symbol, qty, open+move, orderSeq)
		at = at.Add(time.Duration(rand.Intn(120)+1) * time.Minute)
	}
	return []byte(b.String())
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
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

// main runs the journal simulation: it starts a local API server, imports a
// generated broker export, verifies duplicate handling, and walks the
// analytics endpoints.
func main() {
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	roundTrips := rand.Intn(maxRoundTrips-minRoundTrips) + minRoundTrips
	csvData := generateCSV(roundTrips)
	log.Info().Int("round_trips", roundTrips).Msg("Starting simulation")

	status, body, err := simClient.importCSV(csvData, false)
	if err != nil || status != http.StatusCreated {
		log.Fatal().Err(err).Int("status", status).Str("body", body).Msg("Initial import failed")
	}
	log.Info().Int("status", status).Msg("Initial import accepted")

	// The same file again must be refused as all duplicates.
	status, _, err = simClient.importCSV(csvData, false)
	if err != nil {
		log.Fatal().Err(err).Msg("Duplicate import request failed")
	}
	if status != http.StatusConflict {
		log.Fatal().Int("status", status).Msg("Expected duplicate import to be refused with 409")
	}
	log.Info().Msg("Duplicate import refused as expected")

	// With the override the duplicates import as parallel records.
	status, _, err = simClient.importCSV(csvData, true)
	if err != nil || status != http.StatusCreated {
		log.Fatal().Err(err).Int("status", status).Msg("Override import failed")
	}
	log.Info().Msg("Override import accepted")

	queries := []struct {
		path string
		key  string
	}{
		{"/api/v1/stats/overview", "overview"},
		{"/api/v1/stats/by-asset", "by_asset"},
		{"/api/v1/calendar?granularity=day", "calendar"},
		{"/api/v1/calendar?granularity=month&timezone=Asia/Hong_Kong", "calendar"},
		{"/api/v1/trades", "trades"},
		{"/api/v1/trades/fills/export", "export"},
	}
	for _, q := range queries {
		status, body, err := simClient.get(q.path, q.key)
		if err != nil || status != http.StatusOK {
			simClient.stats[q.key].failures++
			log.Error().Err(err).Int("status", status).Str("path", q.path).Msg("Query failed")
			continue
		}
		log.Info().Str("path", q.path).Int("bytes", len(body)).Msg("Query succeeded")
	}

	status, body, err = simClient.get("/api/v1/stats/overview", "overview")
	if err == nil && status == http.StatusOK {
		var result struct {
			Data analytics.OverviewStats `json:"data"`
		}
		if err := json.Unmarshal([]byte(body), &result); err == nil {
			log.Info().
				Int("total_trades", result.Data.TotalTrades).
				Float64("win_rate", result.Data.WinRate).
				Float64("total_pnl", result.Data.TotalProfitLoss).
				Str("currency", result.Data.Currency).
				Msg("Simulation completed")
		}
	}

	simClient.printPerformanceStats()
}

// startServer initializes and starts the journal API server on a throwaway
// database.
func startServer() error {
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	authService := auth.NewService(jwtSecret)
	authService.RegisterAPICredentials(apiKey, apiSecret)

	converter := currency.NewConverter(currency.NewStaticRateSource())
	matcher := positions.NewMatcher(converter)
	importService := importer.NewService(db, importer.NewNormalizer("USD"), matcher)
	settingsService := settings.NewService(db)
	analyticsService := analytics.NewService(db, converter)

	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	importHandlers := importer.NewGinHandlers(importService)
	analyticsHandlers := analytics.NewGinHandlers(analyticsService, settingsService)
	settingsHandlers := settings.NewGinHandlers(settingsService)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", authHandlers.GenerateTokenHandler())

		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(jwtSecret))
		{
			protected.POST("/imports", importHandlers.CreateImportHandler())
			protected.GET("/imports", importHandlers.ListImportsHandler())
			protected.GET("/trades", analyticsHandlers.ListTradesHandler())
			protected.DELETE("/trades", analyticsHandlers.DeleteTradesHandler())
			protected.GET("/trades/fills/export", analyticsHandlers.ExportFillsHandler())
			protected.GET("/stats/overview", analyticsHandlers.OverviewHandler())
			protected.GET("/stats/by-asset", analyticsHandlers.ByAssetHandler())
			protected.GET("/calendar", analyticsHandlers.CalendarHandler())
			protected.GET("/settings", settingsHandlers.GetHandler())
			protected.PATCH("/settings", settingsHandlers.UpdateHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/rebuild/:asset_code", importHandlers.RebuildAssetHandler())
		}
	}

	return router.Run(":8080")
}
