// Package main provides the Cloud-Code Claude Proxy server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/poemonsense/antigravity-proxy-go/internal/account"
	"github.com/poemonsense/antigravity-proxy-go/internal/account/strategies"
	"github.com/poemonsense/antigravity-proxy-go/internal/auth"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/internal/server"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
	"github.com/poemonsense/antigravity-proxy-go/pkg/sqlitestore"
)

const version = "1.0.0"

var (
	debugMode    bool
	fallback     bool
	strategyName string
	port         int
	host         string
)

func main() {
	root := &cobra.Command{
		Use:   "antigravity-proxy",
		Short: "Protocol-translating gateway in front of pooled Cloud-Code accounts and local OpenAI-compatible endpoints",
		RunE:  runServer,
	}

	root.Flags().BoolVar(&debugMode, "debug", false, "Enable verbose debug logging")
	root.Flags().BoolVar(&fallback, "fallback", false, "Enable model fallback on quota exhaust")
	root.Flags().StringVar(&strategyName, "strategy", "", "Account selection strategy (sticky/round-robin/hybrid)")
	root.Flags().IntVar(&port, "port", 0, "Server port (default: 8080)")
	root.Flags().StringVar(&host, "host", "", "Bind address (default: 0.0.0.0)")

	if err := root.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	if os.Getenv("DEBUG") == "true" {
		debugMode = true
	}
	if os.Getenv("FALLBACK") == "true" {
		fallback = true
	}

	if port == 0 {
		if envPort := os.Getenv("PORT"); envPort != "" {
			fmt.Sscanf(envPort, "%d", &port)
		}
	}
	if port == 0 {
		port = config.DefaultPort
	}

	if host == "" {
		host = os.Getenv("HOST")
	}
	if host == "" {
		host = "0.0.0.0"
	}

	if strategyName != "" {
		validStrategies := []string{strategies.StrategySticky, strategies.StrategyRoundRobin, strategies.StrategyHybrid}
		valid := false
		for _, s := range validStrategies {
			if strings.ToLower(strategyName) == s {
				valid = true
				strategyName = s
				break
			}
		}
		if !valid {
			utils.Warn("[Startup] Invalid strategy \"%s\". Valid options: %s. Using default.",
				strategyName, strings.Join(validStrategies, ", "))
			strategyName = ""
		}
	}

	utils.SetDebug(debugMode)

	cfg := config.GetConfig()
	if debugMode {
		cfg.Debug = true
		utils.Debug("Debug mode enabled")
	}
	if fallback {
		utils.Info("Model fallback mode enabled")
	}

	redisClient, err := redis.NewClient(redis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	var accountManager *account.Manager
	if err != nil {
		utils.Warn("[Startup] Redis unavailable (%v); falling back to local SQLite store", err)
		sqlitePath := filepath.Join(config.ConfigDir(), "accounts.db")
		sqliteStore, sqliteErr := sqlitestore.Open(sqlitePath)
		if sqliteErr != nil {
			utils.Error("[Startup] Failed to open SQLite fallback store: %v", sqliteErr)
			os.Exit(1)
		}
		utils.Info("[Startup] Using SQLite store at %s", sqlitePath)
		accountManager = account.NewManagerWithStore(sqliteStore, cfg)
		redisClient = nil
	} else {
		accountManager = account.NewManager(redisClient, cfg)
		accountManager.SetLegacyTokenExtractor(auth.NewTokenExtractor(redis.NewAccountStore(redisClient)))
	}

	format.InitGlobalSignatureCache(redisClient)

	srv := server.New(cfg, accountManager, server.Options{
		FallbackEnabled:  fallback,
		StrategyOverride: strategyName,
		Debug:            debugMode,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := srv.Initialize(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	cancel()

	srv.SetupRoutes()
	engine := srv.Engine()

	printBanner(port, host, strategyName, debugMode, fallback, accountManager, cfg)

	addr := fmt.Sprintf("%s:%d", host, port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		utils.Info("[Server] Starting on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Error("[Server] Failed to start: %v", err)
			os.Exit(1)
		}
	}()

	refreshStop := make(chan struct{})
	go runTokenRefreshScheduler(accountManager, refreshStop)

	utils.Success("Server started successfully on port %d", port)
	if debugMode {
		utils.Warn("Running in DEBUG mode - verbose logs enabled")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	close(refreshStop)
	utils.Info("Shutting down server...")

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		utils.Error("Server forced to shutdown: %v", err)
		os.Exit(1)
	}

	if redisClient != nil {
		redisClient.Close()
	}

	utils.Success("Server stopped")
	return nil
}

// runTokenRefreshScheduler wakes every config.TokenRefreshSchedulerIntervalMs
// and proactively refreshes any OAuth account whose cached token is within
// config.TokenRefreshWindowMs of expiring, so requests rarely have to pay
// for a synchronous refresh. It exits when stop is closed.
func runTokenRefreshScheduler(am *account.Manager, stop <-chan struct{}) {
	interval := time.Duration(config.TokenRefreshSchedulerIntervalMs) * time.Millisecond
	window := time.Duration(config.TokenRefreshWindowMs) * time.Millisecond

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			utils.Debug("[TokenRefresh] Scheduler stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if errs := am.ForceRefreshAll(ctx, window); len(errs) > 0 {
				utils.Warn("[TokenRefresh] Proactive refresh failed for %d account(s): %v", len(errs), errs)
			}
			cancel()
		}
	}
}

// printBanner prints the startup banner
func printBanner(port int, host, strategy string, debugMode, fallback bool, am *account.Manager, cfg *config.Config) {
	fmt.Print("\033[H\033[2J")

	status := am.GetStatus()
	strategyLabel := strategies.GetStrategyLabel(am.GetStrategyName())

	displayHost := host
	if host == "0.0.0.0" {
		displayHost = "localhost"
	}

	statusLines := []string{
		fmt.Sprintf("    ✓ Strategy: %s", strategyLabel),
		fmt.Sprintf("    ✓ Accounts: %s", status.Summary),
	}
	if debugMode {
		statusLines = append(statusLines, "    ✓ Debug mode enabled")
	}
	if fallback {
		statusLines = append(statusLines, "    ✓ Model fallback enabled")
	}

	controlLines := []string{
		"    --strategy=<s>     Set account selection strategy",
		"                       (sticky/round-robin/hybrid)",
	}
	if !debugMode {
		controlLines = append(controlLines, "    --debug            Enable verbose debug logging")
	}
	if !fallback {
		controlLines = append(controlLines, "    --fallback         Enable model fallback on quota exhaust")
	}
	controlLines = append(controlLines, "    Ctrl+C             Stop server")

	fmt.Println(`
╔══════════════════════════════════════════════════════════════╗
║            Cloud-Code Claude Proxy Server v` + version + `             ║
╠══════════════════════════════════════════════════════════════╣
║                                                              ║`)
	fmt.Printf("║  Server running at: http://%s:%-23d ║\n", displayHost, port)
	fmt.Printf("║  Bound to: %s:%-42d ║\n", host, port)
	fmt.Println("║                                                              ║")
	fmt.Println("║  Active Modes:                                               ║")
	for _, line := range statusLines {
		fmt.Printf("║  %-60s ║\n", line)
	}
	fmt.Println("║                                                              ║")
	fmt.Println("║  Control:                                                    ║")
	for _, line := range controlLines {
		fmt.Printf("║  %-60s ║\n", line)
	}
	fmt.Println("║                                                              ║")
	fmt.Println("║  Endpoints:                                                  ║")
	fmt.Println("║    POST /v1/messages         - Anthropic Messages API        ║")
	fmt.Println("║    GET  /v1/models           - List available models         ║")
	fmt.Println("║    GET  /health              - Health check                  ║")
	fmt.Println("║    GET  /account-limits      - Account status & quotas       ║")
	fmt.Println("║    POST /refresh-token       - Force token refresh           ║")
	fmt.Println("║    GET  /metrics             - Prometheus metrics            ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Usage with Claude Code:                                     ║")
	fmt.Printf("║    export ANTHROPIC_BASE_URL=http://localhost:%-15d ║\n", port)
	fmt.Printf("║    export ANTHROPIC_API_KEY=%-33s ║\n", cfg.APIKey)
	fmt.Println("║    claude                                                    ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Manage accounts:                                            ║")
	fmt.Println("║    antigravity-accounts add                                  ║")
	fmt.Println("║                                                              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
}
