// TARSy orchestrator server - loads configuration, wires the alert-triage
// engine, and manages LLM interactions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tarsy-run/tarsy/pkg/agent"
	"github.com/tarsy-run/tarsy/pkg/agent/controller"
	"github.com/tarsy-run/tarsy/pkg/agent/orchestrator"
	"github.com/tarsy-run/tarsy/pkg/agent/prompt"
	"github.com/tarsy-run/tarsy/pkg/config"
	"github.com/tarsy-run/tarsy/pkg/events"
	"github.com/tarsy-run/tarsy/pkg/history"
	"github.com/tarsy-run/tarsy/pkg/masking"
	"github.com/tarsy-run/tarsy/pkg/mcp"
	"github.com/tarsy-run/tarsy/pkg/session"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	llmAddr := flag.String("llm-addr", getEnv("LLM_SERVICE_ADDR", "localhost:50051"), "Address of the LLM gateway gRPC service")
	httpPort := flag.String("http-port", getEnv("HTTP_PORT", "8080"), "Port for the health check HTTP server")
	flag.Parse()

	log.Printf("Starting TARSy")
	log.Printf("Config Directory: %s", *configDir)

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}
	stats := cfg.Stats()
	log.Printf("Configuration loaded: %d agents, %d chains, %d mcp servers, %d llm providers",
		stats.Agents, stats.Chains, stats.MCPServers, stats.LLMProviders)

	alertMasking := masking.AlertMaskingConfig{}
	if cfg.Defaults != nil && cfg.Defaults.AlertMasking != nil {
		alertMasking = masking.AlertMaskingConfig{
			Enabled:      cfg.Defaults.AlertMasking.Enabled,
			PatternGroup: cfg.Defaults.AlertMasking.PatternGroup,
		}
	}
	maskingService := masking.NewMaskingService(cfg.MCPServerRegistry, alertMasking)

	mcpFactory := mcp.NewClientFactory(cfg.MCPServerRegistry, maskingService)
	promptBuilder := prompt.NewPromptBuilder(cfg.MCPServerRegistry)

	llmClient, err := agent.NewGRPCLLMClient(*llmAddr)
	if err != nil {
		log.Fatalf("Failed to create LLM client for %s: %v", *llmAddr, err)
	}

	repo := history.NewInMemoryRepository()

	connManager := events.NewConnectionManager(events.NewEventServiceAdapter(repo), 10*time.Second)
	eventPublisher := events.NewEventPublisher(repo, connManager)

	agentFactory := agent.NewAgentFactory(controller.NewFactory())

	chainExecutor := orchestrator.NewChainExecutor(&orchestrator.ChainDeps{
		Config:         cfg,
		AgentFactory:   agentFactory,
		MCPFactory:     mcpFactory,
		LLMClient:      llmClient,
		EventPublisher: eventPublisher,
		PromptBuilder:  promptBuilder,
		History:        repo,
		Masking:        maskingService,
	})

	hostname, _ := os.Hostname()
	podID := session.NewPodID(hostname)
	slog.Info("Assigned pod identity", "pod_id", podID)

	manager := session.NewManager(podID, repo, cfg.ChainRegistry, chainExecutor, eventPublisher, cfg.Queue)
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("Failed to start session manager: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "healthy",
			"pod_id":  podID,
			"config":  stats,
			"version": "dev",
		})
	})
	server := &http.Server{Addr: ":" + *httpPort, Handler: mux}

	go func() {
		log.Printf("Health check listening on :%s", *httpPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.GracefulShutdownTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	manager.Stop(shutdownCtx)
}
