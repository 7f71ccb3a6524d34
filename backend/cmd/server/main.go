package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"trial-scout/backend/internal/adapter"
	"trial-scout/backend/internal/agent"
	"trial-scout/backend/internal/graph"
	"trial-scout/backend/internal/progress"
	"trial-scout/backend/internal/tools"
	"trial-scout/backend/pkg/config"
	"trial-scout/backend/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}

	// Initialize logger
	if err := logger.Init(cfg.Env); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting trial-scout API server...")

	// Initialize Neo4j driver
	driver, err := neo4j.NewDriverWithContext(
		cfg.Neo4jURI,
		neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
	)
	if err != nil {
		log.Fatal("Failed to create Neo4j driver", zap.Error(err))
	}
	defer driver.Close(context.Background())

	// Verify Neo4j connection
	verifyCtx, verifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		verifyCancel()
		log.Fatal("Failed to verify Neo4j connectivity", zap.Error(err))
	}
	verifyCancel()

	// Initialize dependencies
	graphRepo := graph.NewRepository(driver)
	gateway := adapter.NewLLMGateway(adapter.GatewayOptions{
		BaseURL:        cfg.LiteLLMURL,
		APIKey:         cfg.LLMAPIKey,
		DecideModel:    cfg.ModelID,
		SynthesisModel: cfg.SynthesisModelID,
		Timeout:        cfg.GatewayTimeout,
		MaxRetries:     cfg.GatewayRetries,
	})

	// The executor refuses to start unless the registered adapters and the
	// declared tool catalog match exactly
	executor, err := tools.NewExecutor(cfg.ToolTimeout,
		tools.NewTrialsAdapter(cfg.TrialsAPIURL),
		tools.NewPharmacologyAdapter(gateway, graphRepo),
		tools.NewTargetProfileAdapter(cfg.PharosAPIURL, gateway),
	)
	if err != nil {
		log.Fatal("Tool catalog validation failed", zap.Error(err))
	}

	publisher := progress.NewPublisher(cfg.ProgressBuffer, log)
	machine := agent.NewMachine(gateway, executor, publisher, cfg.ToolRetryBudget, log)
	orch := agent.NewOrchestrator(machine, publisher, agent.Options{
		TurnDeadline: cfg.TurnDeadline,
		ResultTTL:    cfg.ResultTTL,
	}, log)

	// Start server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: newServer(orch, log).router(cfg.IsProduction()),
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.String("port", cfg.Port))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := orch.Shutdown(ctx); err != nil {
		log.Error("Turns did not settle before shutdown", zap.Error(err))
	}
	if err := publisher.Close(); err != nil {
		log.Error("Progress publisher close failed", zap.Error(err))
	}

	log.Info("Server exited")
}
