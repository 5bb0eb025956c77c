// Package app wires configuration, storage, clients, the event broker, and
// both supervisors into a single explicitly-constructed application object.
// These two supervisors are the only long-lived mutable state in the
// process.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/graememel-kap/pageindex-web/internal/clients/llm"
	"github.com/graememel-kap/pageindex-web/internal/common"
	"github.com/graememel-kap/pageindex-web/internal/events"
	"github.com/graememel-kap/pageindex-web/internal/interfaces"
	"github.com/graememel-kap/pageindex-web/internal/services/chatmanager"
	"github.com/graememel-kap/pageindex-web/internal/services/jobmanager"
	"github.com/graememel-kap/pageindex-web/internal/storage/filestore"
)

// App holds all initialized services, clients, and configuration.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Storage     interfaces.StorageManager
	Broker      *events.Broker
	LLMClient   interfaces.LLMClient
	JobManager  *jobmanager.Manager
	ChatManager *chatmanager.Manager
	StartupTime time.Time
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes config, logging, storage, the broker, the LLM client,
// and both supervisors. configPath may be empty, in which case the default
// resolution logic is used.
func NewApp(configPath string) (*App, error) {
	startupStart := time.Now()

	// Load version from .version file (fallback if ldflags not set)
	common.LoadVersionFromFile()

	binDir := getBinaryDir()

	// Load configuration - check provided path, PAGEINDEX_CONFIG, then binary
	// dir, then fallback
	if configPath == "" {
		configPath = os.Getenv("PAGEINDEX_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "pageindex-server.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/pageindex-server.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := common.NewLoggerFromConfig(config.Logging)

	storage, err := filestore.NewStore(logger, config.Indexer.RepoRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	broker := events.NewBroker(logger)

	var llmClient interfaces.LLMClient
	client, err := llm.NewClient(context.Background(), config.Clients.LLM.APIKey,
		llm.WithModel(config.Clients.LLM.Model),
		llm.WithRateLimit(config.Clients.LLM.RateLimit),
		llm.WithLogger(logger),
	)
	if err != nil {
		logger.Warn().Err(err).Msg("LLM client not configured - chat runs will fail until it is")
	} else {
		llmClient = client
	}

	jobManager, err := jobmanager.NewManager(storage, broker, logger, config.Indexer)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize job manager: %w", err)
	}

	chatManager, err := chatmanager.NewManager(jobManager, llmClient, storage, broker, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat manager: %w", err)
	}

	logger.Info().
		Int64("startup_ms", time.Since(startupStart).Milliseconds()).
		Msg("Application initialized")

	return &App{
		Config:      config,
		Logger:      logger,
		Storage:     storage,
		Broker:      broker,
		LLMClient:   llmClient,
		JobManager:  jobManager,
		ChatManager: chatManager,
		StartupTime: startupStart,
	}, nil
}

// Close releases application resources.
func (a *App) Close() {
	if a.LLMClient != nil {
		a.LLMClient.Close()
	}
	a.Storage.Close()
}
