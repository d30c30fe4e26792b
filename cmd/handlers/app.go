package handlers

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"genpost/internal/config"
	"genpost/internal/contract"
	"genpost/internal/dedup"
	"genpost/internal/fallback"
	"genpost/internal/llm"
	"genpost/internal/logger"
	"genpost/internal/observability"
	"genpost/internal/persistence"
	"genpost/internal/rag"

	"github.com/rs/zerolog"
)

// app holds the services shared by the commands
type app struct {
	cfg       *config.Config
	db        *persistence.SQLDB
	provider  llm.Provider // nil unless requested
	telemetry *observability.Telemetry
	log       zerolog.Logger
}

// openDatabase connects to the configured database and checks it responds.
func openDatabase(ctx context.Context, cfg config.Database) (*persistence.SQLDB, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not configured\n\n" +
			"Set database.dsn in .genpost.yaml or the DATABASE_URL environment variable.")
	}

	db, err := persistence.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return db, nil
}

// newApp opens the database, applies pending migrations and, when withLLM is
// set, connects the configured provider.
func newApp(ctx context.Context, withLLM bool) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := persistence.NewMigrationManager(db).Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	ph, err := observability.NewPostHogClient(cfg.PostHog)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		db:        db,
		telemetry: observability.NewTelemetry(db.Events(), ph),
		log:       logger.Component("cli"),
	}

	if withLLM {
		a.provider, err = llm.NewFromConfig(ctx, cfg)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create LLM provider: %w", err)
		}
	}
	return a, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Database close failed")
	}
}

func (a *app) orchestrator() *fallback.Orchestrator {
	return fallback.New(a.provider, fallback.Deps{
		DLQ:      a.db.DLQ(),
		Audits:   a.db.Audits(),
		Observer: a.telemetry,
	}, fallback.OptionsFromConfig(a.cfg.Generation))
}

func (a *app) detector() *dedup.Detector {
	return dedup.NewDetector(a.db.Articles(), a.db.Embeddings(), a.provider, dedup.OptionsFromConfig(a.cfg.Dedup))
}

func (a *app) retriever() *rag.Retriever {
	r := rag.NewRetriever(a.db.RAGDocs(), a.provider)
	r.Observer = a.telemetry
	return r
}

// loadContractFile reads a contract or legacy prompt document.
func loadContractFile(path string) (contract.MessageContract, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return contract.MessageContract{}, nil, fmt.Errorf("failed to read contract %s: %w", path, err)
	}
	env, err := contract.Decode(data)
	if err != nil {
		return contract.MessageContract{}, nil, fmt.Errorf("failed to decode contract %s: %w", path, err)
	}
	c, err := env.Resolve()
	if err != nil {
		return contract.MessageContract{}, nil, fmt.Errorf("invalid contract %s: %w", path, err)
	}
	return c, data, nil
}

// splitList splits a comma separated flag value
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
