// Package app wires the repositories, services and background workers that
// cmd/server and cmd/dealctl share.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gigmarket/gigmarket/internal/application/gate"
	"github.com/gigmarket/gigmarket/internal/application/messaging"
	"github.com/gigmarket/gigmarket/internal/application/negotiation"
	"github.com/gigmarket/gigmarket/internal/application/release"
	"github.com/gigmarket/gigmarket/internal/config"
	"github.com/gigmarket/gigmarket/internal/domain/attachment"
	dmoderation "github.com/gigmarket/gigmarket/internal/domain/moderation"
	"github.com/gigmarket/gigmarket/internal/domain/payment"
	"github.com/gigmarket/gigmarket/internal/infrastructure/keystore"
	"github.com/gigmarket/gigmarket/internal/infrastructure/leader"
	"github.com/gigmarket/gigmarket/internal/infrastructure/moderation"
	"github.com/gigmarket/gigmarket/internal/infrastructure/postgres"
	"github.com/gigmarket/gigmarket/internal/infrastructure/remote"
	"github.com/gigmarket/gigmarket/migrations"
)

// App is a fully wired process.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Pool   *pgxpool.Pool

	Conversations *postgres.ConversationRepository
	Messages      *postgres.MessageRepository
	Proposals     *postgres.ProposalRepository
	Blocks        *postgres.BlockRepository
	Feed          *postgres.Feed

	Moderator dmoderation.Moderator
	Uploader  attachment.Uploader
	Webhooks  *keystore.StaticKeyStore

	Gate        *gate.Service
	Messaging   *messaging.Service
	Negotiation *negotiation.Service
	Releases    *release.Runner

	node *leader.Node
}

// NewLogger builds the process logger from configuration.
func NewLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.LogPretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

// Open connects to the database and builds every service. migrate applies
// pending migrations first. withElection joins the Raft group when one is
// configured; otherwise the process assumes it is the only instance.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger, migrate, withElection bool) (*App, error) {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	a := &App{Config: cfg, Logger: logger, Pool: pool}
	if err := a.build(ctx, migrate, withElection); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, migrate, withElection bool) error {
	cfg, logger := a.Config, a.Logger
	if migrate {
		applied, err := postgres.RunMigrations(ctx, a.Pool, migrations.FS)
		if err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		for _, name := range applied {
			logger.Info().Str("migration", name).Msg("migration applied")
		}
	}

	// repositories
	a.Conversations = postgres.NewConversationRepository(a.Pool)
	a.Messages = postgres.NewMessageRepository(a.Pool)
	a.Proposals = postgres.NewProposalRepository(a.Pool)
	a.Blocks = postgres.NewBlockRepository(a.Pool)
	a.Feed = postgres.NewFeed(a.Pool, logger)

	// infrastructure
	chain := moderation.Chain{moderation.NewRules(cfg.BannedPhrases)}
	if cfg.AnthropicAPIKey != "" {
		classifier, err := moderation.NewClassifier(cfg.AnthropicAPIKey, cfg.ModerationModel, logger)
		if err != nil {
			return fmt.Errorf("moderation: %w", err)
		}
		chain = append(chain, classifier)
	}
	a.Moderator = chain

	if cfg.UploadURL != "" {
		a.Uploader = remote.NewUploader(cfg.UploadURL, cfg.UploadAPIKey, cfg.UploadMaxBytes, cfg.HTTPTimeout)
	}
	var gateway payment.Gateway
	if cfg.PaymentURL != "" {
		gateway = remote.NewGateway(cfg.PaymentURL, cfg.PaymentAPIKey, cfg.PaymentReturnURL, cfg.HTTPTimeout)
	}
	keys, err := keystore.Parse(cfg.WebhookKeys, cfg.WebhookDefaultKeyID)
	if err != nil {
		return err
	}
	a.Webhooks = keys

	policy := gate.DefaultSpamPolicy()
	if cfg.SpamPolicyFile != "" {
		if policy, err = gate.LoadSpamPolicy(cfg.SpamPolicyFile); err != nil {
			return err
		}
	}
	limiter, err := gate.NewSpamLimiter(policy, a.Blocks, a.Messages, logger)
	if err != nil {
		return err
	}

	// services
	a.Gate = gate.NewService(a.Blocks, a.Conversations, a.Messages, a.Proposals, limiter, logger)
	a.Messaging = messaging.NewService(a.Conversations, a.Messages, a.Gate, a.Moderator, a.Feed, logger)
	a.Negotiation = negotiation.NewService(a.Proposals, a.Conversations, a.Moderator, gateway, logger)

	var elector release.Elector = &leader.Always{}
	if withElection && cfg.RaftEnabled() {
		node, err := leader.NewNode(leader.Config{
			NodeID:    cfg.RaftNodeID,
			RaftAddr:  cfg.RaftAddr,
			DataDir:   cfg.RaftDataDir,
			Bootstrap: cfg.RaftBootstrap,
			Peers:     cfg.RaftPeers,
		})
		if err != nil {
			return fmt.Errorf("raft: %w", err)
		}
		a.node = node
		elector = node
		logger.Info().Str("node_id", node.ID()).Str("raft_addr", node.RaftAddr()).Msg("joined release election")
	}
	a.Releases = release.NewRunner(a.Negotiation, elector, cfg.ReleaseInterval, cfg.ReleaseBatch, logger)
	return nil
}

// Close releases the Raft node and the pool.
func (a *App) Close() {
	if a.node != nil {
		if err := a.node.Shutdown(); err != nil {
			a.Logger.Warn().Err(err).Msg("raft shutdown failed")
		}
	}
	a.Pool.Close()
}
