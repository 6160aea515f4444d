// Package control wires the application together: transport, delivery
// channel, export controller, backend client, storage and health server.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/relay/internal/core/config"
	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/export/session"
	"github.com/vietddude/relay/internal/health"
	"github.com/vietddude/relay/internal/infra/api"
	"github.com/vietddude/relay/internal/infra/storage"
	"github.com/vietddude/relay/internal/infra/storage/memory"
	"github.com/vietddude/relay/internal/infra/storage/postgres"
	"github.com/vietddude/relay/internal/infra/transport"
	"github.com/vietddude/relay/internal/messaging/channel"

	"github.com/pressly/goose/v3"
)

// Relay is the main application struct that manages the background
// context lifecycle.
type Relay struct {
	cfg          *config.AppConfig
	tr           transport.Transport
	background   *channel.Channel
	controller   *session.Controller
	apiClient    *api.Client
	healthServer *health.Server
	db           *postgres.DB
	log          *slog.Logger
}

// NewRelay creates a new Relay instance with all dependencies initialized.
func NewRelay(cfg *config.AppConfig) (*Relay, error) {

	// 1. Initialize Transport
	var tr transport.Transport
	switch cfg.Transport {
	case "redis":
		redisTr, err := transport.NewRedisTransport(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis transport: %w", err)
		}
		tr = redisTr
		slog.Info("Using Redis transport")
	default:
		tr = transport.NewBus()
		slog.Info("Using in-process transport")
	}

	// 2. Initialize Storage
	var repo storage.SessionRepository
	var db *postgres.DB

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}

		// Goose needs the raw *sql.DB that sqlx wraps.
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		repo = postgres.NewSessionRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		repo = memory.NewSessionRepo()
		slog.Info("Using Memory storage")
	}

	// 3. Initialize Backend Client and Channel
	apiClient := api.New(cfg.API)
	background := channel.New(domain.ContextBackground, tr, cfg.Channel)

	// 4. Initialize Export Controller
	tabs := &channelTabs{ch: background}
	controller := session.New(apiClient, background, tabs, repo, cfg.Export)

	// 5. Initialize Health Monitor and Server
	healthMon := health.NewMonitor(background, controller, cfg.Channel.UnhealthyAfter)
	healthServer := health.NewServer(healthMon, cfg.Server.Port)

	r := &Relay{
		cfg:          cfg,
		tr:           tr,
		background:   background,
		controller:   controller,
		apiClient:    apiClient,
		healthServer: healthServer,
		db:           db,
		log:          slog.Default(),
	}
	r.registerHandlers()

	return r, nil
}

// registerHandlers binds the background context's actions to their
// implementations.
func (r *Relay) registerHandlers() {
	c := r.background

	c.Handle(domain.ActionStartExport, func(ctx context.Context, env *domain.Envelope) (any, error) {
		var req session.StartRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			return nil, fmt.Errorf("invalid start request: %w", err)
		}
		return r.controller.Start(ctx, req)
	})

	c.Handle(domain.ActionStopExport, func(ctx context.Context, env *domain.Envelope) (any, error) {
		if err := r.controller.Stop(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"stopping": true}, nil
	})

	c.Handle(domain.ActionGetStatus, func(ctx context.Context, env *domain.Envelope) (any, error) {
		return r.controller.Status(), nil
	})

	c.Handle(domain.ActionLogin, func(ctx context.Context, env *domain.Envelope) (any, error) {
		var creds struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodePayload(env.Payload, &creds); err != nil {
			return nil, fmt.Errorf("invalid login payload: %w", err)
		}
		return r.apiClient.Login(ctx, creds.Email, creds.Password)
	})

	c.Handle(domain.ActionLogout, func(ctx context.Context, env *domain.Envelope) (any, error) {
		if err := r.apiClient.Logout(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"logged_out": true}, nil
	})

	c.Handle(domain.ActionCheckAuth, func(ctx context.Context, env *domain.Envelope) (any, error) {
		return r.apiClient.CheckAuth(ctx)
	})

	c.Handle(domain.ActionGetCredits, func(ctx context.Context, env *domain.Envelope) (any, error) {
		credits, err := r.apiClient.GetCredits(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"credits": credits}, nil
	})

	c.Handle(domain.ActionProgressUpdate, r.controller.HandleProgress)
	c.Handle(domain.ActionExportComplete, r.controller.HandleComplete)
	c.Handle(domain.ActionExportError, r.controller.HandleError)

	c.Handle(domain.ActionTabClosed, func(ctx context.Context, env *domain.Envelope) (any, error) {
		var event struct {
			TabID int `json:"tab_id"`
		}
		if err := decodePayload(env.Payload, &event); err != nil {
			return nil, fmt.Errorf("invalid tab event: %w", err)
		}
		r.controller.TabClosed(ctx, event.TabID)
		return map[string]any{"handled": true}, nil
	})

	c.Handle(domain.ActionTabNavigated, func(ctx context.Context, env *domain.Envelope) (any, error) {
		var event struct {
			TabID int    `json:"tab_id"`
			URL   string `json:"url"`
		}
		if err := decodePayload(env.Payload, &event); err != nil {
			return nil, fmt.Errorf("invalid tab event: %w", err)
		}
		r.controller.TabNavigated(ctx, event.TabID, event.URL)
		return map[string]any{"handled": true}, nil
	})
}

// Start starts the relay and all its components.
func (r *Relay) Start(ctx context.Context) error {
	if err := r.background.Start(ctx); err != nil {
		return fmt.Errorf("failed to start channel: %w", err)
	}

	go func() {
		if err := r.healthServer.Start(); err != nil {
			r.log.Error("Health server failed", "error", err)
		}
	}()

	r.log.Info("Relay started", "transport", r.cfg.Transport, "port", r.cfg.Server.Port)
	return nil
}

// Stop stops the relay.
func (r *Relay) Stop(ctx context.Context) error {
	r.log.Info("Stopping Relay...")

	r.background.Close()

	if err := r.tr.Close(); err != nil {
		r.log.Warn("Failed to close transport", "error", err)
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.log.Warn("Failed to close database", "error", err)
		}
	}

	return r.healthServer.Stop(ctx)
}

// Background exposes the background channel, mainly for embedding the
// relay in tests and in-process shells.
func (r *Relay) Background() *channel.Channel {
	return r.background
}

// Transport exposes the underlying transport so in-process shells can
// attach their own context channels.
func (r *Relay) Transport() transport.Transport {
	return r.tr
}

// channelTabs resolves tab URLs by asking the content context for its
// page info.
type channelTabs struct {
	ch *channel.Channel
}

func (t *channelTabs) CurrentURL(ctx context.Context, tabID int) (string, error) {
	res, err := t.ch.Send(ctx, domain.ContextContent, domain.ActionGetPageInfo,
		map[string]any{"tab_id": tabID})
	if err != nil {
		return "", err
	}

	var info struct {
		URL string `json:"url"`
	}
	if err := decodePayload(res, &info); err != nil {
		return "", fmt.Errorf("invalid page info: %w", err)
	}
	if info.URL == "" {
		return "", fmt.Errorf("content reported no url for tab %d", tabID)
	}
	return info.URL, nil
}

// decodePayload converts a payload of unknown concrete type into the
// target type via a JSON round trip.
func decodePayload(payload any, out any) error {
	if payload == nil {
		return errors.New("missing payload")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
