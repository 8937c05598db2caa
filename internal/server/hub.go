package server

import (
	"fmt"
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/relaynet/internal/cache"
	"github.com/sakif/relaynet/internal/config"
	"github.com/sakif/relaynet/internal/handler"
	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/p2p"
	"github.com/sakif/relaynet/internal/replication"
	"github.com/sakif/relaynet/internal/repository/pebble"
	"github.com/sakif/relaynet/internal/service"
	"github.com/sakif/relaynet/internal/validator"
)

// NewHub wires a Hub.
//
// DEPENDENCY CHAIN:
//
//	pebble store ─┬─► HubService ◄── validator (oracle)
//	              │       ▲ │
//	              │       │ └─► p2p.Manager (gossip)
//	              └─► HubSync ──┘ (scheduled resync)
//
// The Manager and the HubService point at each other: the service gossips through the
// manager, the manager hands inbound frames to the service. SetHandler closes the loop.
func NewHub(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := newServer(config.RoleHub, cfg, logger)

	store, err := pebble.Open(cfg.Hub.DataDir)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("opening hub store: %w", err)
	}
	s.onClose(store.Close)

	orc := oracle(cfg)
	if orc == nil && !cfg.Oracle.FailClosed {
		s.logger.Warn("no identity oracle configured, DIDs and keys are not checked")
	}
	v := validator.New(orc, s.logger, validator.WithFailClosed(cfg.Oracle.FailClosed))

	mgr := p2p.NewManager(cfg.Hub.NodeID, s.logger)
	s.onClose(func() error { mgr.Close(); return nil })

	msgCache := cache.New[*model.Message](cfg.Cache.TTL, cfg.Cache.MaxEntries)
	s.onClose(func() error { msgCache.Close(); return nil })

	hub := service.NewHubService(cfg.Hub.NodeID, store, v, mgr, msgCache, s.logger, s.metrics)
	mgr.SetHandler(hub)

	hubSync := replication.NewHubSync(replication.HubSyncConfig{
		Bootstrap: cfg.Hub.Peers,
		Batch:     cfg.Sync.Batch,
		Lookback:  cfg.Sync.Lookback,
	}, mgr, store, hub, s.logger, s.metrics)
	if err := s.scheduleJobs(hubSync); err != nil {
		s.Close()
		return nil, err
	}

	h := handler.NewHubHandler(hub, s.logger)

	// ROUTES:
	// GET  /p2p                       websocket upgrade for peer Hubs
	// POST /api/v1/messages           submit
	// GET  /api/v1/messages/batch     by author
	// GET  /api/v1/messages/{hash}    one message
	// DELETE /api/v1/messages/{hash}  soft delete
	// GET  /api/v1/peers, /sync/status
	s.router.Get("/p2p", mgr.ServeHTTP)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/messages", h.HandleSubmit)
		r.Get("/messages/batch", h.HandleBatch)
		r.Get("/messages/{hash}", h.HandleGet)
		r.Delete("/messages/{hash}", h.HandleDelete)
		r.Get("/peers", h.HandlePeers)
		r.Get("/sync/status", h.HandleSyncStatus)
	})

	s.logger.Info("hub ready",
		slog.String("node_id", cfg.Hub.NodeID),
		slog.String("data_dir", cfg.Hub.DataDir),
		slog.Int("bootstrap_peers", len(cfg.Hub.Peers)),
	)
	return s, nil
}
