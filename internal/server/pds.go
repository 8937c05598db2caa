package server

import (
	"fmt"
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/relaynet/internal/auth"
	"github.com/sakif/relaynet/internal/client"
	"github.com/sakif/relaynet/internal/config"
	"github.com/sakif/relaynet/internal/handler"
	"github.com/sakif/relaynet/internal/replication"
	sqliteRepo "github.com/sakif/relaynet/internal/repository/sqlite"
	"github.com/sakif/relaynet/internal/service"
)

// NewPDS wires a PDS.
//
// DEPENDENCY CHAIN:
//
//	sqlite.DB ─┬─► PDSService ◄── tokens, passwords, oracle
//	           └─► PDSSync ◄── client.PDSClient (service token) ──► peer PDS nodes
//
// PDSSync is both the push-on-write Replicator and a scheduled pull job.
func NewPDS(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := newServer(config.RolePDS, cfg, logger)

	if err := ensureDir(cfg.PDS.DBPath); err != nil {
		s.Close()
		return nil, err
	}
	db, err := sqliteRepo.New(cfg.PDS.DBPath)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.onClose(db.Close)

	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret)
	if err != nil {
		s.Close()
		return nil, err
	}
	passwords := auth.NewPasswordService(cfg.Auth.BcryptCost)

	peers := client.NewPDSClient(upstreamTimeout(cfg), cfg.Auth.ServiceToken)
	repl := replication.NewPDSSync(cfg.PDS.PublicURL, cfg.PDS.Peers, peers, db, db, s.logger, s.metrics)
	if err := s.scheduleJobs(repl); err != nil {
		s.Close()
		return nil, err
	}

	pds := service.NewPDSService(service.PDSConfig{
		DID:         cfg.PDS.DID,
		UserDomains: cfg.PDS.UserDomains,
	}, db, db, oracle(cfg), passwords, tokens, repl, s.logger, s.metrics)
	h := handler.NewPDSHandler(pds, s.logger)

	// ROUTES:
	// Public reads and login are open. createAccount is open but provisioning by DID
	// needs the service token. Writes need the owner's access token or the service
	// token. Peer sync routes need the service token.
	s.router.Route("/xrpc", func(r chi.Router) {
		r.Get("/com.atproto.server.describeServer", h.HandleDescribeServer)
		r.With(auth.IdentifyService(cfg.Auth.ServiceToken)).
			Post("/com.atproto.server.createAccount", h.HandleCreateAccount)
		r.Post("/com.atproto.server.createSession", h.HandleCreateSession)
		r.Post("/com.atproto.server.refreshSession", h.HandleRefreshSession)
		r.Get("/com.atproto.repo.listRecords", h.HandleListRecords)
		r.Get("/com.atproto.repo.getRecord", h.HandleGetRecord)
		r.Get("/com.atproto.repo.describeRepo", h.HandleDescribeRepo)
		r.Get("/com.proto.feed.listReplies", h.HandleListReplies)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(tokens, cfg.Auth.ServiceToken))
			r.Post("/com.atproto.repo.createRecord", h.HandleCreateRecord)
			r.Post("/com.atproto.server.migrateAccount", h.HandleMigrateAccount)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireServiceToken(cfg.Auth.ServiceToken))
			r.Post("/com.proto.sync.applyRecords", h.HandleApplyRecords)
			r.Get("/com.proto.sync.listSince", h.HandleListSince)
			r.Post("/com.proto.sync.importRepo", h.HandleImportRepo)
			r.Post("/com.proto.sync.notifyMigration", h.HandleNotifyMigration)
		})
	})

	if cfg.Auth.ServiceToken == "" {
		s.logger.Warn("no service token configured, peer sync endpoints are open")
	}
	s.logger.Info("pds ready",
		slog.String("did", cfg.PDS.DID),
		slog.String("public_url", cfg.PDS.PublicURL),
		slog.String("database", cfg.PDS.DBPath),
		slog.Int("peers", len(cfg.PDS.Peers)),
	)
	return s, nil
}
