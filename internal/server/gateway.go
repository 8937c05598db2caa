package server

import (
	"fmt"
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/relaynet/internal/auth"
	"github.com/sakif/relaynet/internal/client"
	"github.com/sakif/relaynet/internal/config"
	"github.com/sakif/relaynet/internal/handler"
	"github.com/sakif/relaynet/internal/middleware"
	sqliteRepo "github.com/sakif/relaynet/internal/repository/sqlite"
	"github.com/sakif/relaynet/internal/service"
)

// NewGateway wires the Gateway.
//
// DEPENDENCY CHAIN:
//
//	sqlite.DB ──► AggregatorService ──► client.HubClient ──► Hubs
//	caches ─────►        │
//	                     └──► client.PDSClient (service token) ──► PDS nodes
//
// The Gateway has no scheduled jobs: it reads through to the upstreams on demand.
func NewGateway(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := newServer(config.RoleGateway, cfg, logger)

	if err := ensureDir(cfg.Gateway.DBPath); err != nil {
		s.Close()
		return nil, err
	}
	db, err := sqliteRepo.New(cfg.Gateway.DBPath)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.onClose(db.Close)

	caches := service.NewAggregatorCaches(cfg.Cache.MaxEntries)
	s.onClose(func() error { caches.Close(); return nil })

	timeout := upstreamTimeout(cfg)
	gw := service.NewAggregatorService(
		service.AggregatorConfig{HubEndpoints: cfg.Gateway.Hubs, PDSEndpoints: cfg.Gateway.PDS},
		client.NewHubClient(timeout),
		client.NewPDSClient(timeout, cfg.Auth.ServiceToken),
		db, caches, s.logger, s.metrics,
	)
	h := handler.NewGatewayHandler(gw, s.logger)

	// Signed-in viewers are recognised with the PDS session secret.
	var tokens *auth.TokenService
	if cfg.Auth.JWTSecret != "" {
		if tokens, err = auth.NewTokenService(cfg.Auth.JWTSecret); err != nil {
			s.Close()
			return nil, err
		}
	}

	var verifier middleware.Verifier
	p := cfg.Gateway.Payment
	if p.FacilitatorURL != "" {
		verifier = middleware.NewHTTPVerifier(p.FacilitatorURL, p.APIKey, timeout)
	} else {
		s.logger.Warn("no payment facilitator configured, the payment gate is disabled")
	}
	payment := middleware.Payment(verifier, middleware.PaymentConfig{
		Network:     p.Network,
		Asset:       p.Asset,
		PayTo:       p.PayTo,
		Price:       p.Price,
		Description: p.Description,
		Timeout:     p.Timeout,
	}, s.logger)

	// ROUTES:
	// Profile reads are free; everything else under /api/v1 passes the payment gate.
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.OptionalAuth(tokens))
		r.Get("/profile/{did}", h.HandleGetProfile)

		r.Group(func(r chi.Router) {
			r.Use(payment)
			r.Get("/feed", h.HandleFeed)
			r.Post("/posts", h.HandleCreatePost)
			r.Get("/posts/{hash}", h.HandleGetPost)
			r.Get("/posts/{hash}/replies", h.HandleReplies)
			r.Put("/profile/{did}", h.HandleUpdateProfile)
			r.Post("/follow", h.HandleFollow)
			r.Post("/unfollow", h.HandleUnfollow)
			r.Get("/follows/{did}", h.HandleFollows)
			r.Post("/reactions", h.HandleReact)
			r.Post("/votes", h.HandleVote)
			r.Get("/search", h.HandleSearch)
			r.Get("/notifications", h.HandleNotifications)
		})
	})

	s.logger.Info("gateway ready",
		slog.Any("hubs", cfg.Gateway.Hubs),
		slog.Any("pds", cfg.Gateway.PDS),
		slog.String("database", cfg.Gateway.DBPath),
		slog.Bool("payment_gate", verifier != nil),
	)
	return s, nil
}
