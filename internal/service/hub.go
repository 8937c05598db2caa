package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/cache"
	"github.com/sakif/relaynet/internal/metrics"
	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/p2p"
	"github.com/sakif/relaynet/internal/replication"
	"github.com/sakif/relaynet/internal/repository"
	"github.com/sakif/relaynet/internal/validator"
)

const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 500
)

// MessageValidator is satisfied by *validator.Validator.
type MessageValidator interface {
	Validate(ctx context.Context, msg *model.Message) (validator.Result, error)
}

// Gossiper is the part of the p2p manager the Hub pushes through.
type Gossiper interface {
	Broadcast(msg *model.Message, exclude string) int
	Peers() []p2p.PeerInfo
}

// HubStatus answers GET /api/v1/sync/status.
type HubStatus struct {
	NodeID        string         `json:"nodeId"`
	HighWaterMark int64          `json:"highWaterMark"`
	MessageCount  int            `json:"messageCount"`
	Peers         []p2p.PeerInfo `json:"peers"`
}

// HubService relays messages.
//
// MESSAGE LIFECYCLE:
//
//	unseen → validated → stored → gossiped
//
// A message that fails validation never reaches the store. A message that is already
// stored is accepted again (idempotent) but not gossiped a second time, which is what
// stops gossip loops between Hubs.
type HubService struct {
	nodeID    string
	messages  repository.MessageStore
	validator MessageValidator
	gossip    Gossiper
	cache     *cache.Cache[*model.Message]
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

var (
	_ p2p.Handler          = (*HubService)(nil)
	_ replication.Ingester = (*HubService)(nil)
)

// NewHubService wires the Hub. gossip may be nil for a standalone Hub; the cache and
// metrics may be nil in tests.
func NewHubService(
	nodeID string,
	store repository.MessageStore,
	v MessageValidator,
	gossip Gossiper,
	c *cache.Cache[*model.Message],
	logger *slog.Logger,
	m *metrics.Metrics,
) *HubService {
	return &HubService{
		nodeID:    nodeID,
		messages:  store,
		validator: v,
		gossip:    gossip,
		cache:     c,
		logger:    logger.With(slog.String("component", "hub")),
		metrics:   m,
	}
}

// =========================================================================
// CLIENT API
// =========================================================================

// SubmitMessage validates msg, stores it and gossips it to every connected peer.
// Submitting a stored hash again is a no-op that still reports accepted.
func (s *HubService) SubmitMessage(ctx context.Context, msg *model.Message) (*model.SubmitResult, error) {
	if msg == nil {
		return nil, apperror.ValidationFailed("message", "message body is required")
	}

	res, err := s.validator.Validate(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("service/hub: validating %s: %w", msg.Hash, err)
	}
	if !res.Valid {
		s.countRejected(res.Reason)
		s.logger.Info("message rejected",
			slog.String("hash", msg.Hash), slog.String("did", msg.DID), slog.String("reason", res.Reason))
		return nil, res.Err()
	}

	inserted, err := s.persist(ctx, msg)
	if err != nil {
		return nil, err
	}
	if inserted {
		sent := s.broadcast(msg, "")
		s.logger.Info("message accepted",
			slog.String("hash", msg.Hash), slog.String("did", msg.DID), slog.Int("gossipedTo", sent))
	}

	return &model.SubmitResult{Hash: msg.Hash, Status: model.StatusAccepted, Timestamp: msg.Timestamp}, nil
}

// GetMessage looks in the hot cache first, then the store, and backfills the cache.
func (s *HubService) GetMessage(ctx context.Context, hash string) (*model.Message, error) {
	if hash == "" {
		return nil, apperror.ValidationFailed("hash", "hash is required")
	}
	if s.cache != nil {
		msg, ok := s.cache.Get(hash)
		s.cacheLookup(ok)
		if ok {
			return msg, nil
		}
	}

	msg, err := s.messages.GetMessage(ctx, hash)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(hash, msg)
	}
	return msg, nil
}

// GetMessagesByIdentifiers returns messages authored by any of dids, newest-first.
// before (exclusive, Unix ms) pages backwards; 0 means from the newest.
func (s *HubService) GetMessagesByIdentifiers(ctx context.Context, dids []string, limit int, before int64) ([]model.Message, error) {
	authors := make([]string, 0, len(dids))
	for _, d := range dids {
		if d = strings.TrimSpace(d); d != "" {
			authors = append(authors, d)
		}
	}
	if len(authors) == 0 {
		return nil, apperror.ValidationFailed("ids", "at least one identifier is required")
	}

	msgs, err := s.messages.ListByAuthors(ctx, repository.MessageQuery{
		Authors: authors,
		Before:  before,
		Limit:   clampLimit(limit, DefaultMessageLimit, MaxMessageLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("service/hub: listing messages: %w", err)
	}
	return msgs, nil
}

// DeleteMessage soft-deletes a message. Only its author may delete it.
func (s *HubService) DeleteMessage(ctx context.Context, hash, did string) error {
	if did == "" {
		return apperror.ValidationFailed("did", "did is required")
	}
	msg, err := s.messages.GetMessage(ctx, hash)
	if err != nil {
		return err
	}
	if msg.DID != did {
		return apperror.Forbidden("only the author may delete a message")
	}
	if err := s.messages.MarkDeleted(ctx, hash); err != nil {
		return fmt.Errorf("service/hub: deleting %s: %w", hash, err)
	}
	if s.cache != nil {
		s.cache.Delete(hash)
	}
	s.logger.Info("message deleted", slog.String("hash", hash), slog.String("did", did))
	return nil
}

// Peers lists the connected Hubs.
func (s *HubService) Peers() []p2p.PeerInfo {
	if s.gossip == nil {
		return []p2p.PeerInfo{}
	}
	return s.gossip.Peers()
}

// SyncStatus reports the local high-water mark and the peers' view of theirs.
func (s *HubService) SyncStatus(ctx context.Context) (*HubStatus, error) {
	hwm, err := s.messages.HighWaterMark(ctx)
	if err != nil {
		return nil, fmt.Errorf("service/hub: reading high-water mark: %w", err)
	}
	n, err := s.messages.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("service/hub: counting messages: %w", err)
	}
	return &HubStatus{NodeID: s.nodeID, HighWaterMark: hwm, MessageCount: n, Peers: s.Peers()}, nil
}

// =========================================================================
// PEER API (p2p.Handler, replication.Ingester)
// =========================================================================

// HandlePeerMessage applies a gossiped message.
func (s *HubService) HandlePeerMessage(ctx context.Context, peerID string, msg *model.Message) error {
	if s.metrics != nil {
		s.metrics.GossipReceived.Inc()
	}
	_, err := s.Ingest(ctx, peerID, msg)
	return err
}

// Ingest is the shared path for gossip and resync. Known hashes are dropped at the edge
// before any validation work. New messages are validated, stored and re-gossiped to
// every peer except the one they came from.
func (s *HubService) Ingest(ctx context.Context, peerID string, msg *model.Message) (bool, error) {
	if msg == nil || msg.Hash == "" {
		return false, apperror.Rejected(validator.ReasonMissingFields, "message has no hash")
	}
	if s.cache != nil {
		if _, ok := s.cache.Get(msg.Hash); ok {
			return false, nil
		}
	}
	known, err := s.messages.HasMessage(ctx, msg.Hash)
	if err != nil {
		return false, fmt.Errorf("service/hub: checking %s: %w", msg.Hash, err)
	}
	if known {
		return false, nil
	}

	res, err := s.validator.Validate(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("service/hub: validating %s: %w", msg.Hash, err)
	}
	if !res.Valid {
		s.countRejected(res.Reason)
		return false, res.Err()
	}

	inserted, err := s.persist(ctx, msg)
	if err != nil || !inserted {
		return false, err
	}
	s.broadcast(msg, peerID)
	s.logger.Debug("peer message stored", slog.String("hash", msg.Hash), slog.String("from", peerID))
	return true, nil
}

// HandleSyncRequest answers a peer's resync request from the time index.
func (s *HubService) HandleSyncRequest(ctx context.Context, req p2p.SyncRequest) (p2p.SyncResponse, error) {
	limit := clampLimit(req.Limit, replication.DefaultSyncBatch, MaxMessageLimit)
	msgs, err := s.messages.ListSince(ctx, req.Cursor(), limit)
	if err != nil {
		return p2p.SyncResponse{}, fmt.Errorf("service/hub: listing since %d/%s: %w", req.SinceTimestamp, req.SinceHash, err)
	}
	hwm, err := s.messages.HighWaterMark(ctx)
	if err != nil {
		return p2p.SyncResponse{}, err
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return p2p.SyncResponse{RequestID: req.RequestID, Messages: msgs, HighWaterMark: hwm}, nil
}

func (s *HubService) HighWaterMark(ctx context.Context) (int64, error) {
	return s.messages.HighWaterMark(ctx)
}

// =========================================================================
// HELPERS
// =========================================================================

// persist stores msg and warms the cache.
func (s *HubService) persist(ctx context.Context, msg *model.Message) (bool, error) {
	inserted, err := s.messages.PutMessage(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("service/hub: storing %s: %w", msg.Hash, err)
	}
	if s.cache != nil {
		s.cache.Set(msg.Hash, msg)
	}
	if s.metrics != nil {
		if inserted {
			s.metrics.MessagesAccepted.Inc()
		} else {
			s.metrics.MessagesDuplicate.Inc()
		}
	}
	return inserted, nil
}

func (s *HubService) broadcast(msg *model.Message, exclude string) int {
	if s.gossip == nil {
		return 0
	}
	sent := s.gossip.Broadcast(msg, exclude)
	if s.metrics != nil {
		s.metrics.GossipSent.Add(float64(sent))
	}
	return sent
}

func (s *HubService) countRejected(reason string) {
	if s.metrics != nil {
		s.metrics.MessagesRejected.WithLabelValues(reason).Inc()
	}
}

func (s *HubService) cacheLookup(hit bool) {
	if s.metrics != nil {
		s.metrics.CacheLookup("message", hit)
	}
}

// clampLimit applies a default for non-positive limits and caps the rest.
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
