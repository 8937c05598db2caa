package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/relaynet/internal/metrics"
	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/p2p"
	"github.com/sakif/relaynet/internal/repository"
)

const (
	DefaultSyncBatch = 200
	// maxSyncPages bounds how many request/response round trips one peer gets per run.
	maxSyncPages = 50
	syncTimeout  = 30 * time.Second
)

// PeerTransport is the part of the p2p manager the Hub sync needs.
type PeerTransport interface {
	EnsureConnected(ctx context.Context, addrs []string)
	Peers() []p2p.PeerInfo
	RequestSync(ctx context.Context, peerID string, after model.MessageCursor, limit int) (p2p.SyncResponse, error)
	SendTo(peerID string, msg *model.Message) error
}

// Ingester applies a message received from a peer through the validator and the
// idempotent store. stored reports whether the message was new.
type Ingester interface {
	Ingest(ctx context.Context, peerID string, msg *model.Message) (stored bool, err error)
}

// HubSyncConfig tunes the Hub resync.
type HubSyncConfig struct {
	// Bootstrap peers are redialled on every run.
	Bootstrap []string
	Batch     int
	// Lookback rewinds the local high-water mark before requesting, so gossip missed
	// shortly before a newer message arrived is still repaired.
	Lookback time.Duration
}

// HubSync reconciles the local message store against every connected Hub.
type HubSync struct {
	cfg       HubSyncConfig
	transport PeerTransport
	store     repository.MessageStore
	ingester  Ingester
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// pushed remembers, per peer, the last message pushed to it. A peer that rejects
	// what we push keeps its high-water mark, so without this every run would resend
	// the same first batch.
	mu     sync.Mutex
	pushed map[string]model.MessageCursor
}

func NewHubSync(cfg HubSyncConfig, transport PeerTransport, store repository.MessageStore, ingester Ingester, logger *slog.Logger, m *metrics.Metrics) *HubSync {
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultSyncBatch
	}
	return &HubSync{
		cfg:       cfg,
		transport: transport,
		store:     store,
		ingester:  ingester,
		logger:    logger.With(slog.String("component", "hubsync")),
		metrics:   m,
		pushed:    make(map[string]model.MessageCursor),
	}
}

func (h *HubSync) Name() string { return "hub-sync" }

// Run pulls from and pushes to every peer. Per-peer failures are logged and counted;
// the returned error only says how many peers failed.
func (h *HubSync) Run(ctx context.Context) error {
	if len(h.cfg.Bootstrap) > 0 {
		h.transport.EnsureConnected(ctx, h.cfg.Bootstrap)
	}

	peers := h.transport.Peers()
	if h.metrics != nil {
		h.metrics.PeersConnected.Set(float64(len(peers)))
	}

	failed := 0
	for _, peer := range peers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := h.syncPeer(ctx, peer); err != nil {
			failed++
			h.logger.Warn("peer sync failed", slog.String("peer", peer.ID), slog.String("error", err.Error()))
		}
	}
	if failed > 0 {
		return fmt.Errorf("sync failed for %d of %d peers", failed, len(peers))
	}
	return nil
}

func (h *HubSync) syncPeer(ctx context.Context, peer p2p.PeerInfo) error {
	local, err := h.store.HighWaterMark(ctx)
	if err != nil {
		return fmt.Errorf("reading local high-water mark: %w", err)
	}

	// === PULL ===
	since := local - h.cfg.Lookback.Milliseconds()
	if since < 0 {
		since = 0
	}
	remote, applied, err := h.pull(ctx, peer.ID, since)
	if err != nil {
		return err
	}

	// === PUSH ===
	// The peer told us its high-water mark in the last sync response.
	pushed := 0
	if remote < local {
		pushed, err = h.push(ctx, peer.ID, remote)
		if err != nil {
			return err
		}
	}

	h.logger.Debug("peer synced",
		slog.String("peer", peer.ID),
		slog.Int64("localHWM", local),
		slog.Int64("remoteHWM", remote),
		slog.Int("applied", applied),
		slog.Int("pushed", pushed),
	)
	return nil
}

// pull pages through the peer's messages newer than since and returns the peer's
// high-water mark and how many messages were new here.
//
// The cursor advances past every returned message, applied or rejected, and pages on
// (timestamp, hash) so a page boundary inside one millisecond loses nothing.
func (h *HubSync) pull(ctx context.Context, peerID string, since int64) (int64, int, error) {
	var remote int64
	applied := 0
	after := model.MessageCursor{Timestamp: since}

	for page := 0; page < maxSyncPages; page++ {
		reqCtx, cancel := context.WithTimeout(ctx, syncTimeout)
		resp, err := h.transport.RequestSync(reqCtx, peerID, after, h.cfg.Batch)
		cancel()
		if err != nil {
			return remote, applied, fmt.Errorf("requesting sync: %w", err)
		}
		remote = resp.HighWaterMark

		start := after
		for i := range resp.Messages {
			msg := &resp.Messages[i]
			if next := model.CursorAt(msg); after.Before(next) {
				after = next
			}
			stored, err := h.ingester.Ingest(ctx, peerID, msg)
			if err != nil {
				// Rejected messages (stale, bad hash) are expected from old peers.
				h.logger.Debug("synced message not applied",
					slog.String("peer", peerID), slog.String("hash", msg.Hash), slog.String("error", err.Error()))
				continue
			}
			if stored {
				applied++
			}
		}
		if len(resp.Messages) < h.cfg.Batch || !start.Before(after) {
			break
		}
	}

	if h.metrics != nil && applied > 0 {
		h.metrics.SyncMessagesApplied.Add(float64(applied))
	}
	return remote, applied, nil
}

// push gossips our messages newer than the peer's high-water mark directly to it,
// resuming after the last message a previous run pushed.
func (h *HubSync) push(ctx context.Context, peerID string, remote int64) (int, error) {
	// Start inside the peer's newest millisecond: it may hold only some of ours from it.
	from := model.MessageCursor{Timestamp: remote - 1}
	h.mu.Lock()
	if last, ok := h.pushed[peerID]; ok && from.Before(last) {
		from = last
	}
	h.mu.Unlock()

	pushed := 0
	defer func() {
		h.mu.Lock()
		h.pushed[peerID] = from
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.GossipSent.Add(float64(pushed))
		}
	}()

	for page := 0; page < maxSyncPages; page++ {
		msgs, err := h.store.ListSince(ctx, from, h.cfg.Batch)
		if err != nil {
			return pushed, fmt.Errorf("listing messages since %d: %w", from.Timestamp, err)
		}
		for i := range msgs {
			if err := h.transport.SendTo(peerID, &msgs[i]); err != nil {
				if errors.Is(err, p2p.ErrPeerNotConnected) {
					return pushed, err
				}
				// Send buffer full; the next run resumes here.
				return pushed, nil
			}
			pushed++
			from = model.CursorAt(&msgs[i])
		}
		if len(msgs) < h.cfg.Batch {
			break
		}
	}
	return pushed, nil
}
