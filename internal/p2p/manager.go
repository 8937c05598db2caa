package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sakif/relaynet/internal/model"
)

// NodeHeader carries the dialing Hub's node id on the websocket upgrade request.
const NodeHeader = "X-Relaynet-Node"

var (
	ErrPeerNotConnected = errors.New("p2p: peer not connected")
	ErrSendFailed       = errors.New("p2p: frame not queued")
)

// Handler receives what peers send. The Hub service implements it.
type Handler interface {
	HandlePeerMessage(ctx context.Context, peerID string, msg *model.Message) error
	HandleSyncRequest(ctx context.Context, req SyncRequest) (SyncResponse, error)
	HighWaterMark(ctx context.Context) (int64, error)
}

// Manager owns every peer connection of one Hub.
type Manager struct {
	nodeID  string
	logger  *slog.Logger
	dialer  *websocket.Dialer
	upgrade websocket.Upgrader

	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc

	mu    sync.RWMutex
	peers map[string]*Peer

	pendingMu sync.Mutex
	pending   map[string]chan SyncResponse

	dropped atomic.Uint64
}

func NewManager(nodeID string, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		nodeID: nodeID,
		logger: logger.With(slog.String("component", "p2p")),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		upgrade: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are servers, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[string]*Peer),
		pending: make(map[string]chan SyncResponse),
	}
}

// SetHandler wires the receiver of peer frames. Must be called before any peer connects.
func (m *Manager) SetHandler(h Handler) {
	m.handler = h
}

func (m *Manager) NodeID() string {
	return m.nodeID
}

// Dropped is the number of frames dropped because a peer's send buffer was full.
func (m *Manager) Dropped() uint64 {
	return m.dropped.Load()
}

// ServeHTTP upgrades an inbound peer connection.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	remoteID := r.Header.Get(NodeHeader)
	if remoteID == "" {
		http.Error(w, "missing "+NodeHeader+" header", http.StatusBadRequest)
		return
	}
	if remoteID == m.nodeID {
		http.Error(w, "refusing connection from self", http.StatusConflict)
		return
	}
	if m.isConnected(remoteID) {
		http.Error(w, "peer already connected", http.StatusConflict)
		return
	}

	conn, err := m.upgrade.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("peer upgrade failed", slog.String("error", err.Error()))
		return
	}
	m.start(newPeer(m, conn, remoteID, r.RemoteAddr, false))
}

// Dial connects to a peer Hub at addr (http(s):// or ws(s)://). The peer's node id is
// learned from its hello frame, so the connection is registered under addr until then.
func (m *Manager) Dial(ctx context.Context, addr string) error {
	addr = normalizeAddr(addr)
	wsURL, err := peerURL(addr)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set(NodeHeader, m.nodeID)

	conn, resp, err := m.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("p2p: dialing %s: %w (status %d)", addr, err, resp.StatusCode)
		}
		return fmt.Errorf("p2p: dialing %s: %w", addr, err)
	}
	m.start(newPeer(m, conn, addr, addr, true))
	return nil
}

// EnsureConnected dials every address in addrs that has no live connection.
// Failures are logged and skipped.
func (m *Manager) EnsureConnected(ctx context.Context, addrs []string) {
	for _, addr := range addrs {
		addr = normalizeAddr(addr)
		if addr == "" || m.hasAddr(addr) {
			continue
		}
		if err := m.Dial(ctx, addr); err != nil {
			m.logger.Warn("peer dial failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}
}

func peerURL(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("p2p: invalid peer address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("p2p: unsupported scheme in peer address %q", addr)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/p2p"
	}
	return u.String(), nil
}

func (m *Manager) start(p *Peer) {
	var hwm int64
	if m.handler != nil {
		var err error
		if hwm, err = m.handler.HighWaterMark(m.ctx); err != nil {
			m.logger.Warn("reading high-water mark", slog.String("error", err.Error()))
		}
	}

	id := p.ID()
	m.mu.Lock()
	m.peers[id] = p
	m.mu.Unlock()
	m.logger.Info("peer connected", slog.String("peer", id), slog.Bool("outbound", p.outbound))

	if data, err := newFrame(FrameHello, m.nodeID, Hello{NodeID: m.nodeID, HighWaterMark: hwm}); err == nil {
		p.enqueue(data)
	}
	go p.writePump()
	go p.readPump()
}

func (m *Manager) unregister(p *Peer) {
	m.mu.Lock()
	id := p.ID()
	if cur, ok := m.peers[id]; ok && cur == p {
		delete(m.peers, id)
	}
	m.mu.Unlock()
	p.close()
	m.logger.Info("peer disconnected", slog.String("peer", id))
}

// rename re-keys an outbound peer under the node id announced in its hello.
func (m *Manager) rename(p *Peer, nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := p.ID()
	if old == nodeID {
		return
	}
	if cur, ok := m.peers[old]; ok && cur == p {
		delete(m.peers, old)
	}
	if existing, ok := m.peers[nodeID]; ok && existing != p {
		// Already connected the other way round.
		p.close()
		return
	}
	p.setID(nodeID, m.logger.With(slog.String("peer", nodeID)))
	m.peers[nodeID] = p
}

func (m *Manager) isConnected(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.peers[id]
	return ok
}

func (m *Manager) hasAddr(addr string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.peers {
		if p.addr == addr {
			return true
		}
	}
	return false
}

func (m *Manager) dispatch(p *Peer, frame Frame) {
	if m.handler == nil {
		return
	}

	switch frame.Type {
	case FrameHello:
		var hello Hello
		if err := json.Unmarshal(frame.Payload, &hello); err != nil {
			return
		}
		p.hwm.Store(hello.HighWaterMark)
		if p.outbound && hello.NodeID != "" {
			m.rename(p, hello.NodeID)
		}

	case FrameGossip:
		var msg model.Message
		if err := json.Unmarshal(frame.Payload, &msg); err != nil {
			p.log().Debug("ignoring malformed gossip", slog.String("error", err.Error()))
			return
		}
		if msg.Timestamp > p.hwm.Load() {
			p.hwm.Store(msg.Timestamp)
		}
		if err := m.handler.HandlePeerMessage(m.ctx, p.ID(), &msg); err != nil {
			p.log().Debug("peer message not applied",
				slog.String("hash", msg.Hash), slog.String("error", err.Error()))
		}

	case FrameSyncRequest:
		var req SyncRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			return
		}
		resp, err := m.handler.HandleSyncRequest(m.ctx, req)
		if err != nil {
			p.log().Warn("answering sync request", slog.String("error", err.Error()))
			resp = SyncResponse{RequestID: req.RequestID, Messages: []model.Message{}}
		}
		if data, err := newFrame(FrameSyncResponse, m.nodeID, resp); err == nil {
			p.enqueue(data)
		}

	case FrameSyncResponse:
		var resp SyncResponse
		if err := json.Unmarshal(frame.Payload, &resp); err != nil {
			return
		}
		p.hwm.Store(resp.HighWaterMark)
		m.pendingMu.Lock()
		ch, ok := m.pending[resp.RequestID]
		delete(m.pending, resp.RequestID)
		m.pendingMu.Unlock()
		if ok {
			ch <- resp
		}

	default:
		p.log().Debug("ignoring unknown frame", slog.String("type", string(frame.Type)))
	}
}

// Broadcast gossips msg to every connected peer except exclude and returns how many
// peers it was queued for.
func (m *Manager) Broadcast(msg *model.Message, exclude string) int {
	data, err := newFrame(FrameGossip, m.nodeID, msg)
	if err != nil {
		m.logger.Error("encoding gossip frame", slog.String("error", err.Error()))
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	sent := 0
	for id, p := range m.peers {
		if id == exclude {
			continue
		}
		if p.enqueue(data) {
			sent++
		}
	}
	return sent
}

// SendTo gossips msg to a single peer.
func (m *Manager) SendTo(peerID string, msg *model.Message) error {
	m.mu.RLock()
	p, ok := m.peers[peerID]
	m.mu.RUnlock()
	if !ok {
		return ErrPeerNotConnected
	}
	data, err := newFrame(FrameGossip, m.nodeID, msg)
	if err != nil {
		return fmt.Errorf("p2p: encoding gossip frame: %w", err)
	}
	if !p.enqueue(data) {
		return ErrSendFailed
	}
	return nil
}

// RequestSync sends a SyncRequest to peerID and waits for the matching response.
func (m *Manager) RequestSync(ctx context.Context, peerID string, after model.MessageCursor, limit int) (SyncResponse, error) {
	m.mu.RLock()
	p, ok := m.peers[peerID]
	m.mu.RUnlock()
	if !ok {
		return SyncResponse{}, ErrPeerNotConnected
	}

	req := SyncRequest{
		RequestID:      uuid.NewString(),
		SinceTimestamp: after.Timestamp,
		SinceHash:      after.Hash,
		Limit:          limit,
	}
	ch := make(chan SyncResponse, 1)
	m.pendingMu.Lock()
	m.pending[req.RequestID] = ch
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, req.RequestID)
		m.pendingMu.Unlock()
	}()

	data, err := newFrame(FrameSyncRequest, m.nodeID, req)
	if err != nil {
		return SyncResponse{}, fmt.Errorf("p2p: encoding sync request: %w", err)
	}
	if !p.enqueue(data) {
		return SyncResponse{}, ErrSendFailed
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return SyncResponse{}, fmt.Errorf("p2p: waiting for sync response from %s: %w", peerID, ctx.Err())
	}
}

// Peers lists live connections.
func (m *Manager) Peers() []PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.Info())
	}
	return out
}

// PeerIDs lists the ids of live connections.
func (m *Manager) PeerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

// Close disconnects every peer and cancels in-flight handler calls.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

// normalizeAddr trims a trailing slash so configured and dialed addresses compare equal.
func normalizeAddr(addr string) string {
	return strings.TrimRight(addr, "/")
}
