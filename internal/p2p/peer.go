package p2p

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Sync responses carry batches of messages.
	maxFrameSize = 4 << 20

	sendBuffer = 256
)

// PeerInfo is the public view of a connection.
type PeerInfo struct {
	ID            string    `json:"id"`
	Addr          string    `json:"addr"`
	Outbound      bool      `json:"outbound"`
	ConnectedAt   time.Time `json:"connectedAt"`
	HighWaterMark int64     `json:"highWaterMark"`
}

// Peer is one websocket connection to another Hub. It has exactly one reader goroutine
// (readPump) and one writer goroutine (writePump).
type Peer struct {
	addr        string
	outbound    bool
	connectedAt time.Time
	hwm         atomic.Int64

	conn    *websocket.Conn
	manager *Manager

	// id and logger change once when an outbound peer announces its node id.
	idMu   sync.RWMutex
	id     string
	logger *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newPeer(m *Manager, conn *websocket.Conn, id, addr string, outbound bool) *Peer {
	return &Peer{
		id:          id,
		addr:        addr,
		outbound:    outbound,
		connectedAt: time.Now().UTC(),
		conn:        conn,
		manager:     m,
		logger:      m.logger.With(slog.String("peer", id)),
		send:        make(chan []byte, sendBuffer),
	}
}

// ID is the peer's node id, or its dial address until its hello arrives.
func (p *Peer) ID() string {
	p.idMu.RLock()
	defer p.idMu.RUnlock()
	return p.id
}

func (p *Peer) log() *slog.Logger {
	p.idMu.RLock()
	defer p.idMu.RUnlock()
	return p.logger
}

func (p *Peer) setID(id string, logger *slog.Logger) {
	p.idMu.Lock()
	defer p.idMu.Unlock()
	p.id = id
	p.logger = logger
}

func (p *Peer) Info() PeerInfo {
	return PeerInfo{
		ID:            p.ID(),
		Addr:          p.addr,
		Outbound:      p.outbound,
		ConnectedAt:   p.connectedAt,
		HighWaterMark: p.hwm.Load(),
	}
}

// enqueue queues a frame without blocking. A full buffer drops the frame.
func (p *Peer) enqueue(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		p.manager.dropped.Add(1)
		return false
	}
}

// close stops the writer; the reader exits once the connection closes.
func (p *Peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.send)
}

func (p *Peer) readPump() {
	defer func() {
		p.manager.unregister(p)
		p.conn.Close()
	}()
	p.conn.SetReadLimit(maxFrameSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log().Warn("peer connection lost", slog.String("error", err.Error()))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			p.log().Debug("ignoring malformed frame", slog.String("error", err.Error()))
			continue
		}
		p.manager.dispatch(p, frame)
	}
}

func (p *Peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case data, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
