// Package transport is the gorilla/websocket fabric validator nodes use to
// exchange signed consensus payloads (spec.md §5, the Broadcast/RequestTx
// wiring dbft.Config needs from the network layer).
package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Transport fans a signed payload out to every connected validator peer, or
// sends it to one by address, over a persistent websocket connection per
// peer.
type Transport struct {
	log       *zap.Logger
	onMessage func(peerAddr string, data []byte)

	mu    sync.RWMutex
	peers map[string]*peerConn
}

// New returns a Transport that calls onMessage for every payload a peer
// sends once connected via Handler or Dial.
func New(log *zap.Logger, onMessage func(peerAddr string, data []byte)) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		log:       log,
		onMessage: onMessage,
		peers:     make(map[string]*peerConn),
	}
}

// peerConn owns one websocket connection; reads and writes run on their own
// goroutine per the gorilla/websocket hub pattern, since *websocket.Conn
// supports at most one concurrent reader and one concurrent writer.
type peerConn struct {
	addr string
	conn *websocket.Conn
	send chan []byte
}

// Handler upgrades inbound HTTP requests to a websocket connection,
// registering the remote address as a peer. Wire it to an http.ServeMux
// under the node's peering path.
func (t *Transport) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		t.register(r.RemoteAddr, conn)
	}
}

// Dial opens an outbound connection to a peer at addr (a ws:// or wss://
// URL) and registers it the same way an inbound Handler connection would
// be.
func (t *Transport) Dial(addr string) error {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return err
	}
	t.register(addr, conn)
	return nil
}

func (t *Transport) register(addr string, conn *websocket.Conn) {
	p := &peerConn{addr: addr, conn: conn, send: make(chan []byte, sendBuffer)}

	t.mu.Lock()
	if old, ok := t.peers[addr]; ok {
		close(old.send)
	}
	t.peers[addr] = p
	t.mu.Unlock()

	t.log.Info("peer connected", zap.String("addr", addr))

	go t.writePump(p)
	go t.readPump(p)
}

func (t *Transport) readPump(p *peerConn) {
	defer t.unregister(p)

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			t.log.Debug("peer read closed", zap.String("addr", p.addr), zap.Error(err))
			return
		}
		if t.onMessage != nil {
			t.onMessage(p.addr, data)
		}
	}
}

func (t *Transport) writePump(p *peerConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case data, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *Transport) unregister(p *peerConn) {
	t.mu.Lock()
	if cur, ok := t.peers[p.addr]; ok && cur == p {
		delete(t.peers, p.addr)
		close(p.send)
	}
	t.mu.Unlock()
	t.log.Info("peer disconnected", zap.String("addr", p.addr))
}

// Broadcast sends data to every connected peer, dropping it for any peer
// whose send buffer is full rather than blocking the caller.
func (t *Transport) Broadcast(data []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		select {
		case p.send <- data:
		default:
			t.log.Warn("peer send buffer full, dropping message", zap.String("addr", p.addr))
		}
	}
}

// SendTo sends data to one peer by address. It reports false if that peer
// isn't connected or its send buffer is full.
func (t *Transport) SendTo(addr string, data []byte) bool {
	t.mu.RLock()
	p, ok := t.peers[addr]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// PeerCount returns the number of currently connected peers.
func (t *Transport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Close disconnects every peer.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, p := range t.peers {
		close(p.send)
		delete(t.peers, addr)
	}
}
