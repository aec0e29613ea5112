package relay

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/telecall/internal/metrics"
	"github.com/1ureka/telecall/internal/protocol"
	"github.com/1ureka/telecall/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	peerSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the WebSocket relay hub. Authenticated parties may publish to
// any topic but only subscribe to topics they own.
type Server struct {
	auth *Auth

	mu     sync.RWMutex
	topics map[string]map[*peerConn]struct{}
}

func NewServer(auth *Auth) *Server {
	return &Server{auth: auth, topics: make(map[string]map[*peerConn]struct{})}
}

// ServeHTTP upgrades the request and serves one party until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	party, err := s.auth.Verify(bearerToken(r))
	if err != nil {
		util.LogWarning("relay: rejected connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peerConn{party: party, conn: conn, send: make(chan []byte, peerSendBuffer), done: make(chan struct{})}
	metrics.HubConnections.Inc()
	util.LogInfo("relay: %s connected", party)

	go p.writeLoop()
	s.readLoop(p)

	s.dropPeer(p)
	metrics.HubConnections.Dec()
	util.LogInfo("relay: %s disconnected", party)
}

func (s *Server) readLoop(p *peerConn) {
	defer p.close()

	p.conn.SetReadLimit(protocol.MaxDataSize * 2)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := protocol.Decode(raw)
		if err != nil {
			metrics.HubFramesDroppedTotal.WithLabelValues("malformed").Inc()
			p.reply(&protocol.Frame{Op: protocol.OpErr, Error: err.Error()})
			continue
		}

		switch f.Op {
		case protocol.OpSub:
			if protocol.TopicOwner(f.Topic) != p.party {
				metrics.HubFramesDroppedTotal.WithLabelValues("forbidden").Inc()
				p.reply(&protocol.Frame{Op: protocol.OpErr, Topic: f.Topic, Error: ErrForbidden.Error()})
				continue
			}
			s.subscribe(p, f.Topic)
		case protocol.OpUnsub:
			s.unsubscribe(p, f.Topic)
		case protocol.OpPub:
			s.route(f.Topic, f.Data)
		default:
			p.reply(&protocol.Frame{Op: protocol.OpErr, Topic: f.Topic, Error: "unexpected op " + string(f.Op)})
		}
	}
}

func (s *Server) subscribe(p *peerConn, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers, ok := s.topics[topic]
	if !ok {
		peers = make(map[*peerConn]struct{})
		s.topics[topic] = peers
	}
	peers[p] = struct{}{}
}

func (s *Server) unsubscribe(p *peerConn, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if peers, ok := s.topics[topic]; ok {
		delete(peers, p)
		if len(peers) == 0 {
			delete(s.topics, topic)
		}
	}
}

func (s *Server) dropPeer(p *peerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, peers := range s.topics {
		delete(peers, p)
		if len(peers) == 0 {
			delete(s.topics, topic)
		}
	}
}

// route forwards data to every subscriber of topic. A subscriber whose send
// buffer is full misses the frame.
func (s *Server) route(topic string, data []byte) {
	raw, err := protocol.Encode(&protocol.Frame{Op: protocol.OpMsg, Topic: topic, Data: data})
	if err != nil {
		metrics.HubFramesDroppedTotal.WithLabelValues("malformed").Inc()
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for p := range s.topics[topic] {
		select {
		case p.send <- raw:
			metrics.HubFramesRoutedTotal.Inc()
		default:
			metrics.HubFramesDroppedTotal.WithLabelValues("slow_consumer").Inc()
			util.LogWarning("relay: send buffer full for %s, dropping frame on %s", p.party, topic)
		}
	}
}

// peerConn is one authenticated hub connection. All writes go through
// writeLoop so the socket has a single writer.
type peerConn struct {
	party string
	conn  *websocket.Conn
	send  chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (p *peerConn) reply(f *protocol.Frame) {
	raw, err := protocol.Encode(f)
	if err != nil {
		return
	}
	select {
	case p.send <- raw:
	default:
	}
}

func (p *peerConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer p.conn.Close()

	for {
		select {
		case raw := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
