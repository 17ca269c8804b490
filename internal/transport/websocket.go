package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// statusInterval is the period of the status stream.
	statusInterval = time.Second

	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// sendBuffer is the number of statuses queued per client. A client
	// that falls further behind misses updates.
	sendBuffer = 4
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		return u.Host == r.Host
	},
}

// subscriber is one connected client. Only its write pump writes to conn.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// WebSocketServer pushes the run status to connected clients while a run
// exists.
type WebSocketServer struct {
	api    RunAPI
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// NewWebSocketServer creates a stream over api. Start begins pushing.
func NewWebSocketServer(api RunAPI, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketServer{
		api:    api,
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
		done:   make(chan struct{}),
	}
}

// Handler upgrades the request and serves the client until it disconnects.
func (ws *WebSocketServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			ws.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		sub := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}
		if !ws.subscribe(sub) {
			conn.Close()
			return
		}
		ws.logger.Debug("status client connected",
			slog.String("remote", r.RemoteAddr),
			slog.Int("clients", ws.ClientCount()),
		)

		go ws.writePump(sub)
		ws.readPump(sub)

		ws.unsubscribe(sub)
		ws.logger.Debug("status client disconnected",
			slog.String("remote", r.RemoteAddr),
			slog.Int("clients", ws.ClientCount()),
		)
	}
}

// readPump drains client frames so that pongs and close frames are seen.
func (ws *WebSocketServer) readPump(sub *subscriber) {
	sub.conn.SetReadLimit(512)
	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Debug("status client read failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// writePump sends queued statuses and keepalive pings until send is closed.
func (ws *WebSocketServer) writePump(sub *subscriber) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ws *WebSocketServer) subscribe(sub *subscriber) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	select {
	case <-ws.done:
		return false
	default:
	}
	ws.subs[sub] = struct{}{}
	return true
}

func (ws *WebSocketServer) unsubscribe(sub *subscriber) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if _, ok := ws.subs[sub]; ok {
		delete(ws.subs, sub)
		close(sub.send)
	}
}

// Start begins pushing the status every statusInterval.
func (ws *WebSocketServer) Start() {
	go ws.pushLoop()
}

// Stop ends the stream and disconnects every client. It is idempotent.
func (ws *WebSocketServer) Stop() {
	ws.stopOnce.Do(func() {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		close(ws.done)
		for sub := range ws.subs {
			close(sub.send)
			delete(ws.subs, sub)
		}
	})
}

func (ws *WebSocketServer) pushLoop() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			if ws.ClientCount() == 0 {
				continue
			}
			// Nothing to report before the first run.
			if status := ws.api.Status(); status.RunID != "" {
				ws.publish(status)
			}
		}
	}
}

// publish queues v for every client, skipping clients whose queue is full.
func (ws *WebSocketServer) publish(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		ws.logger.Error("failed to marshal status", slog.String("error", err.Error()))
		return
	}

	ws.mu.RLock()
	defer ws.mu.RUnlock()
	for sub := range ws.subs {
		select {
		case sub.send <- data:
		default:
			ws.logger.Debug("status client lagging, update dropped")
		}
	}
}

// ClientCount returns the number of connected clients.
func (ws *WebSocketServer) ClientCount() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.subs)
}
