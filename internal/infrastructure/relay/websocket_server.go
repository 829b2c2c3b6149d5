package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"relaycast/internal/core/ports"
	"relaycast/internal/infrastructure/monitoring"
	"relaycast/pkg/config"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ControlMessage is the JSON envelope for text frames on the control
// channel. Binary frames carry raw media chunks and have no envelope.
type ControlMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsConn wraps a websocket connection with a write lock so the handler
// loop and asynchronous adapter callbacks can both emit events.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *wsConn) SendEvent(event string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(map[string]interface{}{
		"type":    event,
		"payload": payload,
	})
}

type WebSocketServer struct {
	sessions  ports.SessionService
	endpoints ports.EndpointService
	factory   ports.TranscoderFactory
	collector *monitoring.PrometheusCollector

	upgrader websocket.Upgrader

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	msgRate        rate.Limit
	msgBurst       int
	maxMessageSize int64

	connections map[string]*wsConn
	mu          sync.RWMutex

	logger *zap.SugaredLogger
}

func NewWebSocketServer(
	cfg *config.Config,
	sessions ports.SessionService,
	endpoints ports.EndpointService,
	factory ports.TranscoderFactory,
	collector *monitoring.PrometheusCollector,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	allowed := cfg.Relay.AllowedOrigins

	s := &WebSocketServer{
		sessions:       sessions,
		endpoints:      endpoints,
		factory:        factory,
		collector:      collector,
		pingInterval:   cfg.Relay.PingInterval,
		readTimeout:    cfg.Relay.PongTimeout,
		writeTimeout:   cfg.Relay.WriteTimeout,
		maxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		connections:    make(map[string]*wsConn),
		logger:         logger,
	}

	if cfg.RateLimiting.Enabled {
		s.msgRate = rate.Limit(cfg.RateLimiting.WebSocket.MessagesPerSecond)
		s.msgBurst = cfg.RateLimiting.WebSocket.Burst
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 4 * 1024,
		CheckOrigin:     originChecker(allowed),
	}

	return s
}

// originChecker allows the configured origins; an empty list allows all,
// matching local development where the dashboard runs on a random port.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}

	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	wsc := &wsConn{conn: conn, writeTimeout: s.writeTimeout}

	s.mu.Lock()
	s.connections[connID] = wsc
	s.mu.Unlock()

	if s.collector != nil {
		s.collector.RecordConnection()
	}

	handler := NewConnHandler(connID, s.sessions, s.endpoints, s.factory, s.collector, wsc, s.logger)

	s.logger.Infow("publisher connected", "conn_id", connID, "remote", conn.RemoteAddr().String())

	if s.maxMessageSize > 0 {
		conn.SetReadLimit(s.maxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	type frame struct {
		messageType int
		data        []byte
	}

	frameChan := make(chan frame, 16)
	errorChan := make(chan error, 1)

	// Reader goroutine: chunks must reach the handler in arrival order, so
	// this is the only reader and frameChan preserves ordering.
	go func() {
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			frameChan <- frame{messageType: messageType, data: data}
		}
	}()

	var limiter *rate.Limiter
	if s.msgRate > 0 {
		limiter = rate.NewLimiter(s.msgRate, s.msgBurst)
	}

	ctx := r.Context()

	for {
		select {
		case f := <-frameChan:
			if limiter != nil && !limiter.Allow() {
				s.logger.Warnw("message rate exceeded, dropping connection", "conn_id", connID)
				goto cleanup
			}

			switch f.messageType {
			case websocket.BinaryMessage:
				handler.OnData(ctx, f.data)
			case websocket.TextMessage:
				s.handleControl(ctx, handler, f.data)
			}

		case <-pingTicker.C:
			wsc.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			wsc.mu.Unlock()
			if err != nil {
				s.logger.Infow("ping failed", "conn_id", connID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("read failed", "conn_id", connID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.mu.Lock()
	delete(s.connections, connID)
	s.mu.Unlock()

	// Primary leak guard: the transport close tears down any live adapter
	// whether or not a stop event ever arrived.
	handler.OnDisconnect(context.Background())

	s.logger.Infow("publisher disconnected", "conn_id", connID)
}

func (s *WebSocketServer) handleControl(ctx context.Context, handler *ConnHandler, data []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debugw("malformed control message", "error", err)
		handler.emitError("malformed control message")
		return
	}

	switch msg.Type {
	case "startStream":
		var req StartRequest
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				handler.emitError("malformed startStream payload")
				return
			}
		}
		handler.OnStart(ctx, req)

	case "stopStream":
		handler.OnStop(ctx)

	default:
		handler.emitError("unknown message type: " + msg.Type)
	}
}

// ConnectionCount reports currently attached publishers.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}
