// Package gateway is the realtime progress surface: websocket sessions that
// subscribe to targets, get a durable bootstrap snapshot, and then stream
// broadcast progress events.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/events"
	"github.com/clipforge/clipforge/internal/stages"
	"github.com/clipforge/clipforge/internal/worker"
)

// Authenticator admits websocket sessions.
type Authenticator interface {
	Authenticate(token string) error
}

// TokenAuthenticator admits sessions carrying a static bearer token. An empty
// configured token disables authentication (development mode).
type TokenAuthenticator struct {
	Token string
}

// Authenticate implements Authenticator.
func (a TokenAuthenticator) Authenticate(token string) error {
	if a.Token == "" {
		return nil
	}
	if token != a.Token {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// Message is the websocket wire format in both directions.
type Message struct {
	Type     string      `json:"type"`
	TargetID string      `json:"target_id,omitempty"`
	Data     interface{} `json:"data,omitempty"`
	Error    string      `json:"error,omitempty"`
	Time     int64       `json:"timestamp"`
}

// Message types.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgBootstrap   = "bootstrap"
	MsgProgress    = "progress"
	MsgError       = "error"
)

// bootstrapData is the durable snapshot a fresh subscriber receives before
// any live events, so late subscribers never start blind.
type bootstrapData struct {
	WorkUnit *workUnitView  `json:"work_unit"`
	Stages   []stages.Stage `json:"stages"`
}

// workUnitView is the client-facing projection of a work unit row.
type workUnitView struct {
	ID        string  `json:"id"`
	TargetID  string  `json:"target_id"`
	OwnerID   string  `json:"owner_id"`
	Kind      string  `json:"kind"`
	Status    string  `json:"status"`
	Stage     string  `json:"stage,omitempty"`
	Progress  float64 `json:"progress"`
	Message   string  `json:"message,omitempty"`
	Attempts  int     `json:"attempts"`
	CreatedAt int64   `json:"created_at"`
}

// Gateway owns all websocket sessions of one process.
type Gateway struct {
	bus          events.Bus
	store        *worker.Store
	auth         Authenticator
	upgrader     websocket.Upgrader
	idleTimeout  time.Duration
	writeTimeout time.Duration
	sessionCount atomic.Int64
	logger       hclog.Logger
}

// New builds a gateway over the broadcast bus and the durable store.
func New(bus events.Bus, store *worker.Store, auth Authenticator, cfg config.GatewayConfig, logger hclog.Logger) *Gateway {
	return &Gateway{
		bus:   bus,
		store: store,
		auth:  auth,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		idleTimeout:  cfg.IdleTimeout,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger.Named("gateway"),
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (g *Gateway) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws", g.HandleWebSocket)
}

// SessionCount reports currently open sessions.
func (g *Gateway) SessionCount() int64 {
	return g.sessionCount.Load()
}

// HandleWebSocket authenticates and upgrades one session, then serves it
// until the client leaves or goes idle past the timeout.
func (g *Gateway) HandleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Authorization")
	}
	if err := g.auth.Authenticate(token); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "authentication failed",
			"code":  "UNAUTHORIZED",
		})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &session{
		gateway:  g,
		conn:     conn,
		outbound: make(chan Message, 64),
		subs:     make(map[string]string),
		done:     make(chan struct{}),
	}
	g.sessionCount.Add(1)
	g.logger.Debug("session opened", "remote", conn.RemoteAddr().String())

	go s.writeLoop()
	s.readLoop(c.Request.Context())

	s.close()
	g.sessionCount.Add(-1)
	g.logger.Debug("session closed", "remote", conn.RemoteAddr().String())
}

// session is one websocket connection with its subscriptions.
type session struct {
	gateway  *Gateway
	conn     *websocket.Conn
	outbound chan Message

	mu   sync.Mutex
	subs map[string]string // targetID -> bus subscription id

	closeOnce sync.Once
	done      chan struct{}
}

func (s *session) readLoop(ctx context.Context) {
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.gateway.idleTimeout))
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Malformed frames produce an error event, never a disconnect.
			s.send(Message{Type: MsgError, Error: "malformed message", Time: time.Now().Unix()})
			continue
		}

		switch msg.Type {
		case MsgSubscribe:
			s.subscribe(ctx, msg.TargetID)
		case MsgUnsubscribe:
			s.unsubscribe(msg.TargetID)
		default:
			s.send(Message{Type: MsgError, Error: "unknown message type: " + msg.Type, Time: time.Now().Unix()})
		}
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(s.gateway.writeTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.close()
				return
			}
		}
	}
}

// send queues a message, dropping it if the client cannot keep up. Progress
// is last-write-wins, so a dropped intermediate frame is harmless.
func (s *session) send(msg Message) {
	select {
	case s.outbound <- msg:
	default:
		s.gateway.logger.Warn("dropping frame for slow session", "type", msg.Type, "target_id", msg.TargetID)
	}
}

func (s *session) subscribe(ctx context.Context, targetID string) {
	if targetID == "" {
		s.send(Message{Type: MsgError, Error: "subscribe requires target_id", Time: time.Now().Unix()})
		return
	}

	s.mu.Lock()
	_, already := s.subs[targetID]
	s.mu.Unlock()
	if already {
		s.send(Message{Type: MsgError, TargetID: targetID, Error: "already subscribed", Time: time.Now().Unix()})
		return
	}

	// Bootstrap from the durable row first: the bus only carries events
	// published after registration.
	boot, err := s.bootstrap(ctx, targetID)
	if err != nil {
		s.send(Message{Type: MsgError, TargetID: targetID, Error: err.Error(), Time: time.Now().Unix()})
		return
	}

	subID := s.gateway.bus.Subscribe(targetID, func(ev events.ProgressEvent) {
		s.send(Message{Type: MsgProgress, TargetID: ev.TargetID, Data: ev, Time: time.Now().Unix()})
	})

	s.mu.Lock()
	s.subs[targetID] = subID
	s.mu.Unlock()

	s.send(Message{Type: MsgBootstrap, TargetID: targetID, Data: boot, Time: time.Now().Unix()})
}

func (s *session) bootstrap(ctx context.Context, targetID string) (*bootstrapData, error) {
	units, err := s.gateway.store.ListByTarget(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load target state")
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("no work units for target %s", targetID)
	}

	unit := units[0]
	table, err := stages.ForKind(unit.Kind)
	if err != nil {
		return nil, err
	}
	return &bootstrapData{
		WorkUnit: &workUnitView{
			ID:        unit.ID,
			TargetID:  unit.TargetID,
			OwnerID:   unit.OwnerID,
			Kind:      unit.Kind,
			Status:    string(unit.Status),
			Stage:     unit.Stage,
			Progress:  unit.Progress,
			Message:   unit.Message,
			Attempts:  unit.Attempts,
			CreatedAt: unit.CreatedAt.Unix(),
		},
		Stages: table,
	}, nil
}

func (s *session) unsubscribe(targetID string) {
	s.mu.Lock()
	subID, ok := s.subs[targetID]
	if ok {
		delete(s.subs, targetID)
	}
	s.mu.Unlock()

	if ok {
		s.gateway.bus.Unsubscribe(subID)
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		for _, subID := range s.subs {
			s.gateway.bus.Unsubscribe(subID)
		}
		s.subs = map[string]string{}
		s.mu.Unlock()

		close(s.done)
		s.conn.Close()
	})
}
