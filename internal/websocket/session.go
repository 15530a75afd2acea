package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trustlink-chat/internal/metrics"
	"trustlink-chat/pkg/chat"
)

// AuthVerifier resolves a bearer token to an identity.
type AuthVerifier interface {
	Resolve(ctx context.Context, token string) (chat.Identity, error)
}

type IncidentStore interface {
	Get(ctx context.Context, id string) (*chat.Incident, error)
}

type MessageStore interface {
	Create(ctx context.Context, draft chat.MessageDraft) (*chat.ChatMessage, error)
}

// Classifier suggests an automatic reply to a citizen message.
type Classifier interface {
	Reply(content string) (string, bool)
}

type AuditRecorder interface {
	LogSessionRejected(ctx context.Context, actorID, incidentID, reason string, closeCode int) error
	LogMonitorOpened(ctx context.Context, actorID string, role chat.Role) error
}

// FrameLimiter throttles inbound frames per user.
type FrameLimiter interface {
	Allow(key string) bool
}

// Deps are the collaborators of a Handler. Classifier, Audit and Limiter may
// be nil.
type Deps struct {
	Auth        AuthVerifier
	Incidents   IncidentStore
	Messages    MessageStore
	Classifier  Classifier
	Audit       AuditRecorder
	Limiter     FrameLimiter
	Distributor *Distributor
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

type HandlerConfig struct {
	Client         ClientOptions
	PersistTimeout time.Duration
	PongWait       time.Duration
	ReadLimit      int64
	CheckOrigin    func(r *http.Request) bool
}

// Handler upgrades HTTP requests and runs one Session per socket.
type Handler struct {
	Deps
	cfg      HandlerConfig
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHandler(deps Deps, cfg HandlerConfig) *Handler {
	cfg.Client = cfg.Client.withDefaults()
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = pongWait
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = maxMessageSize
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	deps.Logger = deps.Logger.With("component", "session")

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		Deps: deps,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeIncident upgrades the request and runs a chat session for incidentID.
// Authentication happens after the upgrade so that failures can be reported
// with a close code.
func (h *Handler) ServeIncident(w http.ResponseWriter, r *http.Request, incidentID, token string) {
	h.serve(w, r, modeIncident, incidentID, token)
}

// ServeMonitor upgrades the request and runs a monitor session.
func (h *Handler) ServeMonitor(w http.ResponseWriter, r *http.Request, token string) {
	h.serve(w, r, modeMonitor, "", token)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, mode sessionMode, incidentID, token string) {
	if h.ctx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()
	h.newSession(conn, mode, incidentID, token).Run(h.ctx)
}

// Shutdown closes every open session with 1001 and waits for them to finish
// or for ctx to end.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type sessionMode int

const (
	modeIncident sessionMode = iota
	modeMonitor
)

func (m sessionMode) String() string {
	if m == modeMonitor {
		return "monitor"
	}
	return "incident"
}

type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthorizing
	StateOpen
	StateClosing
	StateClosed
)

var stateNames = [...]string{"connecting", "authenticating", "authorizing", "open", "closing", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

var transitions = map[State][]State{
	StateConnecting:     {StateAuthenticating, StateClosed},
	StateAuthenticating: {StateAuthorizing, StateClosed},
	StateAuthorizing:    {StateOpen, StateClosed},
	StateOpen:           {StateClosing, StateClosed},
	StateClosing:        {StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session drives one socket through authentication, authorization, the
// receive loop and teardown.
type Session struct {
	h          *Handler
	conn       Conn
	mode       sessionMode
	incidentID string
	token      string
	logger     *slog.Logger

	identity chat.Identity
	client   *Client

	mu    sync.Mutex
	state State
}

func (h *Handler) newSession(conn Conn, mode sessionMode, incidentID, token string) *Session {
	logger := h.Logger.With("mode", mode.String())
	if incidentID != "" {
		logger = logger.With("incident_id", incidentID)
	}
	return &Session{
		h:          h,
		conn:       conn,
		mode:       mode,
		incidentID: incidentID,
		token:      token,
		logger:     logger,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	ok := canTransition(from, to)
	if ok {
		s.state = to
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Error("invalid session transition", "from", from, "to", to)
		return
	}
	s.logger.Debug("session transition", "from", from, "to", to)
}

// Run blocks until the session is closed. Cancelling ctx closes the socket
// with 1001.
func (s *Session) Run(ctx context.Context) {
	s.setState(StateAuthenticating)
	identity, err := s.authenticate(ctx)
	if err != nil {
		s.reject(ctx, err)
		return
	}
	s.identity = identity
	s.logger = s.logger.With("user_id", identity.UserID, "role", identity.Role)

	s.setState(StateAuthorizing)
	if err := s.authorize(ctx); err != nil {
		s.reject(ctx, err)
		return
	}

	s.open(ctx)
	stop := context.AfterFunc(ctx, func() {
		s.client.Close(websocket.CloseGoingAway, "server shutting down")
	})
	defer stop()

	s.readLoop(ctx)
	s.teardown(ctx)
}

func (s *Session) authenticate(ctx context.Context) (chat.Identity, error) {
	if s.token == "" {
		return chat.Identity{}, fmt.Errorf("%w: token missing", chat.ErrAuthentication)
	}
	identity, err := s.h.Auth.Resolve(ctx, s.token)
	if err != nil {
		if !errors.Is(err, chat.ErrAuthentication) {
			return chat.Identity{}, fmt.Errorf("resolve token: %w", err)
		}
		return chat.Identity{}, err
	}
	return identity, nil
}

func (s *Session) authorize(ctx context.Context) error {
	if s.mode == modeMonitor {
		if !s.identity.Role.Can(chat.CapMonitor) {
			return fmt.Errorf("%w: monitor requires a privileged role", chat.ErrAuthorization)
		}
		return nil
	}

	incident, err := s.h.Incidents.Get(ctx, s.incidentID)
	if err != nil {
		return err
	}
	if !s.identity.CanAccessIncident(incident.OwnerID) {
		return fmt.Errorf("%w: not a participant of incident %s", chat.ErrAuthorization, s.incidentID)
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, chat.ErrAuthentication):
		return "authentication"
	case errors.Is(err, chat.ErrAuthorization):
		return "authorization"
	case errors.Is(err, chat.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

var closeReasons = map[string]string{
	"authentication": "authentication failed",
	"authorization":  "not enough permissions",
	"not_found":      "incident not found",
	"internal":       "internal error",
}

// reject closes a socket that never reached the open state. The registry is
// not touched.
func (s *Session) reject(ctx context.Context, err error) {
	code := chat.CloseCodeFor(err)
	reason := rejectReason(err)

	if reason == "internal" {
		s.logger.Error("session failed during handshake", "error", err)
	} else {
		s.logger.Info("session rejected", "reason", reason, "close_code", code, "error", err)
	}
	s.h.Metrics.SessionsRejected.WithLabelValues(reason).Inc()

	if s.h.Audit != nil {
		if aerr := s.h.Audit.LogSessionRejected(ctx, s.identity.UserID, s.incidentID, err.Error(), code); aerr != nil {
			s.logger.Warn("failed to record session rejection", "error", aerr)
		}
	}

	msg := websocket.FormatCloseMessage(code, closeReasons[reason])
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.h.cfg.Client.WriteTimeout))
	s.conn.Close()
	s.setState(StateClosed)
}

func (s *Session) open(ctx context.Context) {
	s.client = NewClient(s.conn, s.identity, s.incidentID, s.h.cfg.Client)
	s.logger = s.logger.With("conn_id", s.client.ID())
	go s.client.WritePump()

	s.h.Distributor.Join(s.client)

	if s.mode == modeMonitor {
		if s.h.Audit != nil {
			if err := s.h.Audit.LogMonitorOpened(ctx, s.identity.UserID, s.identity.Role); err != nil {
				s.logger.Warn("failed to record monitor session", "error", err)
			}
		}
	} else {
		s.h.Distributor.BroadcastToIncident(ctx, s.incidentID, chat.PresenceEvent(s.identity.UserID, chat.StatusOnline), s.client)
	}

	s.setState(StateOpen)
	s.logger.Info("session opened")
}

func (s *Session) readLoop(ctx context.Context) {
	wait := s.h.cfg.PongWait
	s.conn.SetReadLimit(s.h.cfg.ReadLimit)
	s.conn.SetReadDeadline(time.Now().Add(wait))
	s.conn.SetPongHandler(func(string) error {
		s.client.Touch()
		return s.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Warn("websocket read error", "error", err)
			} else {
				s.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		s.client.Touch()
		s.conn.SetReadDeadline(time.Now().Add(wait))
		s.handleFrame(ctx, data)
	}
}

func (s *Session) teardown(ctx context.Context) {
	s.setState(StateClosing)
	s.h.Distributor.Leave(s.client)

	if s.mode == modeIncident {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.h.cfg.Client.WriteTimeout)
		s.h.Distributor.BroadcastToIncident(bctx, s.incidentID, chat.PresenceEvent(s.identity.UserID, chat.StatusOffline), s.client)
		cancel()
	}

	s.client.Close(websocket.CloseNormalClosure, "")
	if !s.client.Wait(s.h.cfg.Client.WriteTimeout + time.Second) {
		s.logger.Warn("write pump did not stop in time")
		s.conn.Close()
	}
	s.setState(StateClosed)
	s.logger.Info("session closed", "duration", time.Since(s.client.ConnectedAt()).Round(time.Millisecond))
}
