package daemon

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/uwbctl/internal/auth"
	"github.com/danmuck/uwbctl/internal/config"
	"github.com/danmuck/uwbctl/internal/engine/loopback"
	"github.com/danmuck/uwbctl/internal/multichip"
	"github.com/danmuck/uwbctl/internal/observability"
	"github.com/danmuck/uwbctl/internal/profile"
	"github.com/danmuck/uwbctl/internal/profile/pacs"
	"github.com/danmuck/uwbctl/internal/ranging"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrMissingStore    = errors.New("daemon: profile store is required")
	ErrSessionNotFound = errors.New("daemon: session not found")
	ErrUnknownRole     = errors.New("daemon: unknown session role")
)

const (
	shutdownTimeout = 5 * time.Second
	// closeTimeout bounds how long RemoveSession waits for a queued close.
	closeTimeout = 2 * time.Second
)

// Role selects which side of a PACS session the daemon plays.
type Role string

const (
	RoleController Role = "controller"
	RoleControlee  Role = "controlee"
)

// hosted is one session created through the daemon.
type hosted struct {
	session *pacs.Session
	role    Role
	events  *eventLog
	created time.Time
}

// Service wires the profile store, chips, engine and session registry into
// one HTTP-facing daemon.
type Service struct {
	cfg      config.Config
	store    profile.Store
	chips    *multichip.Data
	engine   *loopback.Engine
	registry *ranging.Registry
	observer observability.SessionObserver
	logger   zerolog.Logger
	// validator is nil when no admin token is configured.
	validator auth.Validator

	router  *gin.Engine
	started time.Time

	mu       sync.RWMutex
	sessions map[ranging.SessionHandle]*hosted
}

// NewService builds a daemon from cfg. The store is owned by the caller.
func NewService(cfg config.Config, store profile.Store) (*Service, error) {
	if store == nil {
		return nil, ErrMissingStore
	}
	chips, err := cfg.ChipTable()
	if err != nil {
		return nil, err
	}
	engine := loopback.New(loopback.Config{
		MinVersion:     cfg.Engine.MinProtocolVersion,
		MaxVersion:     cfg.Engine.MaxProtocolVersion,
		MaxSessions:    cfg.Engine.MaxSessions,
		ReportInterval: cfg.Engine.ReportInterval,
	}, chips)

	s := &Service{
		cfg:      cfg,
		store:    store,
		chips:    chips,
		engine:   engine,
		registry: ranging.NewRegistry(),
		observer: observability.NewSessionObserver(cfg.Name),
		logger:   log.Logger.With().Str("component", "daemon").Str("node", cfg.Name).Logger(),
		started:  time.Now(),
		sessions: make(map[ranging.SessionHandle]*hosted),
	}
	if cfg.AdminToken != "" {
		s.validator = auth.StaticToken{Token: cfg.AdminToken}
	}
	s.router = s.newRouter()
	s.RegisterRoutes()
	return s, nil
}

func (s *Service) newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(s.logger))
	r.Use(observability.RequestMetricsMiddleware(s.cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	return r
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

func (s *Service) Handler() http.Handler { return s.router }

func (s *Service) Engine() *loopback.Engine { return s.engine }

func (s *Service) Registry() *ranging.Registry { return s.registry }

// Run listens on the configured address and serves until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		s.Close()
		return err
	}
	return s.Serve(ctx, ln)
}

// Listen opens the admin listener, wrapped in TLS when configured.
func (s *Service) Listen() (net.Listener, error) {
	if !s.cfg.TLS.Enabled() {
		return net.Listen("tcp", s.cfg.Addr)
	}
	tlsCfg, err := s.serverTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.Addr, tlsCfg)
}

// Serve runs the admin API on ln until ctx is done, then shuts down every
// hosted session.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("addr", ln.Addr().String()).
			Bool("tls", s.cfg.TLS.Enabled()).
			Int("chips", len(s.chips.ChipIDs())).
			Msg("daemon.Service.Serve listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("daemon.Service.Serve shutdown")
	case err, ok := <-serveErr:
		if ok && err != nil {
			s.Close()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

func (s *Service) serverTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if s.cfg.TLS.Mutual {
		caPEM, err := os.ReadFile(s.cfg.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("daemon: parse tls ca bundle: %s", s.cfg.TLS.CAFile)
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// Close shuts down every hosted session and the engine.
func (s *Service) Close() {
	s.mu.Lock()
	entries := s.sessions
	s.sessions = make(map[ranging.SessionHandle]*hosted)
	s.mu.Unlock()

	for h, entry := range entries {
		s.registry.Remove(h)
		entry.session.Shutdown()
	}
	s.engine.Shutdown()
}

// CreateSession derives a session from a stored profile and registers it.
func (s *Service) CreateSession(ctx context.Context, profileID uuid.UUID, role Role, chip ranging.ChipID) (ranging.SessionHandle, error) {
	p, err := s.store.Get(ctx, profileID)
	if err != nil {
		return 0, err
	}

	events := newEventLog(defaultEventLogSize)
	deps := pacs.Deps{
		Engine:   s.engine,
		Chips:    s.chips,
		Observer: s.observer,
		Registry: s.registry,
	}
	h := s.registry.NextHandle()

	var sess *pacs.Session
	switch role {
	case RoleController, "":
		role = RoleController
		sess, err = pacs.NewControllerSession(ctx, h, p, events, deps)
	case RoleControlee:
		sess, err = pacs.NewControleeSession(ctx, h, p, events, deps)
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if err != nil {
		return 0, err
	}
	if chip != "" {
		if err := sess.SetChipID(ctx, chip); err != nil {
			s.registry.Remove(h)
			return 0, err
		}
	}

	s.mu.Lock()
	s.sessions[h] = &hosted{session: sess, role: role, events: events, created: time.Now()}
	s.mu.Unlock()

	s.logger.Info().
		Int32("handle", int32(h)).
		Str("profile", profileID.String()).
		Str("role", string(role)).
		Msg("daemon.Service.CreateSession")
	return h, nil
}

func (s *Service) session(h ranging.SessionHandle) (*hosted, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.sessions[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, h)
	}
	return entry, nil
}

// RemoveSession closes the session on the engine, then shuts its controller
// down and forgets it. Closed sessions have already left the registry; their
// controller goroutines still need stopping.
func (s *Service) RemoveSession(ctx context.Context, h ranging.SessionHandle) error {
	s.mu.Lock()
	entry, ok := s.sessions[h]
	delete(s.sessions, h)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, h)
	}
	if entry.session.State() != ranging.StateClosed {
		if err := entry.session.Close(ctx); err != nil {
			s.logger.Warn().Err(err).Int32("handle", int32(h)).Msg("daemon.Service.RemoveSession close failed")
		}
		// A close queued behind a pending operation reaches the engine only
		// after that operation resolves.
		wait := time.NewTimer(closeTimeout)
		select {
		case <-entry.session.Closed():
		case <-wait.C:
			s.logger.Warn().Int32("handle", int32(h)).Str("state", entry.session.State().String()).
				Msg("daemon.Service.RemoveSession close did not resolve")
		case <-ctx.Done():
		}
		wait.Stop()
	}
	s.registry.Remove(h)
	entry.session.Shutdown()
	return nil
}

// SessionView is the JSON shape of a hosted session.
type SessionView struct {
	Handle     int32          `json:"handle"`
	State      string         `json:"state"`
	Role       string         `json:"role"`
	ChipID     string         `json:"chip_id"`
	ProfileID  string         `json:"profile_id"`
	SessionID  int32          `json:"session_id"`
	Config     ConfigView     `json:"config"`
	Overrides  map[string]any `json:"overrides,omitempty"`
	Created    time.Time      `json:"created"`
	EventCount int            `json:"event_count"`
}

type ConfigView struct {
	Role             string `json:"device_role"`
	MultiNodeMode    int32  `json:"multi_node_mode"`
	Channel          int32  `json:"channel_number"`
	PreambleIndex    int32  `json:"preamble_code_index"`
	SlotDurationRSTU int32  `json:"slot_duration_rstu"`
	SlotsPerRound    int32  `json:"slots_per_ranging_round"`
	RangingInterval  string `json:"ranging_interval"`
	ProtocolVersion  string `json:"protocol_version"`
}

func (s *Service) view(h ranging.SessionHandle, entry *hosted) SessionView {
	snap := entry.session.Session()
	cfg := snap.Config
	v := SessionView{
		Handle:    int32(h),
		State:     entry.session.State().String(),
		Role:      string(entry.role),
		ChipID:    string(snap.ChipID),
		ProfileID: entry.session.Profile().InstanceID.String(),
		SessionID: snap.SessionID,
		Config: ConfigView{
			Role:             cfg.Role.String(),
			MultiNodeMode:    int32(cfg.MultiNodeMode),
			Channel:          cfg.Channel,
			PreambleIndex:    cfg.PreambleIndex,
			SlotDurationRSTU: cfg.SlotDurationRSTU,
			SlotsPerRound:    cfg.SlotsPerRound,
			RangingInterval:  cfg.RangingInterval.String(),
			ProtocolVersion:  cfg.ProtocolVersion.String(),
		},
		Created:    entry.created,
		EventCount: len(entry.events.Records()),
	}
	if snap.Overrides != nil && !snap.Overrides.IsEmpty() {
		v.Overrides = snap.Overrides.Map()
	}
	return v
}

// Sessions lists hosted sessions ordered by handle.
func (s *Service) Sessions() []SessionView {
	s.mu.RLock()
	handles := make([]ranging.SessionHandle, 0, len(s.sessions))
	for h := range s.sessions {
		handles = append(handles, h)
	}
	entries := make(map[ranging.SessionHandle]*hosted, len(s.sessions))
	for h, e := range s.sessions {
		entries[h] = e
	}
	s.mu.RUnlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	out := make([]SessionView, 0, len(handles))
	for _, h := range handles {
		out = append(out, s.view(h, entries[h]))
	}
	return out
}
