package daemon

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/uwbctl/internal/auth"
	"github.com/danmuck/uwbctl/internal/engine/loopback"
	"github.com/danmuck/uwbctl/internal/multichip"
	"github.com/danmuck/uwbctl/internal/profile"
	"github.com/danmuck/uwbctl/internal/profile/pacs"
	"github.com/danmuck/uwbctl/internal/protocol/bundle"
	"github.com/danmuck/uwbctl/internal/protocol/version"
	"github.com/danmuck/uwbctl/internal/ranging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Service) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": s.cfg.Name,
			"version":   "0.0.1",
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/chips", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"default": string(s.chips.DefaultChipID()),
			"chips":   s.chips.Chips(),
		})
	})
	r.GET("/chips/:chip/spec", s.handleChipSpec)

	r.GET("/adapter", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"enabled":  s.engine.Enabled(),
			"sessions": s.engine.SessionCount(),
		})
	})

	r.GET("/profiles", s.handleListProfiles)
	r.GET("/profiles/:id", s.handleGetProfile)

	r.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.Sessions()})
	})
	r.GET("/sessions/:handle", s.handleGetSession)
	r.GET("/sessions/:handle/events", s.handleSessionEvents)

	admin := r.Group("", auth.Middleware(s.validator))
	admin.POST("/adapter/:toggle", s.handleAdapterToggle)
	admin.POST("/profiles", s.handleAddProfile)
	admin.DELETE("/profiles/:id", s.handleRemoveProfile)
	admin.POST("/sessions", s.handleCreateSession)
	admin.DELETE("/sessions/:handle", s.handleRemoveSession)
	admin.POST("/sessions/:handle/reconfigure", s.handleReconfigure)
	admin.POST("/sessions/:handle/actions/:action", s.handleSessionAction)
}

func (s *Service) handleChipSpec(c *gin.Context) {
	info, err := s.engine.SpecificationInfo(ranging.ChipID(c.Param("chip")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"spec": info.Map()})
}

func (s *Service) handleAdapterToggle(c *gin.Context) {
	switch c.Param("toggle") {
	case "enable":
		s.engine.SetEnabled(true)
	case "disable":
		s.engine.SetEnabled(false)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown adapter action"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": s.engine.Enabled()})
}

// ProfileRequest is the JSON body accepted by POST /profiles.
type ProfileRequest struct {
	InstanceID      string                  `json:"service_instance_id"`
	ServiceID       string                  `json:"service_id"`
	UID             int32                   `json:"uid"`
	PackageName     string                  `json:"package_name"`
	AppletID        int32                   `json:"service_applet_id"`
	SessionID       int32                   `json:"session_id"`
	DeviceAddress   ranging.Address         `json:"device_address"`
	PeerAddresses   []ranging.Address       `json:"peer_addresses"`
	Channel         int32                   `json:"channel_number"`
	PreambleIndex   int32                   `json:"preamble_code_index"`
	ProtocolVersion version.ProtocolVersion `json:"protocol_version"`
}

func (r ProfileRequest) profile() (profile.ServiceProfile, error) {
	service, err := profile.ParseServiceID(r.ServiceID)
	if err != nil {
		return profile.ServiceProfile{}, err
	}
	p := profile.ServiceProfile{
		ServiceID:       service,
		UID:             r.UID,
		PackageName:     r.PackageName,
		AppletID:        r.AppletID,
		SessionID:       r.SessionID,
		DeviceAddress:   r.DeviceAddress,
		PeerAddresses:   r.PeerAddresses,
		Channel:         r.Channel,
		PreambleIndex:   r.PreambleIndex,
		ProtocolVersion: r.ProtocolVersion,
	}
	if r.InstanceID != "" {
		id, err := uuid.Parse(r.InstanceID)
		if err != nil {
			return profile.ServiceProfile{}, errors.Join(profile.ErrInvalidProfile, err)
		}
		p.InstanceID = id
	}
	return p, p.Validate()
}

func profileView(p profile.ServiceProfile) ProfileRequest {
	return ProfileRequest{
		InstanceID:      p.InstanceID.String(),
		ServiceID:       p.ServiceID.String(),
		UID:             p.UID,
		PackageName:     p.PackageName,
		AppletID:        p.AppletID,
		SessionID:       p.SessionID,
		DeviceAddress:   p.DeviceAddress,
		PeerAddresses:   p.PeerAddresses,
		Channel:         p.Channel,
		PreambleIndex:   p.PreambleIndex,
		ProtocolVersion: p.ProtocolVersion,
	}
}

func (s *Service) handleListProfiles(c *gin.Context) {
	list, err := s.store.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]ProfileRequest, 0, len(list))
	for _, p := range list {
		out = append(out, profileView(p))
	}
	c.JSON(http.StatusOK, gin.H{"profiles": out})
}

func (s *Service) handleAddProfile(c *gin.Context) {
	var req ProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := req.profile()
	if err != nil {
		respondError(c, err)
		return
	}
	stored, err := s.store.Add(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"profile": profileView(stored)})
}

func (s *Service) handleGetProfile(c *gin.Context) {
	id, ok := parseProfileID(c)
	if !ok {
		return
	}
	p, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profileView(p)})
}

func (s *Service) handleRemoveProfile(c *gin.Context) {
	id, ok := parseProfileID(c)
	if !ok {
		return
	}
	if err := s.store.Remove(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// CreateSessionRequest is the JSON body accepted by POST /sessions.
type CreateSessionRequest struct {
	ProfileID string `json:"profile_id" binding:"required"`
	Role      Role   `json:"role"`
	ChipID    string `json:"chip_id"`
}

func (s *Service) handleCreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := uuid.Parse(req.ProfileID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return
	}
	h, err := s.CreateSession(c.Request.Context(), id, req.Role, ranging.ChipID(req.ChipID))
	if err != nil {
		respondError(c, err)
		return
	}
	entry, err := s.session(h)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": s.view(h, entry)})
}

func (s *Service) handleGetSession(c *gin.Context) {
	h, entry, ok := s.lookupSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s.view(h, entry)})
}

func (s *Service) handleRemoveSession(c *gin.Context) {
	h, _, ok := s.lookupSession(c)
	if !ok {
		return
	}
	if err := s.RemoveSession(c.Request.Context(), h); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func (s *Service) handleSessionEvents(c *gin.Context) {
	_, entry, ok := s.lookupSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events":  entry.events.Records(),
		"dropped": entry.events.Dropped(),
	})
}

// handleReconfigure accepts a flat object of integer parameters.
func (s *Service) handleReconfigure(c *gin.Context) {
	_, entry, ok := s.lookupSession(c)
	if !ok {
		return
	}
	var body map[string]int32
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	params := bundle.New()
	for k, v := range body {
		params.PutInt(k, v)
	}
	if err := entry.session.Reconfigure(c.Request.Context(), params); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": entry.session.State().String()})
}

func (s *Service) handleSessionAction(c *gin.Context) {
	_, entry, ok := s.lookupSession(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	var err error
	switch c.Param("action") {
	case "open":
		err = entry.session.Open(ctx)
	case "start":
		err = entry.session.Start(ctx)
	case "stop":
		err = entry.session.Stop(ctx)
	case "close":
		err = entry.session.Close(ctx)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session action"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": entry.session.State().String()})
}

func (s *Service) lookupSession(c *gin.Context) (ranging.SessionHandle, *hosted, bool) {
	n, err := strconv.ParseInt(c.Param("handle"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session handle"})
		return 0, nil, false
	}
	h := ranging.SessionHandle(n)
	entry, err := s.session(h)
	if err != nil {
		respondError(c, err)
		return 0, nil, false
	}
	return h, entry, true
}

func parseProfileID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return uuid.Nil, false
	}
	return id, true
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, profile.ErrNotFound),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, loopback.ErrUnknownChip):
		return http.StatusNotFound
	case errors.Is(err, profile.ErrAlreadyExists),
		errors.Is(err, ranging.ErrHandleInUse),
		errors.Is(err, ranging.ErrInvalidState),
		errors.Is(err, ranging.ErrOperationPending),
		errors.Is(err, ranging.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, profile.ErrInvalidProfile),
		errors.Is(err, ranging.ErrInvalidParams),
		errors.Is(err, ranging.ErrInvalidChip),
		errors.Is(err, ranging.ErrInvalidAddress),
		errors.Is(err, ranging.ErrIncompleteSession),
		errors.Is(err, ranging.ErrNotConfigured),
		errors.Is(err, pacs.ErrWrongService),
		errors.Is(err, pacs.ErrMissingField),
		errors.Is(err, multichip.ErrEmptyChipID),
		errors.Is(err, ErrUnknownRole):
		return http.StatusBadRequest
	case errors.Is(err, ranging.ErrControllerStopped):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
