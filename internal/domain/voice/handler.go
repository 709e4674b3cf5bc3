package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicdoc/voicedoc/internal/platform/auth"
	"github.com/clinicdoc/voicedoc/internal/platform/hipaa"
	"github.com/clinicdoc/voicedoc/internal/platform/websocket"
	"github.com/clinicdoc/voicedoc/pkg/pagination"
)

// Chunk metadata headers for raw audio uploads.
const (
	HeaderChunkSequence = "X-Chunk-Sequence"
	HeaderChunkDuration = "X-Chunk-Duration-Ms"
)

// LiveServer attaches a WebSocket listener to a topic. *websocket.Hub
// satisfies it.
type LiveServer interface {
	Serve(c echo.Context, topic string) error
}

// Handler provides the voice session REST endpoints.
type Handler struct {
	mgr    *Manager
	access *hipaa.AccessLogger
	live   LiveServer
}

// NewHandler creates a voice handler. live may be nil, which disables the
// live feed route.
func NewHandler(mgr *Manager, access *hipaa.AccessLogger, live LiveServer) *Handler {
	return &Handler{mgr: mgr, access: access, live: live}
}

// RegisterRoutes registers voice routes on the API group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/voice", auth.RequireRole("admin", "physician", "nurse"))
	g.POST("/sessions", h.StartSession)
	g.GET("/sessions", h.ListSessions)
	g.GET("/sessions/:id", h.GetSession)
	g.POST("/sessions/:id/chunks", h.SubmitChunk)
	g.POST("/sessions/:id/stop", h.StopSession)
	g.DELETE("/sessions/:id", h.DeleteSession)
	g.GET("/sessions/:id/commands", h.ListCommands)
	g.GET("/sessions/:id/note", h.GetNote)
	g.GET("/sessions/:id/audio", h.ExportAudio, auth.RequireRole("admin"))
	if h.live != nil {
		g.GET("/sessions/:id/live", h.Live)
	}
	g.GET("/configuration", h.GetConfiguration)
	g.PUT("/configuration", h.UpdateConfiguration, auth.RequireRole("admin"))
}

func httpError(err error) error {
	return echo.NewHTTPError(HTTPStatus(err), err.Error())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	return id, nil
}

// session loads the session named in the path and checks that the caller
// may see it: the owner, or an admin of any clinic.
func (h *Handler) session(c echo.Context) (*Session, error) {
	id, err := parseID(c)
	if err != nil {
		return nil, err
	}
	ctx := c.Request().Context()
	s, err := h.mgr.Session(ctx, id)
	if err != nil {
		return nil, httpError(err)
	}
	if err := authorize(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func authorize(ctx context.Context, s *Session) error {
	if auth.HasRole(ctx, "admin") {
		return nil
	}
	if s.UserID != auth.UserIDFromContext(ctx) || s.ClinicID != auth.ClinicFromContext(ctx) {
		return httpError(ErrForbidden)
	}
	return nil
}

type startRequest struct {
	EncounterRef string `json:"encounter_ref"`
	Language     string `json:"language"`
}

// StartSession handles POST /api/v1/voice/sessions.
func (h *Handler) StartSession(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	s, err := h.mgr.Start(ctx, StartParams{
		UserID:       auth.UserIDFromContext(ctx),
		ClinicID:     auth.ClinicFromContext(ctx),
		EncounterRef: req.EncounterRef,
		Language:     req.Language,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, s)
}

// ListSessions handles GET /api/v1/voice/sessions. Callers see their own
// sessions; admins may pass ?user_id= or see everything.
func (h *Handler) ListSessions(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)
	f := ListFilter{
		UserID:       auth.UserIDFromContext(ctx),
		EncounterRef: c.QueryParam("encounter_ref"),
		State:        State(c.QueryParam("state")),
		Limit:        pg.Limit,
		Offset:       pg.Offset,
	}
	if auth.HasRole(ctx, "admin") {
		f.UserID = c.QueryParam("user_id")
	}
	if f.State != "" && !f.State.Open() && !f.State.Terminal() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid state filter")
	}
	sessions, total, err := h.mgr.List(ctx, f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(sessions, total, pg))
}

// GetSession handles GET /api/v1/voice/sessions/:id.
func (h *Handler) GetSession(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s)
}

type chunkRequest struct {
	Audio      string `json:"audio"`
	Sequence   int64  `json:"sequence"`
	DurationMs int64  `json:"duration_ms"`
}

// SubmitChunk handles POST /api/v1/voice/sessions/:id/chunks. The body is
// either raw audio (sequence and duration in headers) or JSON with base64
// audio.
func (h *Handler) SubmitChunk(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	in, err := readChunk(c)
	if err != nil {
		return err
	}
	ack, err := h.mgr.Submit(c.Request().Context(), s.ID, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ack)
}

func readChunk(c echo.Context) (ChunkInput, error) {
	req := c.Request()
	if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		var body chunkRequest
		if err := c.Bind(&body); err != nil {
			return ChunkInput{}, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		data, err := base64.StdEncoding.DecodeString(body.Audio)
		if err != nil {
			return ChunkInput{}, echo.NewHTTPError(http.StatusBadRequest, "audio must be base64")
		}
		return ChunkInput{
			Data:     data,
			Sequence: body.Sequence,
			Duration: time.Duration(body.DurationMs) * time.Millisecond,
		}, nil
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return ChunkInput{}, he
		}
		return ChunkInput{}, echo.NewHTTPError(http.StatusBadRequest, "could not read audio")
	}
	in := ChunkInput{Data: data}
	if v := req.Header.Get(HeaderChunkSequence); v != "" {
		if in.Sequence, err = strconv.ParseInt(v, 10, 64); err != nil || in.Sequence < 0 {
			return ChunkInput{}, echo.NewHTTPError(http.StatusBadRequest, "invalid "+HeaderChunkSequence)
		}
	}
	if v := req.Header.Get(HeaderChunkDuration); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			return ChunkInput{}, echo.NewHTTPError(http.StatusBadRequest, "invalid "+HeaderChunkDuration)
		}
		in.Duration = time.Duration(ms) * time.Millisecond
	}
	return in, nil
}

// StopSession handles POST /api/v1/voice/sessions/:id/stop.
func (h *Handler) StopSession(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	res, err := h.mgr.Stop(c.Request().Context(), s.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// DeleteSession handles DELETE /api/v1/voice/sessions/:id. Only terminal
// sessions can be deleted; the owner or an admin may delete one, also after
// its retention window ended.
func (h *Handler) DeleteSession(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	s, err := h.mgr.lookup(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if err := authorize(ctx, s); err != nil {
		return err
	}
	ev := &hipaa.PHIAccessEvent{
		AccessedBy: auth.UserIDFromContext(ctx),
		Roles:      auth.RolesFromContext(ctx),
		IPAddress:  c.RealIP(),
		UserAgent:  c.Request().UserAgent(),
	}
	if err := h.mgr.Delete(ctx, s.ID, ev); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListCommands handles GET /api/v1/voice/sessions/:id/commands.
func (h *Handler) ListCommands(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	cmds, err := h.mgr.Commands(c.Request().Context(), s.ID)
	if err != nil {
		return httpError(err)
	}
	if cmds == nil {
		cmds = []*Command{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id": s.ID,
		"state":      s.State,
		"degraded":   s.Degraded,
		"commands":   cmds,
		"total":      len(cmds),
	})
}

// GetNote handles GET /api/v1/voice/sessions/:id/note. ?format=text returns
// the rendered note.
func (h *Handler) GetNote(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	n, err := h.mgr.Note(c.Request().Context(), s.ID)
	if err != nil {
		return httpError(err)
	}
	if c.QueryParam("format") == "text" {
		return c.String(http.StatusOK, n.Render())
	}
	return c.JSON(http.StatusOK, n)
}

// ExportAudio handles GET /api/v1/voice/sessions/:id/audio. The access is
// recorded before any audio is released.
func (h *Handler) ExportAudio(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	audio, err := h.mgr.Audio(ctx, s.ID)
	if err != nil {
		return httpError(err)
	}
	ev := &hipaa.PHIAccessEvent{
		SessionID:  s.ID,
		AccessedBy: auth.UserIDFromContext(ctx),
		Roles:      auth.RolesFromContext(ctx),
		Action:     hipaa.AuditAudioExport,
		IPAddress:  c.RealIP(),
		UserAgent:  c.Request().UserAgent(),
	}
	if err := h.access.LogPHIAccess(ctx, ev); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not record access")
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+s.ID.String()+`.audio"`)
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, audio)
}

// Live handles GET /api/v1/voice/sessions/:id/live.
func (h *Handler) Live(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	if s.State.Terminal() {
		return httpError(ErrSessionNotAccepting)
	}
	return h.live.Serve(c, websocket.SessionTopic(s.ID.String()))
}

// GetConfiguration handles GET /api/v1/voice/configuration.
func (h *Handler) GetConfiguration(c echo.Context) error {
	clinic := auth.ClinicFromContext(c.Request().Context())
	if q := c.QueryParam("clinic_id"); q != "" && auth.HasRole(c.Request().Context(), "admin") {
		clinic = q
	}
	return c.JSON(http.StatusOK, h.mgr.Configuration(clinic))
}

type configurationRequest struct {
	ClinicID string `json:"clinic_id"`
	Provider string `json:"provider"`
}

// UpdateConfiguration handles PUT /api/v1/voice/configuration.
func (h *Handler) UpdateConfiguration(c echo.Context) error {
	var req configurationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Provider == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "provider is required")
	}
	if req.ClinicID == "" {
		req.ClinicID = auth.ClinicFromContext(c.Request().Context())
	}
	if err := h.mgr.SetProvider(req.ClinicID, req.Provider); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.mgr.Configuration(req.ClinicID))
}
