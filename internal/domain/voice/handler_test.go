package voice

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicdoc/voicedoc/internal/platform/auth"
	"github.com/clinicdoc/voicedoc/internal/platform/hipaa"
	"github.com/clinicdoc/voicedoc/internal/platform/note"
	"github.com/clinicdoc/voicedoc/internal/platform/transcript"
)

type caller struct {
	user, roles, clinic string
}

var (
	physician = caller{"dr-ana", "physician", "clinic-a"}
	colleague = caller{"dr-bia", "physician", "clinic-a"}
	admin     = caller{"admin-1", "admin", "clinic-z"}
	scribe    = caller{"scribe-1", "scribe", "clinic-a"}
)

func newTestServer(t *testing.T) (*echo.Echo, *testEnv) {
	t.Helper()
	env := newTestEnv(t, "", nil, nil)
	e := echo.New()
	e.Use(auth.DevAuthMiddleware("clinic-a"))
	h := NewHandler(env.mgr, hipaa.NewAccessLogger(env.repo, zerolog.Nop()), nil)
	h.RegisterRoutes(e.Group("/api/v1"))
	return e, env
}

func do(e *echo.Echo, who caller, method, path, contentType, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-User-ID", who.user)
	req.Header.Set("X-User-Roles", who.roles)
	req.Header.Set("X-Clinic-ID", who.clinic)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func startOverHTTP(t *testing.T, e *echo.Echo, who caller, encounter string) *Session {
	t.Helper()
	rec := do(e, who, http.MethodPost, "/api/v1/voice/sessions", echo.MIMEApplicationJSON,
		`{"encounter_ref":"`+encounter+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var s Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	return &s
}

func jsonChunk(text string, seq int) string {
	return `{"audio":"` + base64.StdEncoding.EncodeToString([]byte(text)) + `","sequence":` +
		strconv.Itoa(seq) + `,"duration_ms":1000}`
}

func TestHandler_DictationFlow(t *testing.T) {
	e, _ := newTestServer(t)
	s := startOverHTTP(t, e, physician, "enc-h1")
	assert.Equal(t, "dr-ana", s.UserID)
	assert.Equal(t, "clinic-a", s.ClinicID)
	base := "/api/v1/voice/sessions/" + s.ID.String()

	rec := do(e, physician, http.MethodPost, base+"/chunks", echo.MIMEApplicationJSON,
		jsonChunk("queixa principal: dor de cabeça há três dias", 1))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ack ChunkAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Len(t, ack.Commands, 2)
	assert.Equal(t, int64(1000), ack.DurationMillis)

	rec = do(e, physician, http.MethodPost, base+"/chunks", echo.MIMEOctetStream,
		"exame físico: sem alterações", HeaderChunkSequence, "2", HeaderChunkDuration, "500")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(e, physician, http.MethodGet, base+"/note", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(e, physician, http.MethodPost, base+"/stop", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res FinalizationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, StateClosed, res.State)
	assert.Equal(t, int64(1500), res.DurationMillis)
	assert.Equal(t, 4, res.CommandCount)

	rec = do(e, physician, http.MethodGet, base+"/note", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var n note.StructuredNote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &n))
	assert.Equal(t, "dor de cabeça há três dias", n.Text(transcript.SectionSubjective))
	assert.Equal(t, "sem alterações", n.Text(transcript.SectionObjective))

	rec = do(e, physician, http.MethodGet, base+"/note?format=text", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "## Subjetivo\ndor de cabeça há três dias\n")

	rec = do(e, physician, http.MethodGet, base+"/commands", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		State    State      `json:"state"`
		Commands []*Command `json:"commands"`
		Total    int        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Equal(t, StateClosed, listed.State)
	assert.Equal(t, 4, listed.Total)

	// Stop is idempotent over HTTP too.
	rec = do(e, physician, http.MethodPost, base+"/stop", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var again FinalizationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	assert.Equal(t, res, again)

	rec = do(e, physician, http.MethodPost, base+"/chunks", echo.MIMEOctetStream, "mais texto")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandler_Errors(t *testing.T) {
	e, _ := newTestServer(t)
	s := startOverHTTP(t, e, physician, "enc-h2")
	base := "/api/v1/voice/sessions/" + s.ID.String()

	tests := []struct {
		name   string
		who    caller
		method string
		path   string
		ctype  string
		body   string
		want   int
	}{
		{"second start conflicts", physician, http.MethodPost, "/api/v1/voice/sessions", echo.MIMEApplicationJSON,
			`{"encounter_ref":"enc-h2"}`, http.StatusConflict},
		{"missing encounter", physician, http.MethodPost, "/api/v1/voice/sessions", echo.MIMEApplicationJSON,
			`{}`, http.StatusBadRequest},
		{"role not allowed", scribe, http.MethodGet, base, "", "", http.StatusForbidden},
		{"other user", colleague, http.MethodGet, base, "", "", http.StatusForbidden},
		{"invalid id", physician, http.MethodGet, "/api/v1/voice/sessions/nope", "", "", http.StatusBadRequest},
		{"unknown id", physician, http.MethodGet, "/api/v1/voice/sessions/" + uuid.NewString(), "", "", http.StatusNotFound},
		{"bad base64", physician, http.MethodPost, base + "/chunks", echo.MIMEApplicationJSON,
			`{"audio":"%%%","sequence":1}`, http.StatusBadRequest},
		{"empty chunk", physician, http.MethodPost, base + "/chunks", echo.MIMEOctetStream, "", http.StatusBadRequest},
		{"audio export needs admin", physician, http.MethodGet, base + "/audio", "", "", http.StatusForbidden},
		{"audio of open session", admin, http.MethodGet, base + "/audio", "", "", http.StatusConflict},
		{"invalid state filter", physician, http.MethodGet, "/api/v1/voice/sessions?state=paused", "", "", http.StatusBadRequest},
		{"configuration update needs admin", physician, http.MethodPut, "/api/v1/voice/configuration",
			echo.MIMEApplicationJSON, `{"provider":"loopback"}`, http.StatusForbidden},
		{"unknown provider", admin, http.MethodPut, "/api/v1/voice/configuration",
			echo.MIMEApplicationJSON, `{"clinic_id":"clinic-a","provider":"nope"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, tt.who, tt.method, tt.path, tt.ctype, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestHandler_AdminSeesAnySession(t *testing.T) {
	e, _ := newTestServer(t)
	s := startOverHTTP(t, e, physician, "enc-h3")

	rec := do(e, admin, http.MethodGet, "/api/v1/voice/sessions/"+s.ID.String(), "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_ExportAudioIsLogged(t *testing.T) {
	e, env := newTestServer(t)
	s := startOverHTTP(t, e, physician, "enc-h4")
	base := "/api/v1/voice/sessions/" + s.ID.String()

	rec := do(e, physician, http.MethodPost, base+"/chunks", echo.MIMEOctetStream, "plano: hidratação oral")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(e, physician, http.MethodPost, base+"/stop", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, admin, http.MethodGet, base+"/audio", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "plano: hidratação oral", rec.Body.String())
	assert.Equal(t, echo.MIMEOctetStream, rec.Header().Get(echo.HeaderContentType))

	var actor string
	require.NoError(t, env.db.QueryRow(
		`SELECT actor FROM voice_audit_event WHERE session_id = ? AND kind = ?`,
		s.ID.String(), hipaa.AuditAudioExport).Scan(&actor))
	assert.Equal(t, "admin-1", actor)
}

func TestHandler_ListSessions(t *testing.T) {
	e, _ := newTestServer(t)
	startOverHTTP(t, e, physician, "enc-h5")
	startOverHTTP(t, e, physician, "enc-h6")
	startOverHTTP(t, e, colleague, "enc-h7")

	var page struct {
		Data    []*Session `json:"data"`
		Total   int        `json:"total"`
		HasMore bool       `json:"has_more"`
	}
	rec := do(e, physician, http.MethodGet, "/api/v1/voice/sessions?limit=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Data, 1)
	assert.True(t, page.HasMore)

	rec = do(e, admin, http.MethodGet, "/api/v1/voice/sessions", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 3, page.Total)

	rec = do(e, admin, http.MethodGet, "/api/v1/voice/sessions?user_id=dr-bia", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
}

func TestHandler_Configuration(t *testing.T) {
	e, _ := newTestServer(t)

	rec := do(e, physician, http.MethodGet, "/api/v1/voice/configuration", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg Configuration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, "clinic-a", cfg.ClinicID)
	assert.Equal(t, "loopback", cfg.Provider)
	assert.Equal(t, "pt-BR", cfg.Language)

	rec = do(e, admin, http.MethodPut, "/api/v1/voice/configuration", echo.MIMEApplicationJSON,
		`{"clinic_id":"clinic-a","provider":"loopback"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHandler_ExpiredSessionIsGone(t *testing.T) {
	e, env := newTestServer(t)
	s := startOverHTTP(t, e, physician, "enc-h-exp")
	base := "/api/v1/voice/sessions/" + s.ID.String()
	rec := do(e, physician, http.MethodPost, base+"/stop", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	env.mgr.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }

	rec = do(e, physician, http.MethodGet, base, "", "")
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.NotContains(t, rec.Body.String(), "enc-h-exp")

	rec = do(e, physician, http.MethodGet, "/api/v1/voice/sessions", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "enc-h-exp")
}

func TestHandler_DeleteSession(t *testing.T) {
	e, _ := newTestServer(t)
	s := startOverHTTP(t, e, physician, "enc-h-del")
	base := "/api/v1/voice/sessions/" + s.ID.String()

	rec := do(e, physician, http.MethodDelete, base, "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(e, physician, http.MethodPost, base+"/stop", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(e, colleague, http.MethodDelete, base, "", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(e, physician, http.MethodDelete, base, "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = do(e, physician, http.MethodGet, base, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(e, physician, http.MethodDelete, base, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
