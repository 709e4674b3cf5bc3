package terminology

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *echo.Echo) {
	h := NewHandler(newTestService())
	e := echo.New()
	return h, e
}

// =========== ListTerms Handler Tests ===========

func TestHandler_ListTerms_Success(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/voice/medical-terms?category=symptom", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListTerms(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Terms []*MedicalTerm `json:"terms"`
		Total int            `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total == 0 || body.Total != len(body.Terms) {
		t.Errorf("unexpected listing: total=%d terms=%d", body.Total, len(body.Terms))
	}
}

func TestHandler_ListTerms_EmptyIsArray(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/voice/medical-terms?search=nada-disso", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListTerms(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]json.RawMessage
	json.Unmarshal(rec.Body.Bytes(), &body)
	if string(body["terms"]) != "[]" {
		t.Errorf("expected empty array, got %s", body["terms"])
	}
}

func TestHandler_ListTerms_InvalidCategory(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/voice/medical-terms?category=gene", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.ListTerms(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

// =========== SearchCodes Handler Tests ===========

func TestHandler_SearchCodes_Success(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/voice/codes?q=febre&limit=2", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.SearchCodes(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var results []ScoredCode
	json.Unmarshal(rec.Body.Bytes(), &results)
	if len(results) == 0 || results[0].Code != "R50.9" {
		t.Errorf("expected R50.9 first, got %+v", results)
	}
	if len(results) > 2 {
		t.Errorf("expected limit 2, got %d", len(results))
	}
}

func TestHandler_SearchCodes_MissingQuery(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/voice/codes", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.SearchCodes(c); err == nil {
		t.Error("expected error for missing query parameter")
	}
}
