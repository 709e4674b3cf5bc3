package terminology

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/clinicdoc/voicedoc/internal/platform/auth"
)

// Handler provides REST endpoints for vocabulary and code lookup.
type Handler struct {
	svc *Service
}

// NewHandler creates a new terminology handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers terminology routes on the API group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/voice", auth.RequireRole("admin", "physician", "nurse"))
	g.GET("/medical-terms", h.ListTerms)
	g.GET("/codes", h.SearchCodes)
}

func getLimit(c echo.Context) int {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return limit
}

// ListTerms handles GET /api/v1/voice/medical-terms?category=&search=
func (h *Handler) ListTerms(c echo.Context) error {
	filter := TermFilter{
		Category: c.QueryParam("category"),
		Search:   c.QueryParam("search"),
		Language: c.QueryParam("language"),
	}
	terms, err := h.svc.ListTerms(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if terms == nil {
		terms = []*MedicalTerm{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"terms": terms,
		"total": len(terms),
	})
}

// SearchCodes handles GET /api/v1/voice/codes?q=
func (h *Handler) SearchCodes(c echo.Context) error {
	query := c.QueryParam("q")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter 'q' is required")
	}
	results, err := h.svc.SearchCodes(c.Request().Context(), query, getLimit(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	if results == nil {
		results = []ScoredCode{}
	}
	return c.JSON(http.StatusOK, results)
}
