package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/vidscope/vidscope/internal/api/response"
	"github.com/vidscope/vidscope/internal/apperrors"
	"github.com/vidscope/vidscope/internal/models"
	"github.com/vidscope/vidscope/internal/service"
)

// SearchService defines the interface for semantic moment search.
type SearchService interface {
	Search(ctx context.Context, params service.SearchParams) ([]models.SearchResult, error)
}

// SearchHandler handles HTTP requests for semantic search.
type SearchHandler struct {
	service SearchService
}

// NewSearchHandler creates a new search handler.
func NewSearchHandler(service SearchService) *SearchHandler {
	return &SearchHandler{service: service}
}

// SearchRequest is the body for POST /v1/search.
type SearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
	// VideoID scopes the search to a single video when set.
	VideoID *uuid.UUID `json:"video_id,omitempty"`
	// MinScore overrides the default relevance threshold when set.
	MinScore *float64 `json:"min_score,omitempty"`
}

// SearchResultItem is one ranked moment in a search response.
type SearchResultItem struct {
	VideoID       uuid.UUID `json:"video_id"`
	Timestamp     float64   `json:"timestamp"`
	FormattedTime string    `json:"formatted_time"`
	Score         float64   `json:"score"`
	Rank          int       `json:"rank"`
}

// SearchResponse is the response for POST /v1/search.
type SearchResponse struct {
	Query   string             `json:"query"`
	Results []SearchResultItem `json:"results"`
}

// Search handles POST /v1/search
// @Summary Search video moments by natural language
// @Description Embeds the query and returns the top-K most similar indexed frames as ranked, playable moments. Near-identical moments within the same video are collapsed.
// @Tags Search
// @Accept json
// @Produce json
// @Param request body SearchRequest true "Search query"
// @Success 200 {object} SearchResponse
// @Failure 400 {object} ProblemDetails "Empty query or invalid top_k"
// @Failure 404 {object} ProblemDetails "Scoped video not found"
// @Failure 409 {object} ProblemDetails "Scoped video is not searchable yet"
// @Failure 503 {object} ProblemDetails "Embedding backend unavailable"
// @Router /v1/search [post]
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&req); err != nil {
		response.RespondBadRequest(w, "Invalid request body")
		return
	}

	results, err := h.service.Search(r.Context(), service.SearchParams{
		Query:    req.Query,
		TopK:     req.TopK,
		VideoID:  req.VideoID,
		MinScore: req.MinScore,
	})
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrValidation) || errors.Is(err, apperrors.ErrInvalidInput):
			response.RespondBadRequest(w, err.Error())
		case errors.Is(err, apperrors.ErrNotFound):
			response.RespondNotFound(w, "Video not found")
		case errors.Is(err, apperrors.ErrVideoNotSearchable):
			response.RespondConflict(w, err.Error())
		case errors.Is(err, apperrors.ErrEmbeddingUnavailable):
			response.RespondServiceUnavailable(w, "Embedding backend unavailable, try again later")
		default:
			response.RespondInternalServerError(w, "Search failed")
		}
		return
	}

	response.RespondJSON(w, http.StatusOK, SearchResponse{
		Query:   req.Query,
		Results: toSearchResultItems(results),
	})
}

func toSearchResultItems(results []models.SearchResult) []SearchResultItem {
	items := make([]SearchResultItem, len(results))
	for i, res := range results {
		items[i] = SearchResultItem{
			VideoID:       res.VideoID,
			Timestamp:     res.Timestamp,
			FormattedTime: res.FormattedTime(),
			Score:         res.Score,
			Rank:          res.Rank,
		}
	}

	return items
}
