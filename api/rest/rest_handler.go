package rest

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/zlnvch/inkroom/service"
)

type Handler struct {
	Service *service.Service
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{Service: svc}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /boards/{id}/state", h.HandleBoardState)
	mux.HandleFunc("GET /boards/{id}/snapshot", h.HandleSnapshot)
	mux.HandleFunc("POST /boards/{id}/compact", h.HandleCompact)
}

// Health check endpoint (no auth required)
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// HandleBoardState serves the same snapshot + log a websocket join returns,
// for clients that only need to render.
func (h *Handler) HandleBoardState(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Service.AuthenticateToken(h.getTokenFromAuthHeader(r)); err != nil {
		h.sendError(w, err)
		return
	}

	state, err := h.Service.LoadRoom(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendResponse(w, state.HistoryData())
}

// HandleSnapshot serves the base raster to any logged in identity. Image
// elements cannot send headers, so the token may also come as access_token.
func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	token := h.getTokenFromAuthHeader(r)
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if _, err := h.Service.AuthenticateToken(token); err != nil {
		h.sendError(w, err)
		return
	}

	ref, data, err := h.Service.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, err)
		return
	}

	// Refs are content addressed, so the ref is a strong validator.
	etag := strconv.Quote(ref)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, max-age=0, must-revalidate")
	if match := r.Header.Get("If-None-Match"); match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

type compactResponse struct {
	Compacted   bool   `json:"compacted"`
	SnapshotUrl string `json:"snapshotUrl"`
	Epoch       int64  `json:"epoch"`
	Folded      int    `json:"folded"`
	Skipped     int    `json:"skipped"`
}

func (h *Handler) HandleCompact(w http.ResponseWriter, r *http.Request) {
	identity, err := h.Service.AuthenticateToken(h.getTokenFromAuthHeader(r))
	if err != nil {
		h.sendError(w, err)
		return
	}

	roomId := r.PathValue("id")
	result, err := h.Service.RequestCompaction(r.Context(), identity, roomId)
	if err != nil {
		h.sendError(w, err)
		return
	}

	h.sendResponse(w, compactResponse{
		Compacted:   result.Compacted,
		SnapshotUrl: service.SnapshotUrl(roomId, result.SnapshotRef),
		Epoch:       result.Epoch,
		Folded:      result.Folded,
		Skipped:     result.Skipped,
	})
}

func (h *Handler) sendResponse(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func statusOf(code service.ErrorCode) int {
	switch code {
	case service.CodeAuthentication:
		return http.StatusUnauthorized
	case service.CodeAuthorization:
		return http.StatusForbidden
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeValidation:
		return http.StatusBadRequest
	case service.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) sendError(w http.ResponseWriter, err error) {
	code := service.CodeOf(err)
	if code == service.CodeInternal {
		log.Printf("REST request failed: %v", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(code))
	json.NewEncoder(w).Encode(service.ErrorData{Code: code, Message: service.PublicMessage(err)})
}

func (h *Handler) getTokenFromAuthHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimPrefix(authHeader, prefix)
}
