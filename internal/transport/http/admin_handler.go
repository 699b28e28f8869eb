package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"mind-matrix/internal/admin"
	"mind-matrix/internal/domain"
)

// AdminHandler exposes the host-side control surface over plain HTTP.
type AdminHandler struct {
	controller *admin.Controller
}

func NewAdminHandler(controller *admin.Controller) *AdminHandler {
	return &AdminHandler{controller: controller}
}

// Register mounts the admin routes on the mux.
func (h *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/events", h.createEvent)
	mux.HandleFunc("POST /admin/events/{id}/start", h.startEvent)
	mux.HandleFunc("POST /admin/events/{id}/reveal", h.revealQuestion)
	mux.HandleFunc("POST /admin/events/{id}/review", h.showReview)
	mux.HandleFunc("POST /admin/events/{id}/countdown", h.startCountdown)
	mux.HandleFunc("POST /admin/events/{id}/end", h.endEvent)
	mux.HandleFunc("DELETE /admin/events/{id}", h.purgeEvent)
	mux.HandleFunc("GET /admin/events/{id}/leaderboard", h.leaderboard)
	mux.HandleFunc("GET /admin/events/{id}/questions/{questionId}/stats", h.questionStats)
	mux.HandleFunc("GET /admin/events/{id}/results.csv", h.exportResults)
}

func (h *AdminHandler) createEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name               string `json:"name"`
		Topic              string `json:"topic"`
		Difficulty         string `json:"difficulty"`
		QuestionCount      int    `json:"question_count"`
		TimePerQuestionSec int    `json:"time_per_question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	event, err := h.controller.CreateEvent(r.Context(), admin.CreateEventParams{
		Name:               body.Name,
		Topic:              body.Topic,
		Difficulty:         body.Difficulty,
		QuestionCount:      body.QuestionCount,
		TimePerQuestionSec: body.TimePerQuestionSec,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (h *AdminHandler) startEvent(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.StartEvent(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) revealQuestion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Index int `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.controller.RevealQuestion(r.Context(), r.PathValue("id"), body.Index); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) showReview(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.ShowReview(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) startCountdown(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Seconds int `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.controller.StartCountdown(r.Context(), r.PathValue("id"), body.Seconds); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) endEvent(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.EndEvent(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) purgeEvent(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.PurgeEvent(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.controller.Leaderboard(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": entries})
}

func (h *AdminHandler) questionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.controller.Stats(r.Context(), r.PathValue("id"), r.PathValue("questionId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) exportResults(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="results.csv"`)
	if err := h.controller.ExportResultsCSV(r.Context(), r.PathValue("id"), w); err != nil {
		// Headers may already be out; log and cut the stream.
		log.Printf("export results for %s: %v", r.PathValue("id"), err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrEventNotFound), errors.Is(err, domain.ErrQuestionNotFound),
		errors.Is(err, domain.ErrParticipantNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrEventFinished):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrDuplicateJoin), errors.Is(err, domain.ErrDuplicateAnswer):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
