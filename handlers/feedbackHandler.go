package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"microtutor/models"
	"microtutor/services/feedback"

	"github.com/gorilla/mux"
)

type RatingSubmitter interface {
	SubmitRating(ctx context.Context, req models.SubmitRatingRequest) (*models.FeedbackRating, error)
}

type FeedbackHandler struct {
	service RatingSubmitter
}

func NewFeedbackHandler(service RatingSubmitter) *FeedbackHandler {
	return &FeedbackHandler{service: service}
}

func (h *FeedbackHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/feedback/ratings", h.SubmitRating).Methods("POST")
}

func (h *FeedbackHandler) SubmitRating(w http.ResponseWriter, r *http.Request) {
	log.Printf("[INFO] Received rating submission")

	var req models.SubmitRatingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("[ERROR] Failed to decode rating JSON: %v", err)
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	rating, err := h.service.SubmitRating(r.Context(), req)
	if err != nil {
		if errors.Is(err, feedback.ErrInvalidRating) {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[ERROR] Failed to submit rating: %v", err)
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to store rating")
		return
	}

	writeJSONResponse(w, http.StatusCreated, rating)
}
