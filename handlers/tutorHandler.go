package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"

	"microtutor/db"
	"microtutor/models"
	"microtutor/services/tutor"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/samber/lo"
)

const retryMessage = "The tutor couldn't process that message. Please try again."

type TutorService interface {
	StartCase(ctx context.Context, organism, caseID, modelName string) (*models.TutorContext, *models.TutorResponse, error)
	ProcessMessage(ctx context.Context, message string, tc *models.TutorContext, opts tutor.ProcessOptions) (*models.TutorResponse, error)
	ResetCase(ctx context.Context, tc *models.TutorContext) (*models.TutorResponse, error)
}

// TutorHandler owns the session store and allows one in-flight request per
// case id.
type TutorHandler struct {
	service  TutorService
	sessions db.SessionStore
	logs     db.ConversationLogRepository

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewTutorHandler builds the handler. logs may be nil.
func NewTutorHandler(service TutorService, sessions db.SessionStore, logs db.ConversationLogRepository) *TutorHandler {
	return &TutorHandler{
		service:  service,
		sessions: sessions,
		logs:     logs,
		inFlight: make(map[string]struct{}),
	}
}

func (h *TutorHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tutor/phases", h.ListPhases).Methods("GET")
	router.HandleFunc("/tutor/cases", h.StartCase).Methods("POST")
	router.HandleFunc("/tutor/cases/{caseID}", h.GetCase).Methods("GET")
	router.HandleFunc("/tutor/cases/{caseID}", h.EndCase).Methods("DELETE")
	router.HandleFunc("/tutor/cases/{caseID}/messages", h.SendMessage).Methods("POST")
	router.HandleFunc("/tutor/cases/{caseID}/reset", h.ResetCase).Methods("POST")
	router.HandleFunc("/tutor/cases/{caseID}/log", h.GetConversationLog).Methods("GET")
}

func (h *TutorHandler) StartCase(w http.ResponseWriter, r *http.Request) {
	log.Printf("[INFO] Received start case request")

	var req models.StartCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("[ERROR] Failed to decode start case request JSON: %v", err)
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	caseID := strings.TrimSpace(req.CaseID)
	if caseID == "" {
		caseID = uuid.NewString()
	}

	if !h.acquire(caseID) {
		writeErrorResponse(w, http.StatusConflict, "A request for this case is already in progress")
		return
	}
	defer h.release(caseID)

	if _, err := h.sessions.Get(r.Context(), caseID); err == nil {
		log.Printf("[WARN] Rejected start for existing case %s", caseID)
		writeErrorResponse(w, http.StatusConflict, "A case with this id already exists")
		return
	} else if !errors.Is(err, db.ErrSessionNotFound) {
		log.Printf("[ERROR] Failed to check session %s: %v", caseID, err)
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to load session")
		return
	}

	tc, resp, err := h.service.StartCase(r.Context(), req.Organism, caseID, req.ModelName)
	if err != nil {
		log.Printf("[ERROR] Failed to start case %s: %v", caseID, err)
		writeServiceError(w, err)
		return
	}

	if err := h.sessions.Put(r.Context(), tc); err != nil {
		log.Printf("[ERROR] Failed to save session %s: %v", caseID, err)
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to save session")
		return
	}

	log.Printf("[INFO] Case %s started for %s", caseID, tc.Organism)
	writeJSONResponse(w, http.StatusCreated, turnResponse(tc, resp))
}

func (h *TutorHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	caseID := mux.Vars(r)["caseID"]
	log.Printf("[INFO] Received message for case %s", caseID)

	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("[ERROR] Failed to decode chat request JSON: %v", err)
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	if !h.acquire(caseID) {
		writeErrorResponse(w, http.StatusConflict, "A request for this case is already in progress")
		return
	}
	defer h.release(caseID)

	tc, ok := h.loadSession(w, r, caseID)
	if !ok {
		return
	}

	resp, err := h.service.ProcessMessage(r.Context(), req.Message, tc, tutor.ProcessOptions{
		FeedbackEnabled:   req.FeedbackEnabled,
		FeedbackThreshold: req.FeedbackThreshold,
	})
	if err != nil {
		log.Printf("[ERROR] Failed to process message for case %s: %v", caseID, err)
		writeServiceError(w, err)
		return
	}

	if err := h.sessions.Put(r.Context(), tc); err != nil {
		log.Printf("[ERROR] Failed to save session %s: %v", caseID, err)
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to save session")
		return
	}

	h.logTurn(r.Context(), tc, req.Message, resp)
	writeJSONResponse(w, http.StatusOK, turnResponse(tc, resp))
}

func (h *TutorHandler) ResetCase(w http.ResponseWriter, r *http.Request) {
	caseID := mux.Vars(r)["caseID"]
	log.Printf("[INFO] Received reset request for case %s", caseID)

	if !h.acquire(caseID) {
		writeErrorResponse(w, http.StatusConflict, "A request for this case is already in progress")
		return
	}
	defer h.release(caseID)

	tc, ok := h.loadSession(w, r, caseID)
	if !ok {
		return
	}

	resp, err := h.service.ResetCase(r.Context(), tc)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.sessions.Put(r.Context(), tc); err != nil {
		log.Printf("[ERROR] Failed to save session %s: %v", caseID, err)
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to save session")
		return
	}

	writeJSONResponse(w, http.StatusOK, turnResponse(tc, resp))
}

// GetCase returns the transcript and phase. The case text stays hidden.
func (h *TutorHandler) GetCase(w http.ResponseWriter, r *http.Request) {
	caseID := mux.Vars(r)["caseID"]

	tc, ok := h.loadSession(w, r, caseID)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, turnResponse(tc, nil))
}

func (h *TutorHandler) EndCase(w http.ResponseWriter, r *http.Request) {
	caseID := mux.Vars(r)["caseID"]
	log.Printf("[INFO] Ending case %s", caseID)

	if !h.acquire(caseID) {
		writeErrorResponse(w, http.StatusConflict, "A request for this case is already in progress")
		return
	}
	defer h.release(caseID)

	if err := h.sessions.Delete(r.Context(), caseID); err != nil {
		if errors.Is(err, db.ErrSessionNotFound) {
			writeErrorResponse(w, http.StatusNotFound, "Case not found")
			return
		}
		log.Printf("[ERROR] Failed to delete session %s: %v", caseID, err)
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to end case")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetConversationLog returns every logged turn of a case, including turns
// from before a reset.
func (h *TutorHandler) GetConversationLog(w http.ResponseWriter, r *http.Request) {
	caseID := mux.Vars(r)["caseID"]

	if h.logs == nil {
		writeErrorResponse(w, http.StatusNotFound, "Conversation logging is disabled")
		return
	}

	entries, err := h.logs.ListByCase(r.Context(), caseID)
	if err != nil {
		log.Printf("[ERROR] Failed to list conversation log for case %s: %v", caseID, err)
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to load conversation log")
		return
	}
	if entries == nil {
		entries = []*models.ConversationLogEntry{}
	}
	writeJSONResponse(w, http.StatusOK, entries)
}

func (h *TutorHandler) ListPhases(w http.ResponseWriter, r *http.Request) {
	phases := lo.Map(models.Phases, func(p models.Phase, _ int) models.PhaseInfo {
		return models.PhaseInfo{Value: p, DisplayName: p.DisplayName()}
	})
	writeJSONResponse(w, http.StatusOK, phases)
}

func (h *TutorHandler) loadSession(w http.ResponseWriter, r *http.Request, caseID string) (*models.TutorContext, bool) {
	tc, err := h.sessions.Get(r.Context(), caseID)
	if err != nil {
		if errors.Is(err, db.ErrSessionNotFound) {
			writeErrorResponse(w, http.StatusNotFound, "Case not found")
			return nil, false
		}
		log.Printf("[ERROR] Failed to load session %s: %v", caseID, err)
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to load session")
		return nil, false
	}
	return tc, true
}

func (h *TutorHandler) acquire(caseID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, busy := h.inFlight[caseID]; busy {
		log.Printf("[WARN] Rejected concurrent request for case %s", caseID)
		return false
	}
	h.inFlight[caseID] = struct{}{}
	return true
}

func (h *TutorHandler) release(caseID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.inFlight, caseID)
}

func (h *TutorHandler) logTurn(ctx context.Context, tc *models.TutorContext, message string, resp *models.TutorResponse) {
	if h.logs == nil {
		return
	}
	entries := []models.ConversationLogEntry{
		{CaseID: tc.CaseID, Organism: tc.Organism, Phase: tc.CurrentState, Role: models.RoleUser, Content: message, ToolsUsed: []string{}},
		{CaseID: tc.CaseID, Organism: tc.Organism, Phase: tc.CurrentState, Role: models.RoleAssistant, Content: resp.Content, ToolsUsed: resp.ToolsUsed},
	}
	if err := h.logs.AppendEntries(ctx, entries); err != nil {
		log.Printf("[WARN] Failed to write conversation log for case %s: %v", tc.CaseID, err)
	}
}

func turnResponse(tc *models.TutorContext, resp *models.TutorResponse) models.TutorTurnResponse {
	return models.TutorTurnResponse{
		CaseID:   tc.CaseID,
		Phase:    tc.CurrentState,
		Response: resp,
		History:  tc.ConversationHistory,
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tutor.ErrInvalidInput):
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tutor.ErrCaseUnavailable):
		writeErrorResponse(w, http.StatusUnprocessableEntity, "No case could be loaded for this organism")
	case errors.Is(err, tutor.ErrEmptyResponse):
		writeErrorResponse(w, http.StatusBadGateway, retryMessage)
	default:
		writeErrorResponse(w, http.StatusInternalServerError, retryMessage)
	}
}

func writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
