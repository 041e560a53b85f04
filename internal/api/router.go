package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/lioratech/bloom/internal/middleware"
	"github.com/lioratech/bloom/internal/services"
)

// Router maps the HTTP surface onto the session machines and the clinician
// services. Sessions are the only transport-level state: every route is
// addressed by session id.
type Router struct {
	questionnaires *services.QuestionnaireService
	chats          *services.ChatService
	subjects       *services.SubjectService
	bank           *services.QuestionBank
	auth           *services.AuthService
	overview       *services.OverviewService
	authmw         *middleware.Auth
}

func NewRouter(
	questionnaires *services.QuestionnaireService,
	chats *services.ChatService,
	subjects *services.SubjectService,
	bank *services.QuestionBank,
	auth *services.AuthService,
	overview *services.OverviewService,
	authmw *middleware.Auth,
) *Router {
	return &Router{
		questionnaires: questionnaires,
		chats:          chats,
		subjects:       subjects,
		bank:           bank,
		auth:           auth,
		overview:       overview,
		authmw:         authmw,
	}
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/sessions", rt.handleSessions)              // POST
	mux.HandleFunc("/sessions/", rt.handleSessionScoped)        // {id}/answers|finalize|result|turns
	mux.HandleFunc("/auth/register", rt.handleRegister)         // POST
	mux.HandleFunc("/auth/login", rt.handleLogin)               // POST
	mux.Handle("/overview", rt.authmw.WithAuth(rt.authmw.RequireAuth(http.HandlerFunc(rt.handleOverview))))
}

// handleSessionScoped dispatches /sessions/{id}/{action}.
func (rt *Router) handleSessionScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id, action := parts[0], parts[1]
	switch {
	case action == "answers" && r.Method == http.MethodPost:
		rt.handleSubmitAnswer(w, r, id)
	case action == "finalize" && r.Method == http.MethodPost:
		rt.handleFinalize(w, r, id)
	case action == "result" && r.Method == http.MethodGet:
		rt.handleResult(w, r, id)
	case action == "turns" && r.Method == http.MethodPost:
		rt.handleRespond(w, r, id)
	case action == "turns" && r.Method == http.MethodGet:
		rt.handleTurns(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
// Validation and state errors surface synchronously; anything unexpected is
// a 500.
func writeServiceError(w http.ResponseWriter, err error) {
	se, ok := services.AsServiceError(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	status := http.StatusInternalServerError
	switch se.Code {
	case services.ErrorInvalid:
		status = http.StatusBadRequest
	case services.ErrorInvalidState, services.ErrorConflict:
		status = http.StatusConflict
	case services.ErrorNotFound:
		status = http.StatusNotFound
	case services.ErrorUnauthorized:
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, map[string]string{"error": se.Message, "code": string(se.Code)})
}
