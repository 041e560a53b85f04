package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/lioratech/bloom/internal/models"
	"github.com/lioratech/bloom/internal/services"
)

// maxAudioUpload caps one audio answer at 16 MiB.
const maxAudioUpload = 16 << 20

type createSessionRequest struct {
	Kind    models.SessionKind `json:"kind"`
	Subject struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	} `json:"subject"`
	Questions []struct {
		Text     string          `json:"text"`
		Modality models.Modality `json:"modality"`
	} `json:"questions"`
}

// POST /sessions
func (rt *Router) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeServiceError(w, services.NewInvalidError("invalid JSON body: "+err.Error()))
		return
	}

	subject, err := rt.subjects.FindOrCreate(req.Subject.Name, req.Subject.Age)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	switch req.Kind {
	case models.KindQuestionnaire:
		questions := make([]models.Question, 0, len(req.Questions))
		for i, q := range req.Questions {
			questions = append(questions, models.Question{Index: i, Text: q.Text, Modality: q.Modality})
		}
		if len(questions) == 0 {
			questions = rt.bank.Questions(r.Context(), subject.Age)
		}
		sess, err := rt.questionnaires.Start(*subject, questions)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": sess.ID,
			"kind":       sess.Kind,
			"questions":  questions,
		})
	case models.KindChat:
		sess, opening, err := rt.chats.Start(subject.ID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": sess.ID,
			"kind":       sess.Kind,
			"message":    opening,
		})
	default:
		writeServiceError(w, services.NewInvalidError("kind must be questionnaire or chat"))
	}
}

// POST /sessions/{id}/answers — JSON for text answers, multipart for audio.
func (rt *Router) handleSubmitAnswer(w http.ResponseWriter, r *http.Request, id string) {
	var (
		resp  models.Response
		audio []byte
	)
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxAudioUpload); err != nil {
			writeServiceError(w, services.NewInvalidError("invalid multipart body: "+err.Error()))
			return
		}
		idx, err := strconv.Atoi(r.FormValue("question_index"))
		if err != nil {
			writeServiceError(w, services.NewInvalidError("question_index must be an integer"))
			return
		}
		resp.QuestionIndex = idx
		resp.Modality = models.Modality(r.FormValue("modality"))
		resp.Text = r.FormValue("text")
		if file, hdr, err := r.FormFile("audio"); err == nil {
			defer file.Close()
			audio, err = io.ReadAll(io.LimitReader(file, maxAudioUpload))
			if err != nil {
				writeServiceError(w, services.NewInvalidError("read audio payload: "+err.Error()))
				return
			}
			resp.AudioMediaType = hdr.Header.Get("Content-Type")
		}
	} else {
		var req struct {
			QuestionIndex int             `json:"question_index"`
			Modality      models.Modality `json:"modality"`
			Text          string          `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeServiceError(w, services.NewInvalidError("invalid JSON body: "+err.Error()))
			return
		}
		resp = models.Response{QuestionIndex: req.QuestionIndex, Modality: req.Modality, Text: req.Text}
	}

	if err := rt.questionnaires.SubmitAnswer(id, &resp, audio); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// POST /sessions/{id}/finalize
func (rt *Router) handleFinalize(w http.ResponseWriter, r *http.Request, id string) {
	if err := rt.questionnaires.Finalize(id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "processing"})
}

// GET /sessions/{id}/result — the polling contract. One exhaustive switch
// over the session kind picks the owning machine.
func (rt *Router) handleResult(w http.ResponseWriter, r *http.Request, id string) {
	var (
		status *services.ResultStatus
		err    error
	)
	switch {
	case rt.questionnaires.Has(id):
		status, err = rt.questionnaires.GetResult(id)
	case rt.chats.Has(id):
		status, err = rt.chats.GetResult(id)
	default:
		writeServiceError(w, services.NewNotFoundError("unknown session"))
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	switch status.State {
	case models.StateReady:
		writeJSON(w, http.StatusOK, status.Result)
	case models.StateFailed:
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "failed",
			"error":  status.Failure,
		})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "processing"})
	}
}

// POST /sessions/{id}/turns
func (rt *Router) handleRespond(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeServiceError(w, services.NewInvalidError("invalid JSON body: "+err.Error()))
		return
	}
	reply, err := rt.chats.Respond(r.Context(), id, req.Answer)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// GET /sessions/{id}/turns
func (rt *Router) handleTurns(w http.ResponseWriter, r *http.Request, id string) {
	turns, err := rt.chats.Turns(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": turns})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// POST /auth/register
func (rt *Router) handleRegister(w http.ResponseWriter, r *http.Request) {
	rt.handleCredentials(w, r, rt.auth.Register)
}

// POST /auth/login
func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	rt.handleCredentials(w, r, rt.auth.Login)
}

func (rt *Router) handleCredentials(w http.ResponseWriter, r *http.Request, fn func(email, password string) (*services.AuthResult, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeServiceError(w, services.NewInvalidError("invalid JSON body: "+err.Error()))
		return
	}
	res, err := fn(req.Email, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":        res.Token,
		"clinician_id": res.ClinicianID,
	})
}

// GET /overview — clinician-only triage view.
func (rt *Router) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out, err := rt.overview.Overview()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
