package integration

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lioratech/bloom/internal/analysis"
	"github.com/lioratech/bloom/internal/api"
	"github.com/lioratech/bloom/internal/blob"
	"github.com/lioratech/bloom/internal/config"
	"github.com/lioratech/bloom/internal/db"
	"github.com/lioratech/bloom/internal/middleware"
	"github.com/lioratech/bloom/internal/models"
	"github.com/lioratech/bloom/internal/services"
)

// newStack wires the full server against a real SQLite file, a real blob
// directory and the given analysis backends, the same way main does.
func newStack(t *testing.T, primaryURL, fallbackURL string) *httptest.Server {
	t.Helper()

	conn, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "bloom.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.RunMigrations(conn, ""); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := db.NewSQLiteStore(conn)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("blobs: %v", err)
	}

	scoring := config.Default().Scoring
	analyzer := analysis.NewHTTPClient(config.Analysis{
		PrimaryURL:  primaryURL,
		FallbackURL: fallbackURL,
		Timeout:     2 * time.Second,
	})
	narrative := services.NewNarrative(nil, time.Second, scoring)
	responses := services.NewResponseStore(blobs)
	questionnaires := services.NewQuestionnaireService(store, responses, blobs, analyzer, narrative, scoring)
	chats := services.NewChatService(store, narrative, 8)
	subjects := services.NewSubjectService(store)
	bank := services.NewQuestionBank(nil, 5)
	authmw := middleware.NewAuth("integration-secret")
	auth := services.NewAuthService(store, authmw.SignToken)
	overview := services.NewOverviewService(store)

	mux := http.NewServeMux()
	api.NewRouter(questionnaires, chats, subjects, bank, auth, overview, authmw).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func analysisBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/analyze/text":
			json.NewEncoder(w).Encode(map[string]any{
				"predicted_label": "label_0",
				"probability":     0.9,
			})
		case "/analyze/audio":
			if _, _, err := r.FormFile("file"); err != nil {
				http.Error(w, "missing file part", http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"transcription": "the quick brown fox",
				"features": map[string]float64{
					"speech_rate_wps": 2.0,
					"pause_ratio":     0.1,
				},
				"analysis": map[string]any{
					"predicted_label": "label_0",
					"probability":     0.9,
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func deadBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) (int, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func submitAudio(t *testing.T, url string, index int, payload []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("question_index", fmt.Sprintf("%d", index))
	mw.WriteField("modality", "audio")
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="audio"; filename="answer.webm"`)
	hdr.Set("Content-Type", "audio/webm")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write(payload)
	mw.Close()

	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("submit audio: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit audio %d: status %d", index, resp.StatusCode)
	}
}

// pollResult polls the result endpoint until the session leaves processing.
func pollResult(t *testing.T, url string) (int, []byte) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("GET %s: %v", url, err)
		}
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			return resp.StatusCode, data
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("result never left processing")
	return 0, nil
}

func TestQuestionnaireEndToEnd(t *testing.T) {
	backend := analysisBackend(t)
	stack := newStack(t, backend.URL, "")

	status, body := postJSON(t, stack.URL+"/sessions", map[string]any{
		"kind":    "questionnaire",
		"subject": map[string]any{"name": "Mia", "age": 7},
		"questions": []map[string]string{
			{"text": "Write about your day.", "modality": "text"},
			{"text": "Read this sentence aloud.", "modality": "audio"},
			{"text": "Describe a cat.", "modality": "text"},
			{"text": "Read another sentence.", "modality": "audio"},
			{"text": "Name three animals.", "modality": "text"},
		},
	})
	if status != http.StatusOK {
		t.Fatalf("create session: %d %s", status, body)
	}
	var created struct {
		SessionID string            `json:"session_id"`
		Questions []models.Question `json:"questions"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(created.Questions) != 5 {
		t.Fatalf("questions = %d", len(created.Questions))
	}
	base := stack.URL + "/sessions/" + created.SessionID

	for i, q := range created.Questions {
		if q.Modality == models.ModalityAudio {
			submitAudio(t, base+"/answers", i, []byte("fake webm payload"))
			continue
		}
		status, _ := postJSON(t, base+"/answers", map[string]any{
			"question_index": i, "modality": "text", "text": fmt.Sprintf("written answer %d", i),
		})
		if status != http.StatusOK {
			t.Fatalf("submit %d: status %d", i, status)
		}
	}

	status, body = postJSON(t, base+"/finalize", map[string]any{})
	if status != http.StatusAccepted {
		t.Fatalf("finalize: %d %s", status, body)
	}

	status, data := pollResult(t, base+"/result")
	if status != http.StatusOK {
		t.Fatalf("result: %d %s", status, data)
	}
	var res models.Result
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(res.Breakdown) != 5 {
		t.Fatalf("breakdown = %d items", len(res.Breakdown))
	}
	for i, item := range res.Breakdown {
		if item.QuestionIndex != i {
			t.Fatalf("item %d has index %d", i, item.QuestionIndex)
		}
		if item.Score == nil || *item.Score != 90 {
			t.Fatalf("item %d score = %v", i, item.Score)
		}
	}
	if res.MeanScore == nil || *res.MeanScore != 90 {
		t.Fatalf("mean = %v", res.MeanScore)
	}
	if res.Category != models.CategoryExcellent {
		t.Fatalf("category = %q", res.Category)
	}
	if res.Breakdown[1].Transcript != "the quick brown fox" {
		t.Fatalf("audio transcript = %q", res.Breakdown[1].Transcript)
	}
}

func TestQuestionnaireFailsOverToFallback(t *testing.T) {
	dead := deadBackend(t)
	backend := analysisBackend(t)
	stack := newStack(t, dead.URL, backend.URL)

	status, body := postJSON(t, stack.URL+"/sessions", map[string]any{
		"kind":    "questionnaire",
		"subject": map[string]any{"name": "Leo", "age": 8},
		"questions": []map[string]string{
			{"text": "Write about your day.", "modality": "text"},
		},
	})
	if status != http.StatusOK {
		t.Fatalf("create session: %d %s", status, body)
	}
	var created struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	base := stack.URL + "/sessions/" + created.SessionID

	if status, _ := postJSON(t, base+"/answers", map[string]any{
		"question_index": 0, "modality": "text", "text": "ok",
	}); status != http.StatusOK {
		t.Fatalf("submit: status %d", status)
	}
	if status, _ := postJSON(t, base+"/finalize", map[string]any{}); status != http.StatusAccepted {
		t.Fatalf("finalize: status %d", status)
	}

	status, data := pollResult(t, base+"/result")
	if status != http.StatusOK {
		t.Fatalf("result: %d %s", status, data)
	}
	var res models.Result
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Breakdown[0].Source != "fallback" {
		t.Fatalf("source = %q, want fallback", res.Breakdown[0].Source)
	}
}

func TestQuestionnaireDegradesWhenAllBackendsDown(t *testing.T) {
	dead := deadBackend(t)
	stack := newStack(t, dead.URL, dead.URL)

	status, body := postJSON(t, stack.URL+"/sessions", map[string]any{
		"kind":    "questionnaire",
		"subject": map[string]any{"name": "Ana", "age": 6},
		"questions": []map[string]string{
			{"text": "Write about your day.", "modality": "text"},
		},
	})
	if status != http.StatusOK {
		t.Fatalf("create session: %d %s", status, body)
	}
	var created struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	base := stack.URL + "/sessions/" + created.SessionID

	postJSON(t, base+"/answers", map[string]any{"question_index": 0, "modality": "text", "text": "ok"})
	postJSON(t, base+"/finalize", map[string]any{})

	status, data := pollResult(t, base+"/result")
	if status != http.StatusOK {
		t.Fatalf("result: %d %s", status, data)
	}
	var res models.Result
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !res.Breakdown[0].Degraded || res.Breakdown[0].Score != nil {
		t.Fatalf("item = %+v, want degraded", res.Breakdown[0])
	}
	if res.Category != models.CategoryNeedsAttention {
		t.Fatalf("category = %q", res.Category)
	}
}

func TestChatEndToEnd(t *testing.T) {
	backend := analysisBackend(t)
	stack := newStack(t, backend.URL, "")

	status, body := postJSON(t, stack.URL+"/sessions", map[string]any{
		"kind":    "chat",
		"subject": map[string]any{"name": "Mia", "age": 7},
	})
	if status != http.StatusOK {
		t.Fatalf("create chat: %d %s", status, body)
	}
	var created struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Message == "" {
		t.Fatal("no opening message")
	}
	base := stack.URL + "/sessions/" + created.SessionID

	for i := 1; i <= 8; i++ {
		status, body := postJSON(t, base+"/turns", map[string]any{
			"answer": fmt.Sprintf("likert answer %d", i),
		})
		if status != http.StatusOK {
			t.Fatalf("respond %d: %d %s", i, status, body)
		}
		var reply struct {
			Done       bool   `json:"done"`
			NextPrompt string `json:"next_prompt"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			t.Fatalf("unmarshal reply: %v", err)
		}
		if i < 8 && (reply.Done || reply.NextPrompt == "") {
			t.Fatalf("answer %d: %+v", i, reply)
		}
		if i == 8 && !reply.Done {
			t.Fatal("final answer did not end the chat")
		}
	}

	status, data := pollResult(t, base+"/result")
	if status != http.StatusOK {
		t.Fatalf("result: %d %s", status, data)
	}
	var res models.Result
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Category == "" || res.Summary == "" {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Turns) != 16 {
		t.Fatalf("turns = %d", len(res.Turns))
	}
}
