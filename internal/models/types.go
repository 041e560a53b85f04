package models

import "time"

// SessionKind discriminates the two assessment flows.
type SessionKind string

const (
	KindQuestionnaire SessionKind = "questionnaire"
	KindChat          SessionKind = "chat"
)

// SessionState is the lifecycle state of a session. Questionnaire sessions
// move collecting -> finalizing -> ready; chat sessions move
// in_progress -> finalizing -> ready. failed is terminal from any state.
type SessionState string

const (
	StateCollecting SessionState = "collecting"
	StateInProgress SessionState = "in_progress"
	StateFinalizing SessionState = "finalizing"
	StateReady      SessionState = "ready"
	StateFailed     SessionState = "failed"
)

// Modality is the response medium for a question.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityAudio Modality = "audio"
)

// AnalysisSource records which backend produced an AnalysisResult.
type AnalysisSource string

const (
	SourcePrimary  AnalysisSource = "primary"
	SourceFallback AnalysisSource = "fallback"
)

// Turn roles in the chat flow.
const (
	RoleBot        = "bot"
	RoleRespondent = "respondent"
)

// Risk categories. Questionnaire sessions use Excellent/Good/NeedsAttention;
// chat sessions use Good/Moderate/NeedsAttention.
const (
	CategoryExcellent      = "Excellent"
	CategoryGood           = "Good"
	CategoryModerate       = "Moderate"
	CategoryNeedsAttention = "Needs Attention"
)

// Subject is the assessed person. Kept minimal: the screening core only
// needs a stable reference plus the age used to pitch question difficulty.
type Subject struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Age       int       `json:"age"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is one respondent's pass through either flow.
type Session struct {
	ID        string       `json:"id"`
	SubjectID string       `json:"subject_id"`
	Kind      SessionKind  `json:"kind"`
	State     SessionState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
}

// Question is a single questionnaire prompt. Immutable once the session
// starts.
type Question struct {
	Index    int      `json:"index"`
	Text     string   `json:"text"`
	Modality Modality `json:"modality"`
}

// Response is one answer to a questionnaire question. At most one response
// exists per question index; resubmission replaces the earlier one.
type Response struct {
	QuestionIndex  int       `json:"question_index"`
	Modality       Modality  `json:"modality"`
	Text           string    `json:"text,omitempty"`
	AudioPath      string    `json:"audio_path,omitempty"`
	AudioMediaType string    `json:"audio_media_type,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// LabelScore is one entry of a classifier output, score in [0,1].
type LabelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// AnalysisResult is the normalized output of an analysis backend.
type AnalysisResult struct {
	Transcription  string             `json:"transcription,omitempty"`
	Flags          []string           `json:"flags,omitempty"`
	Features       map[string]float64 `json:"features,omitempty"`
	Classification []LabelScore       `json:"classification,omitempty"`
	Source         AnalysisSource     `json:"source"`
}

// ScoredItem is the per-question computed outcome. Score is nil when both
// analysis backends were unavailable and the item degraded.
type ScoredItem struct {
	QuestionIndex         int      `json:"question_index"`
	Question              string   `json:"question"`
	Transcript            string   `json:"transcript,omitempty"`
	Score                 *int     `json:"score"`
	Feedback              string   `json:"feedback"`
	Flags                 []string `json:"flags,omitempty"`
	ClassificationSummary string   `json:"classification_summary,omitempty"`
	Source                string   `json:"source,omitempty"`
	Degraded              bool     `json:"degraded,omitempty"`
}

// ChatTurn is one entry of the append-only chat log.
type ChatTurn struct {
	TurnIndex int    `json:"turn_index"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// Result is the finalized session-level outcome. It exists if and only if
// the owning session reached the ready state.
type Result struct {
	Category  string       `json:"category"`
	Summary   string       `json:"summary"`
	Analysis  string       `json:"analysis"`
	MeanScore *float64     `json:"mean_score,omitempty"`
	Breakdown []ScoredItem `json:"breakdown,omitempty"`
	Turns     []ChatTurn   `json:"turns,omitempty"`
}

// SessionSummary is the persisted view of a session used by the clinician
// overview and by chat trend framing.
type SessionSummary struct {
	ID        string       `json:"session_id"`
	Kind      SessionKind  `json:"kind"`
	State     SessionState `json:"state"`
	CreatedAt time.Time    `json:"timestamp"`
	Category  string       `json:"category,omitempty"`
	Summary   string       `json:"summary,omitempty"`
	Analysis  string       `json:"analysis,omitempty"`
}

// Clinician is an authenticated reviewer of screening outcomes.
type Clinician struct {
	ID        string
	Email     string
	PassHash  []byte
	CreatedAt time.Time
}
