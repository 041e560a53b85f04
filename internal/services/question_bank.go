package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lioratech/bloom/internal/llm"
	"github.com/lioratech/bloom/internal/models"
)

// backupQuestions guarantees a full question set when generation is
// unavailable or comes back short. Read-aloud tasks are audio, writing
// tasks are text.
var backupQuestions = []models.Question{
	{Text: "The quick brown fox jumps over the dog.", Modality: models.ModalityAudio},
	{Text: "What is your favorite color and why?", Modality: models.ModalityText},
	{Text: "Reading books helps me learn new words.", Modality: models.ModalityAudio},
	{Text: "Write a sentence about a cat.", Modality: models.ModalityText},
	{Text: "The sun shines brightly in the blue sky.", Modality: models.ModalityAudio},
	{Text: "Describe your best friend.", Modality: models.ModalityText},
	{Text: "I like to play games with my friends.", Modality: models.ModalityAudio},
	{Text: "What do you do after school?", Modality: models.ModalityText},
	{Text: "Eating vegetables is good for my health.", Modality: models.ModalityAudio},
	{Text: "Name three animals you see at the zoo.", Modality: models.ModalityText},
}

// QuestionBank supplies the ordered question set for questionnaire sessions:
// generator-produced when possible, topped up from the static backup bank,
// always exactly count questions.
type QuestionBank struct {
	gen   llm.Generator
	count int
}

func NewQuestionBank(gen llm.Generator, count int) *QuestionBank {
	if count <= 0 {
		count = len(backupQuestions)
	}
	return &QuestionBank{gen: gen, count: count}
}

type generatedQuestion struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

// Questions returns the question sequence for a subject of the given age,
// with indexes assigned in order.
func (b *QuestionBank) Questions(ctx context.Context, age int) []models.Question {
	if age <= 0 {
		age = 7
	}
	questions := b.generated(ctx, age)
	for _, q := range backupQuestions {
		if len(questions) >= b.count {
			break
		}
		questions = append(questions, q)
	}
	if len(questions) > b.count {
		questions = questions[:b.count]
	}
	for i := range questions {
		questions[i].Index = i
	}
	return questions
}

func (b *QuestionBank) generated(ctx context.Context, age int) []models.Question {
	if b.gen == nil {
		return nil
	}
	audioCount := b.count / 2
	prompt := fmt.Sprintf(
		"Generate exactly %d tasks for a %d-year-old child's language assessment. "+
			"Mix %d 'read aloud' tasks (sentences to read) and %d 'writing' tasks (simple questions to answer). "+
			"Return a strict JSON list of objects, each with:\n"+
			"- 'text': the sentence or question.\n"+
			"- 'type': 'audio' for reading tasks or 'text' for writing tasks.",
		b.count, age, audioCount, b.count-audioCount,
	)
	raw, err := b.gen.Generate(ctx, prompt)
	if err != nil {
		log.Warn().Err(err).Msg("question generation failed, using backup bank")
		return nil
	}
	var parsed []generatedQuestion
	if err := json.Unmarshal([]byte(extractJSONArray(raw)), &parsed); err != nil {
		log.Warn().Err(err).Msg("generated questions did not parse, using backup bank")
		return nil
	}
	out := make([]models.Question, 0, len(parsed))
	for _, g := range parsed {
		if g.Text == "" {
			continue
		}
		modality := models.ModalityText
		if g.Type == string(models.ModalityAudio) {
			modality = models.ModalityAudio
		}
		out = append(out, models.Question{Text: g.Text, Modality: modality})
	}
	return out
}
