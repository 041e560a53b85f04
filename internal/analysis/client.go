// Package analysis calls the speech/text analysis backends. Two backends are
// configured; every request tries the primary once under a bounded timeout
// and, on any failure, the fallback once. There is no retry against the same
// backend and no caching: the caller decides whether to re-analyze.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/lioratech/bloom/internal/config"
	"github.com/lioratech/bloom/internal/models"
)

// ErrUnavailable reports that both backends failed for one request. Callers
// degrade the affected item; the session as a whole continues.
var ErrUnavailable = errors.New("analysis unavailable: all backends failed")

// Client is the analysis capability the scoring pipeline depends on.
type Client interface {
	AnalyzeText(ctx context.Context, text string) (*models.AnalysisResult, error)
	AnalyzeAudio(ctx context.Context, data []byte, mediaType string) (*models.AnalysisResult, error)
}

type backend struct {
	baseURL string
	source  models.AnalysisSource
}

// HTTPClient talks to the backends over HTTP. Text goes to
// POST {base}/analyze/text as JSON {"text": ...}; audio goes to
// POST {base}/analyze/audio as multipart with a "file" part.
type HTTPClient struct {
	backends []backend
	perCall  func(ctx context.Context) (context.Context, context.CancelFunc)
	hc       *http.Client
}

func NewHTTPClient(cfg config.Analysis) *HTTPClient {
	timeout := cfg.Timeout
	return &HTTPClient{
		backends: []backend{
			{baseURL: strings.TrimRight(cfg.PrimaryURL, "/"), source: models.SourcePrimary},
			{baseURL: strings.TrimRight(cfg.FallbackURL, "/"), source: models.SourceFallback},
		},
		perCall: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return context.WithTimeout(ctx, timeout)
		},
		hc: &http.Client{},
	}
}

func (c *HTTPClient) AnalyzeText(ctx context.Context, text string) (*models.AnalysisResult, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	return c.failover(ctx, "/analyze/text", func(ctx context.Context, url string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

func (c *HTTPClient) AnalyzeAudio(ctx context.Context, data []byte, mediaType string) (*models.AnalysisResult, error) {
	return c.failover(ctx, "/analyze/audio", func(ctx context.Context, url string) (*http.Request, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", `form-data; name="file"; filename="answer"`)
		if mediaType == "" {
			mediaType = "application/octet-stream"
		}
		hdr.Set("Content-Type", mediaType)
		part, err := mw.CreatePart(hdr)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	})
}

// failover issues the request against each backend in order, one attempt
// each, and returns the first successful normalized result.
func (c *HTTPClient) failover(ctx context.Context, endpoint string, build func(ctx context.Context, url string) (*http.Request, error)) (*models.AnalysisResult, error) {
	for _, b := range c.backends {
		if b.baseURL == "" {
			continue
		}
		res, err := c.attempt(ctx, b, endpoint, build)
		if err != nil {
			log.Warn().
				Str("backend", string(b.source)).
				Str("endpoint", endpoint).
				Err(err).
				Msg("analysis backend failed")
			continue
		}
		return res, nil
	}
	return nil, ErrUnavailable
}

func (c *HTTPClient) attempt(ctx context.Context, b backend, endpoint string, build func(ctx context.Context, url string) (*http.Request, error)) (*models.AnalysisResult, error) {
	callCtx, cancel := c.perCall(ctx)
	defer cancel()

	req, err := build(callCtx, b.baseURL+endpoint)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var p wirePayload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return normalize(&p, b.source), nil
}

// wirePayload accepts both backend response shapes: the classifier shape
// ({predicted_label, probability} or a classification list, possibly nested
// under "analysis") and the feature-extraction shape ({transcription,
// features, analysis:{flags}}).
type wirePayload struct {
	Transcript     string              `json:"transcript"`
	Transcription  string              `json:"transcription"`
	Features       map[string]float64  `json:"features"`
	Classification []models.LabelScore `json:"classification"`
	PredictedLabel string              `json:"predicted_label"`
	Probability    float64             `json:"probability"`
	Analysis       *wireAnalysis       `json:"analysis"`
}

type wireAnalysis struct {
	PredictedLabel string   `json:"predicted_label"`
	Probability    float64  `json:"probability"`
	Flags          []string `json:"flags"`
}

func normalize(p *wirePayload, source models.AnalysisSource) *models.AnalysisResult {
	out := &models.AnalysisResult{
		Transcription: p.Transcription,
		Features:      p.Features,
		Source:        source,
	}
	if out.Transcription == "" {
		out.Transcription = p.Transcript
	}
	if p.Analysis != nil {
		out.Flags = p.Analysis.Flags
	}
	switch {
	case len(p.Classification) > 0:
		out.Classification = p.Classification
	case p.PredictedLabel != "":
		out.Classification = []models.LabelScore{{Label: p.PredictedLabel, Score: p.Probability}}
	case p.Analysis != nil && p.Analysis.PredictedLabel != "":
		out.Classification = []models.LabelScore{{Label: p.Analysis.PredictedLabel, Score: p.Analysis.Probability}}
	}
	return out
}
