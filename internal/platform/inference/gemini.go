package inference

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const geminiSystemInstruction = "You are a helpful medical assistant explaining a radiology report to a patient. " +
	"Answer only from the report text provided. Use simple, non-technical language. " +
	"Do not make a diagnosis or recommend treatment. If the report does not answer the question, " +
	"say so and suggest the patient ask their doctor."

type GeminiConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// GeminiAnswerer calls the generateContent REST endpoint.
type GeminiAnswerer struct {
	httpc *resty.Client
	model string
}

func NewGeminiAnswerer(cfg GeminiConfig, logger zerolog.Logger) *GeminiAnswerer {
	httpc := resty.New()
	httpc.SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/"))
	httpc.SetHeader("x-goog-api-key", cfg.APIKey)
	httpc.SetHeader("Content-Type", "application/json")
	httpc.SetLogger(NewRestyLogger(logger))
	model := cfg.Model
	if model == "" {
		model = "gemini-pro"
	}
	return &GeminiAnswerer{httpc: httpc, model: model}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction geminiContent   `json:"systemInstruction"`
	Contents          []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (g *GeminiAnswerer) Answer(ctx context.Context, reportText, question string) (string, error) {
	body := geminiRequest{
		SystemInstruction: geminiContent{Parts: []geminiPart{{Text: geminiSystemInstruction}}},
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{{
				Text: fmt.Sprintf("Radiology report:\n%s\n\nPatient question: %s", reportText, question),
			}},
		}},
	}

	var r geminiResponse
	resp, err := g.httpc.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&r).
		Post(fmt.Sprintf("/v1beta/models/%s:generateContent", g.model))
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("%d on gemini generateContent", resp.StatusCode())
	}
	if len(r.Candidates) == 0 || len(r.Candidates[0].Content.Parts) == 0 {
		return "", ErrNoAnswer
	}
	text := strings.TrimSpace(r.Candidates[0].Content.Parts[0].Text)
	if text == "" {
		return "", ErrNoAnswer
	}
	return text, nil
}
