package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"

	"github.com/ricardoakrug/groupgraph/internal/config"
)

const analyzerSystemInstruction = `You analyze a single chat message from a group conversation.
Extract the overall sentiment, the topics discussed, any named entities, the intent of the message, and the language it is written in.
Base everything strictly on the message text; do not invent entities or topics that are not present.`

var analysisSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"sentiment":     {Type: genai.TypeNumber, Description: "Overall sentiment from -1.0 (very negative) to 1.0 (very positive)."},
		"topics":        {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}, Description: "Topics discussed in the message, most salient first."},
		"organizations": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}, Description: "Organization names mentioned."},
		"locations":     {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}, Description: "Location names mentioned."},
		"products":      {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}, Description: "Product names mentioned."},
		"urls":          {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}, Description: "URLs contained in the message."},
		"intent_type":   {Type: genai.TypeString, Description: "Intent of the message, e.g. statement, question, request, complaint, greeting."},
		"language":      {Type: genai.TypeString, Description: "IETF language code of the message, e.g. en, pt-BR."},
	},
	Required: []string{"sentiment", "topics", "organizations", "locations", "products", "urls", "intent_type", "language"},
}

type geminiAnalyzer struct {
	genaiClient      *genai.Client
	log              *slog.Logger
	contentConfig    *genai.GenerateContentConfig
	defaultModelName string
	maxRetries       int
	retryDelay       time.Duration
}

// NewGeminiAnalyzer creates an Analyzer backed by Google's Gemini API.
func NewGeminiAnalyzer(ctx context.Context, cfg config.GeminiConfig, log *slog.Logger) (Analyzer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	contentConfig := &genai.GenerateContentConfig{
		Temperature:       &cfg.Temperature,
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: analyzerSystemInstruction}}},
		ResponseMIMEType:  "application/json",
		ResponseSchema:    analysisSchema,
	}

	logger := log.With("component", "gemini_analyzer")
	logger.Info("Gemini analyzer initialized successfully", "model", cfg.ModelName)
	return &geminiAnalyzer{
		genaiClient:      gi,
		log:              logger,
		contentConfig:    contentConfig,
		defaultModelName: cfg.ModelName,
		maxRetries:       cfg.MaxRetries,
		retryDelay:       time.Duration(cfg.RetryDelaySeconds) * time.Second,
	}, nil
}

func (a *geminiAnalyzer) Analyze(ctx context.Context, msg Message) (Result, error) {
	contents := []*genai.Content{genai.NewContentFromText(msg.Content, genai.RoleUser)}

	resp, err := a.generateContentWithRetries(ctx, contents)
	if err != nil {
		a.log.ErrorContext(ctx, "Gemini analysis failed", "message_id", msg.ID, "error", err)
		return Result{}, fmt.Errorf("gemini analysis failed: %w", err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		a.log.WarnContext(ctx, "Gemini analysis blocked",
			"message_id", msg.ID, "reason", resp.PromptFeedback.BlockReason)
		return Result{}, fmt.Errorf("gemini analysis blocked: %v", resp.PromptFeedback.BlockReason)
	}

	jsonText := resp.Text()
	if jsonText == "" {
		return Result{}, fmt.Errorf("gemini analysis returned empty response")
	}

	var parsed struct {
		Sentiment     float64  `json:"sentiment"`
		Topics        []string `json:"topics"`
		Organizations []string `json:"organizations"`
		Locations     []string `json:"locations"`
		Products      []string `json:"products"`
		URLs          []string `json:"urls"`
		IntentType    string   `json:"intent_type"`
		Language      string   `json:"language"`
	}
	if err := json.Unmarshal([]byte(jsonText), &parsed); err != nil {
		a.log.ErrorContext(ctx, "Failed to parse analysis JSON from Gemini response",
			"message_id", msg.ID, "error", err, "response_text", jsonText)
		return Result{}, fmt.Errorf("invalid analysis JSON received: %w", err)
	}

	return Result{
		Sentiment: clampSentiment(parsed.Sentiment),
		Topics:    parsed.Topics,
		Entities: Entities{
			Organizations: parsed.Organizations,
			Locations:     parsed.Locations,
			Products:      parsed.Products,
			URLs:          parsed.URLs,
		},
		IntentType: parsed.IntentType,
		Language:   parsed.Language,
	}, nil
}

func (a *geminiAnalyzer) generateContentWithRetries(ctx context.Context, contents []*genai.Content) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	var err error

	for i := 0; i <= a.maxRetries; i++ {
		resp, err = a.genaiClient.Models.GenerateContent(ctx, a.defaultModelName, contents, a.contentConfig)
		if err == nil {
			return resp, nil
		}

		var apiErr *genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 500 || apiErr.Code == 503) {
			if i < a.maxRetries {
				a.log.InfoContext(ctx, "Retrying Gemini API call due to retriable APIError",
					"attempt", i+1, "delay", a.retryDelay, "code", apiErr.Code)
				time.Sleep(a.retryDelay)
				continue
			}
			return nil, fmt.Errorf("gemini API call failed after %d retries (APIError code %d): %w", a.maxRetries, apiErr.Code, err)
		}

		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}
	return nil, err
}

// clampSentiment guards against out-of-range model output.
func clampSentiment(s float64) float64 {
	switch {
	case s < -1:
		return -1
	case s > 1:
		return 1
	default:
		return s
	}
}
