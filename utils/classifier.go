package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"coldreach/config"
	"coldreach/models"

	"github.com/sirupsen/logrus"
)

// ErrUnparsable marks a collaborator response that did not contain the
// expected structure. The message stays stored unclassified; the caller logs
// and moves on without retrying in the same cycle.
var ErrUnparsable = errors.New("classifier response could not be parsed")

// Classification is the reply-intent verdict for one inbound message.
type Classification struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// IntentClassifier labels an inbound reply given the outreach it answers.
type IntentClassifier interface {
	Classify(ctx context.Context, originalOutreach, reply string) (*Classification, error)
}

var validLabels = map[string]bool{
	models.LabelInterested:    true,
	models.LabelNotInterested: true,
	models.LabelBounce:        true,
	models.LabelQuestion:      true,
	models.LabelOutOfOffice:   true,
	models.LabelOther:         true,
}

const classifierInstruction = `You classify replies to cold outreach emails.
Respond with a single JSON object and nothing else:
{"label": "<interested|not_interested|bounce|question|out_of_office|other>", "confidence": <0.0-1.0>, "reason": "<short explanation>"}`

// LLMClient talks to an OpenAI-compatible chat-completions endpoint. It backs
// both the reply classifier and the sequence content generator.
type LLMClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewLLMClient(logger *logrus.Logger) *LLMClient {
	return &LLMClient{
		apiKey:     config.AppConfig.LLM.APIKey,
		model:      config.AppConfig.LLM.Model,
		baseURL:    strings.TrimRight(config.AppConfig.LLM.BaseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

func (c *LLMClient) Classify(ctx context.Context, originalOutreach, reply string) (*Classification, error) {
	prompt := fmt.Sprintf("Original outreach email:\n%s\n\nReply received:\n%s", originalOutreach, reply)
	content, err := c.chat(ctx, classifierInstruction, prompt)
	if err != nil {
		return nil, err
	}
	return ParseClassification(content)
}

// GenerateSequence asks the collaborator for a multi-step outreach plan. The
// result is consumed as an opaque array of steps.
func (c *LLMClient) GenerateSequence(ctx context.Context, lead *models.Lead, campaign *models.Campaign, stepCount int) ([]models.SequenceStep, error) {
	instruction := fmt.Sprintf(`You write cold outreach email sequences.
Respond with a JSON array of exactly %d objects and nothing else:
[{"subject": "...", "body": "...", "delay_days": <int>}, ...]`, stepCount)
	prompt := fmt.Sprintf("Campaign: %s\nDescription: %s\nLead: %s %s, %s at %s",
		campaign.Name, campaign.Description, lead.FirstName, lead.LastName, lead.Position, lead.Company)

	content, err := c.chat(ctx, instruction, prompt)
	if err != nil {
		return nil, err
	}

	var steps []models.SequenceStep
	if err := json.Unmarshal([]byte(extractJSON(content, '[', ']')), &steps); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: empty step list", ErrUnparsable)
	}
	for i := range steps {
		steps[i].StepNumber = i + 1
	}
	return steps, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *LLMClient) chat(ctx context.Context, system, user string) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("LLM API key not configured")
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("LLM request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("LLM request returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("invalid LLM response body: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("LLM response contained no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// ParseClassification defensively extracts a Classification from whatever
// shape the collaborator returned.
func ParseClassification(content string) (*Classification, error) {
	raw := extractJSON(content, '{', '}')
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object found", ErrUnparsable)
	}

	var result Classification
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}

	result.Label = strings.ToLower(strings.TrimSpace(result.Label))
	if !validLabels[result.Label] {
		return nil, fmt.Errorf("%w: unknown label %q", ErrUnparsable, result.Label)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v out of range", ErrUnparsable, result.Confidence)
	}

	return &result, nil
}

// extractJSON cuts the outermost open..close span out of content, tolerating
// markdown fences and prose around the payload.
func extractJSON(content string, open, close byte) string {
	start := strings.IndexByte(content, open)
	end := strings.LastIndexByte(content, close)
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return content[start : end+1]
}
