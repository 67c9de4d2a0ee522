package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"

	"triagebot/internal/classify"
	"triagebot/internal/domain"
	"triagebot/internal/logger"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5-20250929"
	defaultOpenAIModel    = "gpt-4o-mini"
	maxReportChars        = 6000
)

type Config struct {
	Provider        string // "anthropic" (default) or "openai"
	Model           string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

type completeFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error)

// Estimator asks an LLM for a root-cause distribution over the four categories.
type Estimator struct {
	provider string
	model    string
	complete completeFunc
}

var _ classify.Estimator = (*Estimator)(nil)

func NewEstimator(cfg Config) *Estimator {
	e := &Estimator{provider: cfg.Provider, model: cfg.Model}
	switch cfg.Provider {
	case "openai":
		if e.model == "" {
			e.model = defaultOpenAIModel
		}
		e.complete = openAICompleter(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, e.model)
	default:
		e.provider = "anthropic"
		if e.model == "" {
			e.model = defaultAnthropicModel
		}
		e.complete = anthropicCompleter(cfg.AnthropicAPIKey, e.model)
	}
	return e
}

func (e *Estimator) Estimate(ctx context.Context, text, userContext string) (classify.Estimate, error) {
	systemPrompt, userPrompt := buildEstimatePrompts(text, userContext)
	logger.Infof("llm estimate provider=%s model=%s chars=%d", e.provider, e.model, len(text))

	responseText, usage, err := e.complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return classify.Estimate{}, err
	}
	logger.Debugf("llm estimate tokens_in=%d tokens_out=%d", usage.InputTokens, usage.OutputTokens)
	return parseEstimateResponse(responseText)
}

func buildEstimatePrompts(text, userContext string) (string, string) {
	systemPrompt := `You triage incident reports from users of a web product. Estimate the root cause of the report.

Categories:
- humanError: the user misunderstood the product, could not find a feature, or needs guidance.
- adminConfig: permissions, roles, account settings, or configuration owned by an administrator.
- codeBug: a software defect (errors, crashes, wrong behavior, broken UI).
- infrastructure: outages, timeouts, slowness, or unavailable services.

Give each category an independent probability from 0 to 100, a confidence from 0 to 1 for
your overall judgement, and up to three short reasons.

Respond with JSON only (no markdown):
{"probabilities": {"humanError": 10, "adminConfig": 5, "codeBug": 80, "infrastructure": 5}, "confidence": 0.8, "reasons": ["..."]}`

	text = clip(text, maxReportChars)
	var b strings.Builder
	b.WriteString("Report:\n")
	b.WriteString(strings.TrimSpace(text))
	if uc := strings.TrimSpace(userContext); uc != "" {
		b.WriteString("\n\nReporter context: ")
		b.WriteString(uc)
	}
	return systemPrompt, b.String()
}

type estimateResponse struct {
	Probabilities map[string]float64 `json:"probabilities"`
	Confidence    *float64           `json:"confidence"`
	Reasons       []string           `json:"reasons"`
}

// parseEstimateResponse accepts bare JSON or JSON wrapped in a markdown fence
// or surrounding prose. Anything outside the schema is an error.
func parseEstimateResponse(responseText string) (classify.Estimate, error) {
	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```json")
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	responseText = strings.TrimSpace(responseText)
	if start, end := strings.Index(responseText, "{"), strings.LastIndex(responseText, "}"); start > 0 && end > start {
		responseText = responseText[start : end+1]
	}

	var resp estimateResponse
	if err := json.Unmarshal([]byte(responseText), &resp); err != nil {
		return classify.Estimate{}, fmt.Errorf("parsing LLM estimate response: %w (response: %s)", err, truncate(responseText, 200))
	}
	if resp.Confidence == nil {
		return classify.Estimate{}, fmt.Errorf("LLM estimate response has no confidence")
	}

	est := classify.Estimate{
		Probabilities: make(map[domain.Category]float64, len(domain.Categories)),
		Confidence:    *resp.Confidence,
	}
	for key, p := range resp.Probabilities {
		for _, c := range domain.Categories {
			if strings.EqualFold(strings.TrimSpace(key), string(c)) {
				est.Probabilities[c] = p
			}
		}
	}
	for _, r := range resp.Reasons {
		if r = strings.TrimSpace(r); r != "" {
			est.Reasons = append(est.Reasons, r)
		}
	}
	if err := est.Validate(); err != nil {
		return classify.Estimate{}, fmt.Errorf("invalid LLM estimate: %w", err)
	}
	return est, nil
}

func truncate(s string, n int) string {
	if c := clip(s, n); c != s {
		return c + "..."
	}
	return s
}

// clip keeps at most n runes of s.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func anthropicCompleter(apiKey, model string) completeFunc {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return func(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error) {
		message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: 1024,
			System: []anthropic.TextBlockParam{
				{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
			},
		})
		if err != nil {
			logger.Warnf("llm anthropic error: %v", err)
			return "", Usage{}, fmt.Errorf("Anthropic API error: %w", err)
		}
		usage := Usage{InputTokens: message.Usage.InputTokens, OutputTokens: message.Usage.OutputTokens}
		for _, block := range message.Content {
			if block.Type == "text" {
				return block.Text, usage, nil
			}
		}
		return "", usage, fmt.Errorf("no text content in Anthropic response")
	}
}

func openAICompleter(apiKey, baseURL, model string) completeFunc {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	client := openai.NewClientWithConfig(clientConfig)
	return func(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error) {
		resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt},
			},
			Temperature: 0.2,
		})
		if err != nil {
			logger.Warnf("llm openai error: %v", err)
			return "", Usage{}, fmt.Errorf("OpenAI API error: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", Usage{}, fmt.Errorf("no choices in OpenAI response")
		}
		usage := Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		}
		return resp.Choices[0].Message.Content, usage, nil
	}
}
