package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sethvargo/go-retry"

	"github.com/ickdetector/ick-api/pkg/domain"
)

// Service produces one structured verdict for a situation description. The
// call is opaque to the rest of the system: input text and tone in, canonical
// verdict out.
type Service interface {
	Analyze(ctx context.Context, tone string, inputText string) (domain.Verdict, error)
}

const systemPrompt = `You are The Ick Detector: blunt-but-empathetic dating and friendship pattern decoder.
No diagnosing. No medical/therapy claims. No hate. No shaming.
Be clear, emotionally intelligent, Gen Z-Millennial friendly, NOT cringe.
Return ONLY valid JSON matching the schema.`

const schemaHint = `JSON schema:
{
  "blunt_take": string,
  "ick_score": number,
  "category": "red_flag" | "incompatibility" | "overthinking",
  "pattern": string,
  "why_it_feels_bad": string,
  "reality_check": string,
  "what_to_watch_for_next": string[],
  "petty_icks_for_fun": string[]
}
Rules:
- Keep blunt_take <= 1 sentence.
- ick_score integer 0-100.
- what_to_watch_for_next: 3-5 bullets.
- petty_icks_for_fun: 0-3 bullets, optional fun, not mean.`

type GPTService struct {
	client *openai.Client
	model  string
}

func NewGPTService(apiKey string) *GPTService {
	return &GPTService{
		client: openai.NewClient(apiKey),
		model:  openai.GPT4oMini,
	}
}

// NewGPTServiceWithClient exists so tests can point the service at a stub
// server via openai.NewClientWithConfig.
func NewGPTServiceWithClient(client *openai.Client, model string) *GPTService {
	return &GPTService{client: client, model: model}
}

// Analyze calls the model with a JSON-object response format and translates
// the output into the canonical verdict. Transient call failures and
// unparseable output are retried a bounded number of times, then surfaced as
// an error; there is no degraded fallback verdict.
func (s *GPTService) Analyze(ctx context.Context, tone string, inputText string) (domain.Verdict, error) {
	userPrompt := fmt.Sprintf("Tone mode: %s\nSituation:\n%s\n\n%s", tone, inputText, schemaHint)

	var verdict domain.Verdict
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: s.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
		if err != nil {
			return retry.RetryableError(fmt.Errorf("chat completion: %w", err))
		}
		if len(resp.Choices) == 0 {
			return retry.RetryableError(fmt.Errorf("chat completion returned no choices"))
		}

		parsed, err := parseVerdict(resp.Choices[0].Message.Content)
		if err != nil {
			return retry.RetryableError(err)
		}
		verdict = parsed
		return nil
	})
	if err != nil {
		return domain.Verdict{}, err
	}
	return verdict, nil
}

// parseVerdict decodes the raw model output and normalizes it into the
// canonical schema: score clamped to 0-100, unknown categories coerced to
// overthinking. An output without a blunt take is treated as malformed.
func parseVerdict(raw string) (domain.Verdict, error) {
	var verdict domain.Verdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &verdict); err != nil {
		return domain.Verdict{}, fmt.Errorf("parse verdict: %w", err)
	}
	if strings.TrimSpace(verdict.BluntTake) == "" {
		return domain.Verdict{}, fmt.Errorf("parse verdict: missing blunt_take")
	}

	if verdict.IckScore < 0 {
		verdict.IckScore = 0
	}
	if verdict.IckScore > 100 {
		verdict.IckScore = 100
	}
	switch verdict.Category {
	case domain.CategoryRedFlag, domain.CategoryIncompatibility, domain.CategoryOverthinking:
	default:
		verdict.Category = domain.CategoryOverthinking
	}
	return verdict, nil
}
