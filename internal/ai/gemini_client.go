package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"clinical-fhir-extractor/internal/apperrors"
	"clinical-fhir-extractor/internal/telemetry"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	genai "github.com/google/generative-ai-go/genai"
)

const (
	DefaultModel           = "gemini-2.0-flash"
	defaultMaxOutputTokens = 8192
)

// contentGenerator is the single SDK call the client depends on.
type contentGenerator func(ctx context.Context, prompt string) (*genai.GenerateContentResponse, error)

type GeminiClient struct {
	breaker      *gobreaker.CircuitBreaker
	rateLimiter  *rate.Limiter
	tokenCounter *TokenCounter
	client       *genai.Client
	model        string
	tier         string
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	generate     contentGenerator
}

type TokenCounter struct {
	mu              sync.Mutex
	limits          RateLimits
	minuteTokens    int
	dailyTokens     int
	minuteRequests  int
	dailyRequests   int
	lastMinuteReset time.Time
	lastDayReset    time.Time
}

type RateLimits struct {
	RPM int // Requests per minute
	TPM int // Tokens per minute
	RPD int // Requests per day
}

type GeminiOptions struct {
	APIKey string
	Model  string
	Tier   string
	Logger *slog.Logger
	// Metrics is optional.
	Metrics *telemetry.Metrics
}

func NewGeminiClient(ctx context.Context, opts GeminiOptions) (*GeminiClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("missing GEMINI_API_KEY")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(opts.APIKey))
	if err != nil {
		return nil, err
	}

	gc := newGeminiClient(opts)
	gc.client = client
	gc.generate = func(ctx context.Context, prompt string) (*genai.GenerateContentResponse, error) {
		model := client.GenerativeModel(gc.model)
		model.SetTemperature(0)
		model.SetCandidateCount(1)
		model.SetMaxOutputTokens(defaultMaxOutputTokens)
		model.ResponseMIMEType = "application/json"
		return model.GenerateContent(ctx, genai.Text(prompt))
	}
	return gc, nil
}

func newGeminiClient(opts GeminiOptions) *GeminiClient {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}

	// Configure rate limits based on tier
	limits := getRateLimits(opts.Tier)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "GeminiAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			if opts.Metrics != nil {
				opts.Metrics.RecordCircuitBreakerState(context.Background(), name, to.String())
			}
		},
	})

	// RPM limit with some buffer
	burst := limits.RPM / 10
	if burst < 1 {
		burst = 1
	}
	rateLimiter := rate.NewLimiter(rate.Limit(float64(limits.RPM)*0.9/60.0), burst)

	return &GeminiClient{
		breaker:      breaker,
		rateLimiter:  rateLimiter,
		tokenCounter: &TokenCounter{limits: limits},
		model:        model,
		tier:         opts.Tier,
		logger:       logger,
		metrics:      opts.Metrics,
	}
}

func getRateLimits(tier string) RateLimits {
	switch tier {
	case "free":
		return RateLimits{RPM: 10, TPM: 250000, RPD: 250}
	case "tier1":
		return RateLimits{RPM: 1000, TPM: 1000000, RPD: 10000}
	case "tier2":
		return RateLimits{RPM: 2000, TPM: 4000000, RPD: 50000}
	default:
		return RateLimits{RPM: 10, TPM: 250000, RPD: 250}
	}
}

func (gc *GeminiClient) Model() string { return gc.model }

// Generate sends prompt to the model once at temperature 0 and returns the
// text of the first candidate. Every failure is a GenerationFailure.
func (gc *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	tracer := otel.Tracer("gemini-client")
	ctx, span := tracer.Start(ctx, "gemini.generate_content")
	defer span.End()

	// Estimate tokens BEFORE making request
	estimatedTokens := estimateTokens(prompt)
	span.SetAttributes(
		attribute.Int("gemini.estimated_tokens", estimatedTokens),
		attribute.String("gemini.model", gc.model),
	)

	if !gc.tokenCounter.CanConsume(estimatedTokens, 1) {
		span.SetAttributes(attribute.Bool("gemini.rate_limited", true))
		return "", apperrors.New(apperrors.GenerationFailure, "model rate limit reached for tier %q, retry later", gc.tier)
	}

	if err := gc.rateLimiter.Wait(ctx); err != nil {
		span.SetAttributes(attribute.Bool("gemini.rate_limited", true))
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperrors.Wrap(apperrors.GenerationFailure, err, "rate limiter")
	}

	result, err := gc.breaker.Execute(func() (interface{}, error) {
		resp, err := gc.generate(ctx, prompt)
		if err != nil {
			span.SetAttributes(attribute.Bool("gemini.error", true))
			span.SetAttributes(attribute.String("gemini.error_message", err.Error()))
			return nil, err
		}

		// Get ACTUAL token usage from response
		actualTokens := extractTokenUsage(resp)
		gc.tokenCounter.RecordUsage(actualTokens, 1)
		if gc.metrics != nil {
			gc.metrics.RecordTokensUsed(ctx, int64(actualTokens), gc.model)
		}

		span.SetAttributes(
			attribute.Int("gemini.actual_tokens", actualTokens),
			attribute.Float64("gemini.token_accuracy", float64(actualTokens)/float64(max(estimatedTokens, 1))),
		)
		return resp, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			span.SetAttributes(attribute.Bool("gemini.circuit_breaker_open", true))
			return "", apperrors.Wrap(apperrors.GenerationFailure, err, "model temporarily unavailable")
		}
		return "", apperrors.Wrap(apperrors.GenerationFailure, err, "model call failed")
	}

	text, err := responseText(result.(*genai.GenerateContentResponse))
	if err != nil {
		return "", apperrors.Wrap(apperrors.GenerationFailure, err, "unusable model response")
	}
	span.SetAttributes(attribute.Bool("gemini.success", true))
	gc.logger.Debug("model response received", "model", gc.model, "chars", len(text))
	return text, nil
}

// responseText joins the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return "", fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason.String())
		}
		return "", errors.New("no candidates returned")
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return "", fmt.Errorf("empty candidate (finish reason %s)", cand.FinishReason.String())
	}
	var b strings.Builder
	for _, part := range cand.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("candidate has no text (finish reason %s)", cand.FinishReason.String())
	}
	return b.String(), nil
}

func (tc *TokenCounter) CanConsume(tokens, requests int) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	now := time.Now()

	// Reset counters if time windows expired
	if now.Sub(tc.lastMinuteReset) >= time.Minute {
		tc.minuteTokens = 0
		tc.minuteRequests = 0
		tc.lastMinuteReset = now
	}

	if now.Sub(tc.lastDayReset) >= 24*time.Hour {
		tc.dailyTokens = 0
		tc.dailyRequests = 0
		tc.lastDayReset = now
	}

	if tc.minuteRequests+requests > tc.limits.RPM {
		return false
	}
	if tc.minuteTokens+tokens > tc.limits.TPM {
		return false
	}
	if tc.dailyRequests+requests > tc.limits.RPD {
		return false
	}

	return true
}

func (tc *TokenCounter) RecordUsage(tokens, requests int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.minuteTokens += tokens
	tc.minuteRequests += requests
	tc.dailyTokens += tokens
	tc.dailyRequests += requests
}

// Rough estimation: 1 token ≈ 4 characters
func estimateTokens(prompt string) int {
	estimated := len(prompt) / 4
	if estimated < 1 {
		estimated = 1
	}
	return estimated
}

// Extract token usage from Gemini response
func extractTokenUsage(resp *genai.GenerateContentResponse) int {
	if resp.UsageMetadata != nil {
		return int(resp.UsageMetadata.TotalTokenCount)
	}

	total := 0
	for _, candidate := range resp.Candidates {
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if text, ok := part.(genai.Text); ok {
					total += len(text)
				}
			}
		}
	}
	return max(total/4, 1)
}

// Close the client
func (gc *GeminiClient) Close() error {
	if gc.client != nil {
		return gc.client.Close()
	}
	return nil
}
