package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"
)

// LLMModelName is the vision model to run a task against.
type LLMModelName int32

const (
	Pro25 LLMModelName = iota
	Flash25
	FlashLite25
	Flash20
)

func (t LLMModelName) String() string {
	switch t {
	case Pro25:
		return "gemini-2.5-pro"
	case Flash25:
		return "gemini-2.5-flash"
	case FlashLite25:
		return "gemini-2.5-flash-lite-preview-06-17"
	case Flash20:
		return "gemini-2.0-flash"
	default:
		return "gemini-2.0-flash"
	}
}

// VisionTask selects which prompt pair the client sends with the image.
type VisionTask int32

const (
	TaskOutfitAnalysis VisionTask = iota
	TaskItemExtraction
)

// Transient vs. permanent model failures. Only transient ones are retried.
var (
	ErrModelUnavailable = errors.New("vision model unavailable")
	ErrModelTimeout     = errors.New("vision model timed out")
	ErrModelRejected    = errors.New("vision model rejected the request")
)

type LLMResponse struct {
	Response           string `json:"response"`
	Thoughts           string `json:"thoughts"`
	InputTokenCount    int32  `json:"input_token_count"`
	ThoughtsTokenCount int32  `json:"thoughts_token_count"`
	OutputTokenCount   int32  `json:"output_token_count"`
	TotalTokenCount    int32  `json:"total_token_count"`
	IsTest             bool   `json:"is_test"`
}

// VisionProcessor is the single seam the pipeline uses to talk to the vision
// model, so tests can swap in a canned implementation.
type VisionProcessor interface {
	AnalyzeImage(ctx context.Context, task VisionTask, imageURL string, promptContext string, modelName LLMModelName) (*LLMResponse, error)
}

// RetryPolicy controls how AnalyzeImageWithRetry spaces attempts. Delays grow
// exponentially from BaseDelay up to MaxDelay with up to 20% random jitter.
// CallTimeout bounds every individual model call so a hung attempt can never
// block a worker slot.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		CallTimeout: 90 * time.Second,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}

// IsRetryableModelError reports whether the failure is worth another attempt.
// Rejections (safety blocks, bad requests) never are.
func IsRetryableModelError(err error) bool {
	return errors.Is(err, ErrModelUnavailable) || errors.Is(err, ErrModelTimeout)
}

// AnalyzeImageWithRetry drives the processor under the policy. It returns the
// last error once attempts are exhausted or the error is permanent.
func AnalyzeImageWithRetry(ctx context.Context, processor VisionProcessor, policy RetryPolicy, task VisionTask, imageURL string, promptContext string, modelName LLMModelName) (*LLMResponse, error) {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(policy.delay(attempt - 1)):
			}
		}
		attemptCtx := ctx
		cancel := func() {}
		if policy.CallTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.CallTimeout)
		}
		response, err := processor.AnalyzeImage(attemptCtx, task, imageURL, promptContext, modelName)
		cancel()
		if err == nil {
			return response, nil
		}
		lastErr = err
		fmt.Printf("Vision call attempt %d/%d failed: %v\n", attempt+1, policy.MaxAttempts, err)
		if !IsRetryableModelError(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

const outfitAnalysisPrompt = `You are a professional fashion stylist reviewing a photo of a worn outfit.
Respond with a single JSON object, no prose, using this schema:
{
  "overall_score": number (0-100),
  "style_category": string,
  "style_score": number (0-100),
  "fit_score": number (0-100),
  "color_score": number (0-100),
  "occasion_score": number (0-100),
  "sub_scores": {"color_harmony": number, "fit_technical": number, "style_coherence": number, "occasion_match": number, "proportion_balance": number, "layering_logic": number, "accessory_balance": number},
  "feedback": {"strengths": [string], "improvements": [string], "alignment_note": string},
  "detected_garments": [{"id": string, "category": string, "attributes": {"color": string, "pattern": string, "material": string, "fit": string, "length": string, "sleeve_length": string, "neckline": string, "waistline": string, "hem_treatment": string, "layer_order": string}, "attribute_confidence": {attribute: number 0-1}}],
  "assessment": {"proportions": string, "layering": string, "color_palette": string, "formality": string},
  "adjustments": {"minor": [string], "closet_suggestions": [string], "new_item_suggestions": [string]},
  "confidence_flags": [string],
  "completeness": number (0-100)
}
Omit garment attributes you cannot see. Report honest confidences.`

const itemExtractionPrompt = `You are cataloguing garments from a photo for a digital closet.
Identify each distinct clothing item. Respond with a single JSON object, no prose:
{
  "items": [{"id": string, "category": string, "attributes": {"color": string, "pattern": string, "material": string}, "bounding_box": {"x": number, "y": number, "width": number, "height": number}, "closet_suitability": number (0-1)}]
}
Bounding box coordinates must be normalized to the 0-1 range relative to the image.
closet_suitability reflects how usable the crop is as a standalone closet photo.`

func promptForTask(task VisionTask, promptContext string) string {
	base := outfitAnalysisPrompt
	if task == TaskItemExtraction {
		base = itemExtractionPrompt
	}
	if promptContext != "" {
		return base + "\nUser context: " + promptContext
	}
	return base
}

// GoogleVisionProcessor sends the image inline to the Gemini API.
type GoogleVisionProcessor struct{}

func (GoogleVisionProcessor) AnalyzeImage(ctx context.Context, task VisionTask, imageURL string, promptContext string, modelName LLMModelName) (*LLMResponse, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  os.Getenv("GOOGLE_API_KEY"),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	imageBytes, err := ReadFileFromUrl(imageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching image: %v", ErrModelUnavailable, err)
	}
	mimeType := http.DetectContentType(imageBytes)
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("%w: unsupported content type %s", ErrModelRejected, mimeType)
	}

	parts := []*genai.Part{
		{InlineData: &genai.Blob{MIMEType: mimeType, Data: imageBytes}},
		{Text: promptForTask(task, promptContext)},
	}

	result, err := client.Models.GenerateContent(ctx, modelName.String(), []*genai.Content{{Parts: parts}}, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		CandidateCount:   1,
		MaxOutputTokens:  50000,
		Temperature:      floatPointer(0.4),
	})
	if err != nil {
		fmt.Println("Error in GenerateContent:", err)
		return nil, classifyModelError(err)
	}

	if result.PromptFeedback != nil {
		fmt.Println(result.PromptFeedback.BlockReason)
		fmt.Println(result.PromptFeedback.BlockReasonMessage)
		return nil, fmt.Errorf("%w: %s", ErrModelRejected, result.PromptFeedback.BlockReasonMessage)
	}

	for _, c := range result.Candidates {
		for _, rating := range c.SafetyRatings {
			if rating.Blocked {
				return nil, fmt.Errorf("%w: content violation %s", ErrModelRejected, rating.Category)
			}
		}
	}

	var inputTokenCount, thoughtsTokenCount, outputTokenCount, totalTokenCount int32
	if result.UsageMetadata != nil {
		inputTokenCount = result.UsageMetadata.PromptTokenCount
		thoughtsTokenCount = result.UsageMetadata.ThoughtsTokenCount
		outputTokenCount = result.UsageMetadata.CandidatesTokenCount
		totalTokenCount = result.UsageMetadata.TotalTokenCount
	}
	fmt.Println("Input token count:", inputTokenCount)
	fmt.Println("Output token count:", outputTokenCount)
	fmt.Println("Total token count:", totalTokenCount)

	return &LLMResponse{
		Response:           result.Text(),
		InputTokenCount:    inputTokenCount,
		ThoughtsTokenCount: thoughtsTokenCount,
		OutputTokenCount:   outputTokenCount,
		TotalTokenCount:    totalTokenCount,
		IsTest:             false,
	}, nil
}

// classifyModelError maps transport-level failures into the sentinel set so
// the retry loop can tell transient from permanent.
func classifyModelError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrModelTimeout, err)
	}
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "deadline") || strings.Contains(message, "timeout"):
		return fmt.Errorf("%w: %v", ErrModelTimeout, err)
	case strings.Contains(message, "unavailable") || strings.Contains(message, "503") ||
		strings.Contains(message, "500") || strings.Contains(message, "429") ||
		strings.Contains(message, "overloaded") || strings.Contains(message, "resource exhausted"):
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrModelRejected, err)
	}
}

func floatPointer(f float32) *float32 {
	return &f
}

func Int32Pointer(i int32) *int32 {
	return &i
}
