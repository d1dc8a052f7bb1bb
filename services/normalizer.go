package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoStructuredPayload means no JSON object could be located in the model
// reply at all.
var ErrNoStructuredPayload = errors.New("no structured payload found in model response")

// FlagParsingFailed marks the deterministic fallback analysis produced when
// the model reply could not be parsed.
const FlagParsingFailed = "parsing_failed"

// FlagLegacySchema marks analyses upgraded from the pre-sub-score prompt shape.
const FlagLegacySchema = "legacy_schema"

const (
	completenessFallback        = 10
	completenessLegacy          = 60
	completenessClinicalPartial = 85
)

// shapeProbe only checks which fields are present so we can branch between
// the clinical and legacy payload shapes exactly once.
type shapeProbe struct {
	SubScores    json.RawMessage `json:"sub_scores"`
	Completeness *float64        `json:"completeness"`
}

type clinicalGarmentPayload struct {
	ID                  string             `json:"id"`
	Category            string             `json:"category"`
	Attributes          map[string]string  `json:"attributes"`
	AttributeConfidence map[string]float64 `json:"attribute_confidence"`
}

type clinicalPayload struct {
	OverallScore  float64 `json:"overall_score"`
	StyleCategory string  `json:"style_category"`
	StyleScore    float64 `json:"style_score"`
	FitScore      float64 `json:"fit_score"`
	ColorScore    float64 `json:"color_score"`
	OccasionScore float64 `json:"occasion_score"`

	SubScores map[string]float64 `json:"sub_scores"`

	Feedback         AnalysisFeedback         `json:"feedback"`
	DetectedGarments []clinicalGarmentPayload `json:"detected_garments"`
	Assessment       OutfitAssessment         `json:"assessment"`
	Adjustments      AnalysisAdjustments      `json:"adjustments"`

	ConfidenceFlags []string `json:"confidence_flags"`
	Completeness    *float64 `json:"completeness"`
}

type legacyItemPayload struct {
	Category      string `json:"category"`
	FitAssessment string `json:"fit_assessment"`
}

type legacyPayload struct {
	OverallScore  float64 `json:"overall_score"`
	StyleCategory string  `json:"style_category"`
	StyleScore    float64 `json:"style_score"`
	FitScore      float64 `json:"fit_score"`
	ColorScore    float64 `json:"color_score"`
	OccasionScore float64 `json:"occasion_score"`

	Feedback      AnalysisFeedback    `json:"feedback"`
	ItemsDetected []legacyItemPayload `json:"items_detected"`
}

// CleanModelResponseText strips the markdown code fences Gemini likes to wrap
// JSON replies in.
func CleanModelResponseText(text string) string {
	cleanContent := strings.ReplaceAll(text, "```json", "")
	cleanContent = strings.ReplaceAll(cleanContent, "```", "")
	return cleanContent
}

// ExtractJSONObject locates the first balanced top-level JSON object inside
// free-form model text. The models regularly prefix replies with prose
// ("Here is the result: {...}"), so a plain Unmarshal of the whole body is
// never safe.
func ExtractJSONObject(raw string) (string, error) {
	start := strings.Index(raw, "{")
	if start < 0 {
		return "", ErrNoStructuredPayload
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], nil
			}
		}
	}
	return "", ErrNoStructuredPayload
}

// FallbackAnalysis is the deterministic degraded result used when the model
// reply cannot be parsed. Outfit scoring is best-effort: the app prefers a
// visibly low-confidence result over aborting the user flow.
func FallbackAnalysis() *CanonicalAnalysis {
	subScores := make(map[string]float64, len(SubScoreKeys))
	for _, key := range SubScoreKeys {
		subScores[key] = NeutralScore
	}
	return &CanonicalAnalysis{
		OverallScore:  NeutralScore,
		StyleCategory: "unclassified",
		StyleScore:    NeutralScore,
		FitScore:      NeutralScore,
		ColorScore:    NeutralScore,
		OccasionScore: NeutralScore,
		SubScores:     subScores,
		Feedback: AnalysisFeedback{
			Strengths:    []string{},
			Improvements: []string{},
		},
		DetectedGarments: []CanonicalGarment{
			{
				DetectionKey: "garment-1",
				Category:     "unknown",
				Attributes:   map[string]string{},
				Confidence:   map[string]float64{},
			},
		},
		Adjustments: AnalysisAdjustments{
			Minor:              []string{},
			ClosetSuggestions:  []string{},
			NewItemSuggestions: []string{},
		},
		ConfidenceFlags: []string{FlagParsingFailed},
		Completeness:    completenessFallback,
	}
}

// NormalizeAnalysis converts a raw model reply into the canonical analysis.
// It never fails: any parse problem degrades into FallbackAnalysis.
func NormalizeAnalysis(raw string) *CanonicalAnalysis {
	body, err := ExtractJSONObject(CleanModelResponseText(raw))
	if err != nil {
		return FallbackAnalysis()
	}

	var probe shapeProbe
	if err := json.Unmarshal([]byte(body), &probe); err != nil {
		return FallbackAnalysis()
	}

	if probe.SubScores != nil {
		return normalizeClinical(body)
	}
	return normalizeLegacy(body)
}

func normalizeClinical(body string) *CanonicalAnalysis {
	var payload clinicalPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return FallbackAnalysis()
	}

	defaulted := false

	subScores := make(map[string]float64, len(SubScoreKeys))
	for _, key := range SubScoreKeys {
		if v, ok := payload.SubScores[key]; ok {
			subScores[key] = ClampScore(v)
		} else {
			subScores[key] = NeutralScore
			defaulted = true
		}
	}

	garments := make([]CanonicalGarment, 0, len(payload.DetectedGarments))
	for i, g := range payload.DetectedGarments {
		key := g.ID
		if key == "" {
			key = fmt.Sprintf("garment-%d", i+1)
		}
		attrs := g.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		confidence := make(map[string]float64, len(g.AttributeConfidence))
		for name, v := range g.AttributeConfidence {
			confidence[name] = ClampConfidence(v)
		}
		garments = append(garments, CanonicalGarment{
			DetectionKey: key,
			Category:     g.Category,
			Attributes:   attrs,
			Confidence:   confidence,
		})
	}

	// Full completeness only when nothing had to be synthesized: missing
	// feedback arrays, flags or adjustments count as defaults just like
	// missing sub-score slots do.
	feedback := payload.Feedback
	if feedback.Strengths == nil {
		feedback.Strengths = []string{}
		defaulted = true
	}
	if feedback.Improvements == nil {
		feedback.Improvements = []string{}
		defaulted = true
	}

	adjustments := payload.Adjustments
	if adjustments.Minor == nil {
		adjustments.Minor = []string{}
		defaulted = true
	}
	if adjustments.ClosetSuggestions == nil {
		adjustments.ClosetSuggestions = []string{}
		defaulted = true
	}
	if adjustments.NewItemSuggestions == nil {
		adjustments.NewItemSuggestions = []string{}
		defaulted = true
	}

	flags := payload.ConfidenceFlags
	if flags == nil {
		flags = []string{}
		defaulted = true
	}

	completeness := float64(100)
	switch {
	case payload.Completeness != nil:
		completeness = ClampScore(*payload.Completeness)
	case defaulted:
		completeness = completenessClinicalPartial
	}

	return &CanonicalAnalysis{
		OverallScore:     ClampScore(payload.OverallScore),
		StyleCategory:    payload.StyleCategory,
		StyleScore:       ClampScore(payload.StyleScore),
		FitScore:         ClampScore(payload.FitScore),
		ColorScore:       ClampScore(payload.ColorScore),
		OccasionScore:    ClampScore(payload.OccasionScore),
		SubScores:        subScores,
		Feedback:         feedback,
		DetectedGarments: garments,
		Assessment:       payload.Assessment,
		Adjustments:      adjustments,
		ConfidenceFlags:  flags,
		Completeness:     completeness,
	}
}

// normalizeLegacy upgrades the pre-sub-score shape: the four category scores
// are copied into their nearest sub-metric slots, the rest default to
// neutral, and the flat item list becomes proper detections carrying only
// the fit attribute with placeholder confidences.
func normalizeLegacy(body string) *CanonicalAnalysis {
	var payload legacyPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return FallbackAnalysis()
	}

	styleScore := ClampScore(payload.StyleScore)
	fitScore := ClampScore(payload.FitScore)
	colorScore := ClampScore(payload.ColorScore)
	occasionScore := ClampScore(payload.OccasionScore)

	subScores := map[string]float64{
		SubStyleCoherence:   styleScore,
		SubFitTechnical:     fitScore,
		SubColorHarmony:     colorScore,
		SubOccasionMatch:    occasionScore,
		SubProportion:       NeutralScore,
		SubLayering:         NeutralScore,
		SubAccessoryBalance: NeutralScore,
	}

	garments := make([]CanonicalGarment, 0, len(payload.ItemsDetected))
	for i, item := range payload.ItemsDetected {
		attrs := map[string]string{}
		confidence := map[string]float64{"category": 0.6}
		if item.FitAssessment != "" {
			attrs["fit"] = item.FitAssessment
			confidence["fit"] = 0.6
		}
		garments = append(garments, CanonicalGarment{
			DetectionKey: fmt.Sprintf("garment-%d", i+1),
			Category:     item.Category,
			Attributes:   attrs,
			Confidence:   confidence,
		})
	}

	return &CanonicalAnalysis{
		OverallScore:     ClampScore(payload.OverallScore),
		StyleCategory:    payload.StyleCategory,
		StyleScore:       styleScore,
		FitScore:         fitScore,
		ColorScore:       colorScore,
		OccasionScore:    occasionScore,
		SubScores:        subScores,
		Feedback:         normalizeFeedback(payload.Feedback),
		DetectedGarments: garments,
		Assessment:       OutfitAssessment{},
		Adjustments: AnalysisAdjustments{
			Minor:              []string{},
			ClosetSuggestions:  []string{},
			NewItemSuggestions: []string{},
		},
		ConfidenceFlags: []string{FlagLegacySchema},
		Completeness:    completenessLegacy,
	}
}

func normalizeFeedback(f AnalysisFeedback) AnalysisFeedback {
	if f.Strengths == nil {
		f.Strengths = []string{}
	}
	if f.Improvements == nil {
		f.Improvements = []string{}
	}
	return f
}

type extractionBoxPayload struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type extractionItemPayload struct {
	ID                string               `json:"id"`
	Category          string               `json:"category"`
	Attributes        map[string]string    `json:"attributes"`
	BoundingBox       extractionBoxPayload `json:"bounding_box"`
	ClosetSuitability float64              `json:"closet_suitability"`
}

type extractionPayload struct {
	Items []extractionItemPayload `json:"items"`
}

// NormalizeExtraction parses the item-isolation reply. Unlike outfit scoring
// there is no meaningful degraded result to show, so a missing payload is a
// hard error and the run is marked failed.
func NormalizeExtraction(raw string) ([]CanonicalExtractedItem, error) {
	body, err := ExtractJSONObject(CleanModelResponseText(raw))
	if err != nil {
		return nil, err
	}
	var payload extractionPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoStructuredPayload, err)
	}

	items := make([]CanonicalExtractedItem, 0, len(payload.Items))
	for i, item := range payload.Items {
		key := item.ID
		if key == "" {
			key = fmt.Sprintf("item-%d", i+1)
		}
		attrs := item.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		box := item.BoundingBox
		// Models answer in either percentages or 0-1 normalized coordinates;
		// when every coordinate is <= 1 the box is already normalized.
		if box.X > 1 || box.Y > 1 || box.Width > 1 || box.Height > 1 {
			box.X /= 100
			box.Y /= 100
			box.Width /= 100
			box.Height /= 100
		}
		items = append(items, CanonicalExtractedItem{
			ItemKey:           key,
			Category:          item.Category,
			Attributes:        attrs,
			BoxX:              ClampConfidence(box.X),
			BoxY:              ClampConfidence(box.Y),
			BoxWidth:          ClampConfidence(box.Width),
			BoxHeight:         ClampConfidence(box.Height),
			ClosetSuitability: ClampConfidence(item.ClosetSuitability),
		})
	}
	return items, nil
}
