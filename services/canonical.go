package services

// The seven sub-metrics every analysis carries after normalization. Older
// model prompts did not emit them; the normalizer synthesizes the mapping so
// nothing downstream ever branches on payload shape again.
const (
	SubColorHarmony     = "color_harmony"
	SubFitTechnical     = "fit_technical"
	SubStyleCoherence   = "style_coherence"
	SubOccasionMatch    = "occasion_match"
	SubProportion       = "proportion_balance"
	SubLayering         = "layering_logic"
	SubAccessoryBalance = "accessory_balance"
)

var SubScoreKeys = []string{
	SubColorHarmony,
	SubFitTechnical,
	SubStyleCoherence,
	SubOccasionMatch,
	SubProportion,
	SubLayering,
	SubAccessoryBalance,
}

// NeutralScore is the value used wherever the model gave us nothing to work
// with; it reads as "fine, unremarkable" in the app.
const NeutralScore = 70

type AnalysisFeedback struct {
	Strengths     []string `json:"strengths"`
	Improvements  []string `json:"improvements"`
	AlignmentNote string   `json:"alignment_note"`
}

type OutfitAssessment struct {
	Proportions  string `json:"proportions"`
	Layering     string `json:"layering"`
	ColorPalette string `json:"color_palette"`
	Formality    string `json:"formality"`
}

type AnalysisAdjustments struct {
	Minor              []string `json:"minor"`
	ClosetSuggestions  []string `json:"closet_suggestions"`
	NewItemSuggestions []string `json:"new_item_suggestions"`
}

type CanonicalGarment struct {
	DetectionKey string `json:"detection_key"`
	Category     string `json:"category"`
	// color, pattern, material, fit, length, sleeve_length, neckline,
	// waistline, hem_treatment, layer_order
	Attributes map[string]string `json:"attributes"`
	// attribute name -> [0,1]
	Confidence map[string]float64 `json:"confidence"`
}

// CanonicalAnalysis is the single normalized shape every model reply is
// converted into before persistence.
type CanonicalAnalysis struct {
	OverallScore  float64 `json:"overall_score"`
	StyleCategory string  `json:"style_category"`
	StyleScore    float64 `json:"style_score"`
	FitScore      float64 `json:"fit_score"`
	ColorScore    float64 `json:"color_score"`
	OccasionScore float64 `json:"occasion_score"`

	SubScores map[string]float64 `json:"sub_scores"`

	Feedback         AnalysisFeedback    `json:"feedback"`
	DetectedGarments []CanonicalGarment  `json:"detected_garments"`
	Assessment       OutfitAssessment    `json:"assessment"`
	Adjustments      AnalysisAdjustments `json:"adjustments"`

	ConfidenceFlags []string `json:"confidence_flags"`
	Completeness    float64  `json:"completeness"`
}

// CanonicalExtractedItem is one isolated garment from the extraction flow.
// Box coordinates are always normalized to [0,1].
type CanonicalExtractedItem struct {
	ItemKey  string `json:"item_key"`
	Category string `json:"category"`

	Attributes map[string]string `json:"attributes"`

	BoxX      float64 `json:"box_x"`
	BoxY      float64 `json:"box_y"`
	BoxWidth  float64 `json:"box_width"`
	BoxHeight float64 `json:"box_height"`

	ClosetSuitability float64 `json:"closet_suitability"`
}

func ClampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func ClampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
