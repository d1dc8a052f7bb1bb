package models

import "github.com/lib/pq"

// OutfitAnalysis is the primary record of one vision pipeline run.
// Created "pending" by the API, mutated only by the worker until it reaches
// a terminal status; the canonical payload columns are written exactly once.
type OutfitAnalysis struct {
	JsonModel
	Owner   UserAccount `json:"-"`
	OwnerID uint        `json:"-"`

	// file **key** of the source photo in storage
	ImageRef        string         `json:"image_ref"`
	PreferenceHints pq.StringArray `gorm:"type:text[]" json:"preference_hints"`

	Status              string  `json:"status"` // pending, processing, completed, failed
	ProcessRetryTimes   int     `json:"process_retry_times"`
	ProcessErrorMessage *string `json:"process_error_message"`

	OverallScore  float64 `json:"overall_score"`
	StyleCategory string  `json:"style_category"`
	StyleScore    float64 `json:"style_score"`
	FitScore      float64 `json:"fit_score"`
	ColorScore    float64 `json:"color_score"`
	OccasionScore float64 `json:"occasion_score"`

	SubScoresJSON   *string `gorm:"type:text" json:"sub_scores_json"`
	FeedbackJSON    *string `gorm:"type:text" json:"feedback_json"`
	AssessmentJSON  *string `gorm:"type:text" json:"assessment_json"`
	AdjustmentsJSON *string `gorm:"type:text" json:"adjustments_json"`

	ConfidenceFlags pq.StringArray `gorm:"type:text[]" json:"confidence_flags"`
	Completeness    float64        `json:"completeness"`

	LLMModel            *string `json:"llm_model"`
	LLMInputTokenCount  *int32  `json:"llm_input_token_count"`
	LLMOutputTokenCount *int32  `json:"llm_output_token_count"`
	LLMTotalTokenCount  *int32  `json:"llm_total_token_count"`
}

// GarmentDetection is one garment the model claims to have found.
// (analysis_id, detection_key) is unique so re-committing a run never
// duplicates detections.
type GarmentDetection struct {
	JsonModel
	AnalysisID   uint           `gorm:"uniqueIndex:idx_analysis_detection_key" json:"analysis_id"`
	Analysis     OutfitAnalysis `json:"-"`
	DetectionKey string         `gorm:"uniqueIndex:idx_analysis_detection_key" json:"detection_key"`

	Category     string  `json:"category"`
	Color        *string `json:"color"`
	Pattern      *string `json:"pattern"`
	Material     *string `json:"material"`
	Fit          *string `json:"fit"`
	Length       *string `json:"length"`
	SleeveLength *string `json:"sleeve_length"`
	Neckline     *string `json:"neckline"`
	Waistline    *string `json:"waistline"`
	HemTreatment *string `json:"hem_treatment"`
	LayerOrder   *int    `json:"layer_order"`

	// attribute name -> confidence in [0,1]
	ConfidenceJSON *string `gorm:"type:text" json:"confidence_json"`
}

// AnalysisScoreSummary is a queryable projection of the scores and feedback.
// The analysis row remains the source of truth; losing this row is non-fatal.
type AnalysisScoreSummary struct {
	JsonModel
	AnalysisID uint           `gorm:"index" json:"analysis_id"`
	Analysis   OutfitAnalysis `json:"-"`

	OverallScore  float64 `json:"overall_score"`
	StyleScore    float64 `json:"style_score"`
	FitScore      float64 `json:"fit_score"`
	ColorScore    float64 `json:"color_score"`
	OccasionScore float64 `json:"occasion_score"`

	Strengths     pq.StringArray `gorm:"type:text[]" json:"strengths"`
	Improvements  pq.StringArray `gorm:"type:text[]" json:"improvements"`
	AlignmentNote string         `gorm:"type:text" json:"alignment_note"`
}

type AnalysisAssessment struct {
	JsonModel
	AnalysisID uint           `gorm:"index" json:"analysis_id"`
	Analysis   OutfitAnalysis `json:"-"`

	Proportions  *string `gorm:"type:text" json:"proportions"`
	Layering     *string `gorm:"type:text" json:"layering"`
	ColorPalette *string `gorm:"type:text" json:"color_palette"`
	Formality    *string `gorm:"type:text" json:"formality"`
}

type AnalysisRecommendation struct {
	JsonModel
	AnalysisID uint           `gorm:"index" json:"analysis_id"`
	Analysis   OutfitAnalysis `json:"-"`

	Kind string `json:"kind"` // minor, closet, new_item
	Text string `gorm:"type:text" json:"text"`
}
