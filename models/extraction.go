package models

// ExtractionRun is one item-isolation pass over a photo: the model is asked
// to crop out individual garments instead of scoring a worn outfit.
type ExtractionRun struct {
	JsonModel
	Owner   UserAccount `json:"-"`
	OwnerID uint        `json:"-"`

	ImageRef string `json:"image_ref"`
	Mode     string `json:"mode"`   // outfit, individual_items
	Status   string `json:"status"` // pending, processing, completed, failed

	ProcessErrorMessage *string `json:"process_error_message"`

	LLMModel            *string `json:"llm_model"`
	LLMInputTokenCount  *int32  `json:"llm_input_token_count"`
	LLMOutputTokenCount *int32  `json:"llm_output_token_count"`
	LLMTotalTokenCount  *int32  `json:"llm_total_token_count"`
}

// ExtractedItem is one garment the model isolated within an extraction run.
// Bounding box coordinates are stored normalized to [0,1] regardless of the
// scale the model replied in.
type ExtractedItem struct {
	JsonModel
	RunID   uint          `gorm:"uniqueIndex:idx_run_item_key" json:"run_id"`
	Run     ExtractionRun `json:"-"`
	ItemKey string        `gorm:"uniqueIndex:idx_run_item_key" json:"item_key"`

	Category string  `json:"category"`
	Color    *string `json:"color"`
	Pattern  *string `json:"pattern"`
	Material *string `json:"material"`

	BoxX      float64 `json:"box_x"`
	BoxY      float64 `json:"box_y"`
	BoxWidth  float64 `json:"box_width"`
	BoxHeight float64 `json:"box_height"`

	ClosetSuitability float64 `json:"closet_suitability"` // 0-1

	Approved     bool  `gorm:"default:false" json:"approved"`
	ClosetItemID *uint `json:"closet_item_id"`
}
