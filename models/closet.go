package models

import "github.com/lib/pq"

type ItemCondition string

const (
	ConditionExcellent ItemCondition = "excellent"
	ConditionGood      ItemCondition = "good"
	ConditionFair      ItemCondition = "fair"
	ConditionPoor      ItemCondition = "poor"
)

type ItemSource string

const (
	SourceManual          ItemSource = "manual"
	SourcePhotoDetection  ItemSource = "photo_detection"
	SourcePhotoExtraction ItemSource = "photo_extraction"
)

// ClosetItem is a durable catalogue entry representing a real garment the
// user owns. Lives until the owner deletes it.
type ClosetItem struct {
	JsonModel
	Owner   UserAccount `json:"-"`
	OwnerID uint        `json:"-"`

	Category    string  `json:"category"`
	Subcategory *string `json:"subcategory"`
	Color       *string `json:"color"`
	Pattern     *string `json:"pattern"`
	Material    *string `json:"material"`
	Brand       *string `json:"brand"`
	Size        *string `json:"size"`

	StyleTags      pq.StringArray `gorm:"type:text[]" json:"style_tags"`
	SeasonTags     pq.StringArray `gorm:"type:text[]" json:"season_tags"`
	FormalityLevel *int           `json:"formality_level"` // 0-100

	Condition ItemCondition `sql:"type:ENUM('excellent', 'good', 'fair', 'poor')" json:"condition"`
	Source    ItemSource    `sql:"type:ENUM('manual', 'photo_detection', 'photo_extraction')" json:"source"`

	SourceAnalysisID    *uint    `json:"source_analysis_id"`
	DetectionConfidence *float64 `json:"detection_confidence"` // 0-1

	// file **keys** in storage
	ImageRefs pq.StringArray `gorm:"type:text[]" json:"image_refs"`
}

// ClosetMatchLink joins a detection to a closet item. Links are created
// speculatively by the matching engine and mutated, never deleted, as the
// user confirms or rejects. The active link for a detection is the
// highest-confidence row with user_rejected = false - always resolved via
// services.ActiveMatchFor, never by insertion order.
type ClosetMatchLink struct {
	JsonModel
	DetectionID uint             `gorm:"index" json:"detection_id"`
	Detection   GarmentDetection `json:"-"`

	ClosetItemID uint       `json:"closet_item_id"`
	ClosetItem   ClosetItem `json:"closet_item"`

	MatchConfidence float64 `json:"match_confidence"` // 0-1
	UserConfirmed   bool    `gorm:"default:false" json:"user_confirmed"`
	UserRejected    bool    `gorm:"default:false" json:"user_rejected"`
}
