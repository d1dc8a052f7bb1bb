package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"styloapi/models"
)

// Match scoring weights. Category agreement is the entry ticket; the three
// attribute bonuses push a plausible candidate over the proposal threshold.
const (
	matchBaseCategory  = 0.45
	matchBonusColor    = 0.25
	matchBonusPattern  = 0.15
	matchBonusMaterial = 0.15

	// MatchThreshold is the minimum score at which a link is proposed.
	MatchThreshold = 0.5
)

var (
	ErrNoMatchCandidate   = errors.New("no closet item matches the detection")
	ErrAlreadyCatalogued  = errors.New("detection already catalogued to a closet item")
	ErrAlreadyConfirmed   = errors.New("match already confirmed")
	ErrAlreadyRejected    = errors.New("match already rejected")
	ErrDetectionNotFound  = errors.New("detection not found")
	ErrClosetItemNotFound = errors.New("closet item not found")
)

func attrEqual(a *string, b *string) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(*a), strings.TrimSpace(*b))
}

// ScoreCandidate rates how likely a detection and a closet item describe the
// same physical garment. Zero when categories disagree.
func ScoreCandidate(detection *models.GarmentDetection, item *models.ClosetItem) float64 {
	if !strings.EqualFold(strings.TrimSpace(detection.Category), strings.TrimSpace(item.Category)) {
		return 0
	}
	score := matchBaseCategory
	if attrEqual(detection.Color, item.Color) {
		score += matchBonusColor
	}
	if attrEqual(detection.Pattern, item.Pattern) {
		score += matchBonusPattern
	}
	if attrEqual(detection.Material, item.Material) {
		score += matchBonusMaterial
	}
	return ClampConfidence(score)
}

// DetectionConfidence collapses the per-attribute confidence map into a single
// number for the catalogued item. An empty map reads as "model was unsure".
func DetectionConfidence(detection *models.GarmentDetection) float64 {
	if detection.ConfidenceJSON == nil {
		return 0.5
	}
	var confidence map[string]float64
	if err := json.Unmarshal([]byte(*detection.ConfidenceJSON), &confidence); err != nil || len(confidence) == 0 {
		return 0.5
	}
	var sum float64
	for _, v := range confidence {
		sum += ClampConfidence(v)
	}
	return sum / float64(len(confidence))
}

// ProposeMatch scans the owner's closet for the best candidate above the
// threshold and records a speculative link. Items the user already rejected
// for this detection are never re-proposed.
func ProposeMatch(db *gorm.DB, ownerId uint, detection *models.GarmentDetection) (*models.ClosetMatchLink, error) {
	var items []models.ClosetItem
	if err := db.Where("owner_id = ?", ownerId).Find(&items).Error; err != nil {
		return nil, err
	}

	rejected := map[uint]bool{}
	var rejectedLinks []models.ClosetMatchLink
	if err := db.Where("detection_id = ? AND user_rejected = true", detection.ID).Find(&rejectedLinks).Error; err != nil {
		return nil, err
	}
	for _, link := range rejectedLinks {
		rejected[link.ClosetItemID] = true
	}

	var best *models.ClosetItem
	var bestScore float64
	for i := range items {
		if rejected[items[i].ID] {
			continue
		}
		score := ScoreCandidate(detection, &items[i])
		if score > bestScore {
			best = &items[i]
			bestScore = score
		}
	}
	if best == nil || bestScore < MatchThreshold {
		return nil, ErrNoMatchCandidate
	}

	link := models.ClosetMatchLink{
		DetectionID:     detection.ID,
		ClosetItemID:    best.ID,
		MatchConfidence: bestScore,
	}
	if err := db.Create(&link).Error; err != nil {
		return nil, err
	}
	link.ClosetItem = *best
	return &link, nil
}

// ActiveMatchFor resolves the one link the app should show for a detection:
// the highest-confidence non-rejected row, nil when nothing qualifies.
func ActiveMatchFor(db *gorm.DB, detectionId uint) (*models.ClosetMatchLink, error) {
	var link models.ClosetMatchLink
	// confirmed links break confidence ties (a catalogue back-link and a
	// perfect-score proposal both sit at 1.0), id keeps the rest deterministic
	err := db.Preload("ClosetItem").
		Where("detection_id = ? AND user_rejected = false", detectionId).
		Order("match_confidence desc, user_confirmed desc, id asc").
		First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// bestLinkFor prefers non-rejected links, then highest confidence, so a
// confirm after rejecting everything revives the most plausible candidate.
func bestLinkFor(db *gorm.DB, detectionId uint) (*models.ClosetMatchLink, error) {
	var link models.ClosetMatchLink
	err := db.Preload("ClosetItem").
		Where("detection_id = ?", detectionId).
		Order("user_rejected asc, match_confidence desc, user_confirmed desc, id asc").
		First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// ConfirmMatch marks the best link confirmed. The flags are mutually
// exclusive: confirming a previously rejected detection clears the rejection,
// but confirming twice is a conflict, never a silent no-op.
func ConfirmMatch(db *gorm.DB, detectionId uint) (*models.ClosetMatchLink, error) {
	link, err := bestLinkFor(db, detectionId)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, ErrNoMatchCandidate
	}
	if link.UserConfirmed {
		return nil, ErrAlreadyConfirmed
	}
	link.UserConfirmed = true
	link.UserRejected = false
	if err := db.Model(link).Updates(map[string]interface{}{"user_confirmed": true, "user_rejected": false}).Error; err != nil {
		return nil, err
	}
	return link, nil
}

// RejectMatch marks the best link rejected, dropping it from the active slot.
// A later ProposeMatch may surface the next-best candidate.
func RejectMatch(db *gorm.DB, detectionId uint) (*models.ClosetMatchLink, error) {
	link, err := bestLinkFor(db, detectionId)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, ErrNoMatchCandidate
	}
	if link.UserRejected {
		return nil, ErrAlreadyRejected
	}
	link.UserRejected = true
	link.UserConfirmed = false
	if err := db.Model(link).Updates(map[string]interface{}{"user_rejected": true, "user_confirmed": false}).Error; err != nil {
		return nil, err
	}
	return link, nil
}

// CatalogueDetection turns a detection into a permanent closet item. Item
// creation and the confirmed back-link commit atomically so a crash can
// never leave a catalogued item without its provenance link.
func CatalogueDetection(db *gorm.DB, ownerId uint, detection *models.GarmentDetection) (*models.ClosetItem, error) {
	existing, err := ActiveMatchFor(db, detection.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.UserConfirmed {
		return nil, ErrAlreadyCatalogued
	}

	item := models.ClosetItem{
		OwnerID:             ownerId,
		Category:            detection.Category,
		Color:               detection.Color,
		Pattern:             detection.Pattern,
		Material:            detection.Material,
		Condition:           models.ConditionGood,
		Source:              models.SourcePhotoDetection,
		SourceAnalysisID:    &detection.AnalysisID,
		DetectionConfidence: Float64Pointer(DetectionConfidence(detection)),
		StyleTags:           pq.StringArray{},
		SeasonTags:          pq.StringArray{},
		ImageRefs:           pq.StringArray{},
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&item).Error; err != nil {
			return err
		}
		link := models.ClosetMatchLink{
			DetectionID:     detection.ID,
			ClosetItemID:    item.ID,
			MatchConfidence: 1,
			UserConfirmed:   true,
		}
		return tx.Create(&link).Error
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// DetectionCatalogueResult is the per-detection outcome of a batch catalogue.
type DetectionCatalogueResult struct {
	DetectionID uint               `json:"detection_id"`
	ClosetItem  *models.ClosetItem `json:"closet_item"`
	Error       string             `json:"error,omitempty"`
}

// CatalogueDetections processes a batch independently: one failed detection
// never rolls back the others.
func CatalogueDetections(db *gorm.DB, ownerId uint, analysisId uint, detectionIds []uint) []DetectionCatalogueResult {
	results := make([]DetectionCatalogueResult, 0, len(detectionIds))
	for _, detectionId := range detectionIds {
		result := DetectionCatalogueResult{DetectionID: detectionId}

		var detection models.GarmentDetection
		err := db.Where("id = ? AND analysis_id = ?", detectionId, analysisId).First(&detection).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result.Error = ErrDetectionNotFound.Error()
			results = append(results, result)
			continue
		}
		if err != nil {
			result.Error = err.Error()
			results = append(results, result)
			continue
		}

		item, err := CatalogueDetection(db, ownerId, &detection)
		if err != nil {
			fmt.Printf("[Analysis: %d] catalogue detection %d failed: %v\n", analysisId, detectionId, err)
			result.Error = err.Error()
		} else {
			result.ClosetItem = item
		}
		results = append(results, result)
	}
	return results
}
