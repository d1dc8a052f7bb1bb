package tasks

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"styloapi/models"
	"styloapi/services"
)

func marshalToStrPointer(v interface{}) *string {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return services.StrPointer(string(b))
}

func garmentAttr(attributes map[string]string, name string) *string {
	if v, ok := attributes[name]; ok && v != "" {
		return services.StrPointer(v)
	}
	return nil
}

func detectionFromGarment(analysisId uint, garment services.CanonicalGarment) models.GarmentDetection {
	detection := models.GarmentDetection{
		AnalysisID:   analysisId,
		DetectionKey: garment.DetectionKey,
		Category:     garment.Category,
		Color:        garmentAttr(garment.Attributes, "color"),
		Pattern:      garmentAttr(garment.Attributes, "pattern"),
		Material:     garmentAttr(garment.Attributes, "material"),
		Fit:          garmentAttr(garment.Attributes, "fit"),
		Length:       garmentAttr(garment.Attributes, "length"),
		SleeveLength: garmentAttr(garment.Attributes, "sleeve_length"),
		Neckline:     garmentAttr(garment.Attributes, "neckline"),
		Waistline:    garmentAttr(garment.Attributes, "waistline"),
		HemTreatment: garmentAttr(garment.Attributes, "hem_treatment"),
	}
	if raw, ok := garment.Attributes["layer_order"]; ok {
		if order, err := strconv.Atoi(raw); err == nil {
			detection.LayerOrder = &order
		}
	}
	if len(garment.Confidence) > 0 {
		detection.ConfidenceJSON = marshalToStrPointer(garment.Confidence)
	}
	return detection
}

// CommitAnalysis writes the canonical result to the database. The primary
// analysis row is the only fatal write; the satellite tables are queryable
// projections, so a failed satellite write logs and moves on rather than
// failing the whole run.
func CommitAnalysis(db *gorm.DB, analysis *models.OutfitAnalysis, canonical *services.CanonicalAnalysis, llmResponse *services.LLMResponse, modelString string) error {
	analysis.OverallScore = canonical.OverallScore
	analysis.StyleCategory = canonical.StyleCategory
	analysis.StyleScore = canonical.StyleScore
	analysis.FitScore = canonical.FitScore
	analysis.ColorScore = canonical.ColorScore
	analysis.OccasionScore = canonical.OccasionScore
	analysis.SubScoresJSON = marshalToStrPointer(canonical.SubScores)
	analysis.FeedbackJSON = marshalToStrPointer(canonical.Feedback)
	analysis.AssessmentJSON = marshalToStrPointer(canonical.Assessment)
	analysis.AdjustmentsJSON = marshalToStrPointer(canonical.Adjustments)
	analysis.ConfidenceFlags = pq.StringArray(canonical.ConfidenceFlags)
	analysis.Completeness = canonical.Completeness
	analysis.Status = "completed"
	analysis.ProcessErrorMessage = nil
	if llmResponse != nil {
		analysis.LLMModel = services.StrPointer(modelString)
		analysis.LLMInputTokenCount = &llmResponse.InputTokenCount
		analysis.LLMOutputTokenCount = &llmResponse.OutputTokenCount
		analysis.LLMTotalTokenCount = &llmResponse.TotalTokenCount
	}
	if tx := db.Save(analysis); tx.Error != nil {
		sentry.CaptureException(fmt.Errorf("[Analysis: %v] Error on saving analysis result: %v", analysis.ID, tx.Error))
		return tx.Error
	}

	summary := models.AnalysisScoreSummary{
		AnalysisID:    analysis.ID,
		OverallScore:  canonical.OverallScore,
		StyleScore:    canonical.StyleScore,
		FitScore:      canonical.FitScore,
		ColorScore:    canonical.ColorScore,
		OccasionScore: canonical.OccasionScore,
		Strengths:     pq.StringArray(canonical.Feedback.Strengths),
		Improvements:  pq.StringArray(canonical.Feedback.Improvements),
		AlignmentNote: canonical.Feedback.AlignmentNote,
	}
	if tx := db.Create(&summary); tx.Error != nil {
		fmt.Printf("[Analysis: %v] Error on saving score summary: %v\n", analysis.ID, tx.Error)
		sentry.CaptureException(fmt.Errorf("[Analysis: %v] Error on saving score summary: %v", analysis.ID, tx.Error))
	}

	// Re-commits after a retried task hit the (analysis_id, detection_key)
	// unique index and are silently skipped.
	for _, garment := range canonical.DetectedGarments {
		detection := detectionFromGarment(analysis.ID, garment)
		tx := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "analysis_id"}, {Name: "detection_key"}},
			DoNothing: true,
		}).Create(&detection)
		if tx.Error != nil {
			fmt.Printf("[Analysis: %v] Error on saving detection %s: %v\n", analysis.ID, garment.DetectionKey, tx.Error)
			sentry.CaptureException(fmt.Errorf("[Analysis: %v] Error on saving detection %s: %v", analysis.ID, garment.DetectionKey, tx.Error))
		}
	}

	assessment := models.AnalysisAssessment{
		AnalysisID:   analysis.ID,
		Proportions:  services.StrPointer(canonical.Assessment.Proportions),
		Layering:     services.StrPointer(canonical.Assessment.Layering),
		ColorPalette: services.StrPointer(canonical.Assessment.ColorPalette),
		Formality:    services.StrPointer(canonical.Assessment.Formality),
	}
	if tx := db.Create(&assessment); tx.Error != nil {
		fmt.Printf("[Analysis: %v] Error on saving assessment: %v\n", analysis.ID, tx.Error)
		sentry.CaptureException(fmt.Errorf("[Analysis: %v] Error on saving assessment: %v", analysis.ID, tx.Error))
	}

	var recommendations []models.AnalysisRecommendation
	for _, text := range canonical.Adjustments.Minor {
		recommendations = append(recommendations, models.AnalysisRecommendation{AnalysisID: analysis.ID, Kind: "minor", Text: text})
	}
	for _, text := range canonical.Adjustments.ClosetSuggestions {
		recommendations = append(recommendations, models.AnalysisRecommendation{AnalysisID: analysis.ID, Kind: "closet", Text: text})
	}
	for _, text := range canonical.Adjustments.NewItemSuggestions {
		recommendations = append(recommendations, models.AnalysisRecommendation{AnalysisID: analysis.ID, Kind: "new_item", Text: text})
	}
	if len(recommendations) > 0 {
		if tx := db.CreateInBatches(recommendations, 100); tx.Error != nil {
			fmt.Printf("[Analysis: %v] Error on saving recommendations: %v\n", analysis.ID, tx.Error)
			sentry.CaptureException(fmt.Errorf("[Analysis: %v] Error on saving recommendations: %v", analysis.ID, tx.Error))
		}
	}

	proposeMatchesForAnalysis(db, analysis)
	return nil
}

// proposeMatchesForAnalysis links fresh detections against the owner's closet.
// Best-effort: matching is a convenience layer on top of a completed analysis.
func proposeMatchesForAnalysis(db *gorm.DB, analysis *models.OutfitAnalysis) {
	var detections []models.GarmentDetection
	if tx := db.Where("analysis_id = ?", analysis.ID).Find(&detections); tx.Error != nil {
		fmt.Printf("[Analysis: %v] Error on loading detections for matching: %v\n", analysis.ID, tx.Error)
		return
	}
	for i := range detections {
		existing, err := services.ActiveMatchFor(db, detections[i].ID)
		if err != nil || existing != nil {
			continue
		}
		if _, err := services.ProposeMatch(db, analysis.OwnerID, &detections[i]); err != nil && err != services.ErrNoMatchCandidate {
			fmt.Printf("[Analysis: %v] Error on proposing match for detection %v: %v\n", analysis.ID, detections[i].ID, err)
		}
	}
}

// CommitExtraction stores the isolated items of a run. Idempotent via the
// (run_id, item_key) unique index.
func CommitExtraction(db *gorm.DB, run *models.ExtractionRun, items []services.CanonicalExtractedItem, llmResponse *services.LLMResponse, modelString string) error {
	for _, item := range items {
		row := models.ExtractedItem{
			RunID:             run.ID,
			ItemKey:           item.ItemKey,
			Category:          item.Category,
			Color:             garmentAttr(item.Attributes, "color"),
			Pattern:           garmentAttr(item.Attributes, "pattern"),
			Material:          garmentAttr(item.Attributes, "material"),
			BoxX:              item.BoxX,
			BoxY:              item.BoxY,
			BoxWidth:          item.BoxWidth,
			BoxHeight:         item.BoxHeight,
			ClosetSuitability: item.ClosetSuitability,
		}
		tx := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "item_key"}},
			DoNothing: true,
		}).Create(&row)
		if tx.Error != nil {
			sentry.CaptureException(fmt.Errorf("[Extraction: %v] Error on saving item %s: %v", run.ID, item.ItemKey, tx.Error))
			return tx.Error
		}
	}

	run.Status = "completed"
	run.ProcessErrorMessage = nil
	if llmResponse != nil {
		run.LLMModel = services.StrPointer(modelString)
		run.LLMInputTokenCount = &llmResponse.InputTokenCount
		run.LLMOutputTokenCount = &llmResponse.OutputTokenCount
		run.LLMTotalTokenCount = &llmResponse.TotalTokenCount
	}
	if tx := db.Save(run); tx.Error != nil {
		sentry.CaptureException(fmt.Errorf("[Extraction: %v] Error on saving run: %v", run.ID, tx.Error))
		return tx.Error
	}
	return nil
}
