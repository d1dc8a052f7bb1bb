package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"styloapi/dbhelper"
	"styloapi/models"
	"styloapi/services"
	"styloapi/test"
)

func seedPendingAnalysis(t *testing.T, db *gorm.DB, user *models.UserAccount) *models.OutfitAnalysis {
	t.Helper()
	analysis := &models.OutfitAnalysis{
		OwnerID:  user.ID,
		ImageRef: "outfits/1/photo.jpg",
		Status:   "pending",
	}
	require.NoError(t, db.Create(analysis).Error)
	return analysis
}

func TestCommitAnalysisWritesAllProjections(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	user := test.FakeUser(db)
	analysis := seedPendingAnalysis(t, db, user)

	canonical := services.NormalizeAnalysis(test.ClinicalAnalysisReply)
	llmResponse := &services.LLMResponse{Response: test.ClinicalAnalysisReply, InputTokenCount: 10, OutputTokenCount: 13, TotalTokenCount: 23}
	require.NoError(t, CommitAnalysis(db, analysis, canonical, llmResponse, services.Flash25.String()))

	var saved models.OutfitAnalysis
	require.NoError(t, db.First(&saved, analysis.ID).Error)
	assert.Equal(t, "completed", saved.Status)
	assert.Equal(t, 82.0, saved.OverallScore)
	assert.Equal(t, "smart casual", saved.StyleCategory)
	assert.Equal(t, 100.0, saved.Completeness)
	require.NotNil(t, saved.SubScoresJSON)
	assert.Contains(t, *saved.SubScoresJSON, "color_harmony")
	require.NotNil(t, saved.LLMModel)
	assert.Equal(t, services.Flash25.String(), *saved.LLMModel)

	var detections []models.GarmentDetection
	require.NoError(t, db.Where("analysis_id = ?", analysis.ID).Order("detection_key asc").Find(&detections).Error)
	require.Len(t, detections, 2)
	assert.Equal(t, "garment-1", detections[0].DetectionKey)
	assert.Equal(t, "blazer", detections[0].Category)
	require.NotNil(t, detections[0].Color)
	assert.Equal(t, "navy", *detections[0].Color)

	var summaryCount, recommendationCount int64
	db.Model(&models.AnalysisScoreSummary{}).Where("analysis_id = ?", analysis.ID).Count(&summaryCount)
	db.Model(&models.AnalysisRecommendation{}).Where("analysis_id = ?", analysis.ID).Count(&recommendationCount)
	assert.Equal(t, int64(1), summaryCount)
	// one minor, one closet, one new_item suggestion in the canned reply
	assert.Equal(t, int64(3), recommendationCount)

	var assessment models.AnalysisAssessment
	require.NoError(t, db.Where("analysis_id = ?", analysis.ID).First(&assessment).Error)
	require.NotNil(t, assessment.Formality)
	assert.Equal(t, "business casual", *assessment.Formality)
}

func TestCommitAnalysisReplayKeepsDetectionsUnique(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	user := test.FakeUser(db)
	analysis := seedPendingAnalysis(t, db, user)

	canonical := services.NormalizeAnalysis(test.ClinicalAnalysisReply)
	require.NoError(t, CommitAnalysis(db, analysis, canonical, nil, services.Flash25.String()))
	require.NoError(t, CommitAnalysis(db, analysis, canonical, nil, services.Flash25.String()))

	var count int64
	db.Model(&models.GarmentDetection{}).Where("analysis_id = ?", analysis.ID).Count(&count)
	assert.Equal(t, int64(2), count)
}

func TestCommitFallbackAnalysisReachesTerminalStatus(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	user := test.FakeUser(db)
	analysis := seedPendingAnalysis(t, db, user)
	analysis.Status = "processing"
	require.NoError(t, db.Save(analysis).Error)

	require.NoError(t, CommitAnalysis(db, analysis, services.FallbackAnalysis(), nil, services.Flash25.String()))

	var saved models.OutfitAnalysis
	require.NoError(t, db.First(&saved, analysis.ID).Error)
	assert.Equal(t, "completed", saved.Status)
	assert.Equal(t, float64(services.NeutralScore), saved.OverallScore)
	assert.Equal(t, 10.0, saved.Completeness)
	assert.Contains(t, []string(saved.ConfidenceFlags), services.FlagParsingFailed)

	var detections []models.GarmentDetection
	require.NoError(t, db.Where("analysis_id = ?", analysis.ID).Find(&detections).Error)
	require.Len(t, detections, 1)
	assert.Equal(t, "unknown", detections[0].Category)
}

func TestCommitAnalysisProposesClosetMatches(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	user := test.FakeUser(db)
	analysis := seedPendingAnalysis(t, db, user)

	navy := models.ClosetItem{OwnerID: user.ID, Category: "blazer", Color: services.StrPointer("navy"), Material: services.StrPointer("wool"), Source: models.SourceManual}
	require.NoError(t, db.Create(&navy).Error)

	canonical := services.NormalizeAnalysis(test.ClinicalAnalysisReply)
	require.NoError(t, CommitAnalysis(db, analysis, canonical, nil, services.Flash25.String()))

	var blazer models.GarmentDetection
	require.NoError(t, db.Where("analysis_id = ? AND detection_key = ?", analysis.ID, "garment-1").First(&blazer).Error)

	link, err := services.ActiveMatchFor(db, blazer.ID)
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, navy.ID, link.ClosetItemID)
}
