package tasks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"styloapi/dbhelper"
	"styloapi/models"
	"styloapi/services"
	"styloapi/test"
)

func TestHandleOutfitAnalysisTaskCompletes(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "fake-key")
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	user := test.FakeUser(db)
	analysis := seedPendingAnalysis(t, db, user)
	analysis.PreferenceHints = []string{"minimalist", "office wear"}
	require.NoError(t, db.Save(analysis).Error)

	task, err := NewOutfitAnalysisTask(analysis.ID)
	require.NoError(t, err)

	processor := &test.MockVisionProcessor{AnalysisResponse: test.ClinicalAnalysisReply}
	err = HandleOutfitAnalysisTask(context.Background(), task, db, processor,
		test.AWSProviderMock{MockUrl: "https://fakebucketurl.com/outfits/1/photo.jpg"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, processor.Calls)

	var saved models.OutfitAnalysis
	require.NoError(t, db.First(&saved, analysis.ID).Error)
	assert.Equal(t, "completed", saved.Status)
	assert.Equal(t, 82.0, saved.OverallScore)
	assert.Nil(t, saved.ProcessErrorMessage)

	var detectionCount int64
	db.Model(&models.GarmentDetection{}).Where("analysis_id = ?", analysis.ID).Count(&detectionCount)
	assert.Equal(t, int64(2), detectionCount)
}

func TestHandleOutfitAnalysisTaskSkipsCompleted(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "fake-key")
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	user := test.FakeUser(db)
	analysis := seedPendingAnalysis(t, db, user)
	analysis.Status = "completed"
	require.NoError(t, db.Save(analysis).Error)

	task, err := NewOutfitAnalysisTask(analysis.ID)
	require.NoError(t, err)

	processor := &test.MockVisionProcessor{AnalysisResponse: test.ClinicalAnalysisReply}
	err = HandleOutfitAnalysisTask(context.Background(), task, db, processor, test.AWSProviderMock{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, processor.Calls)
}

func TestHandleOutfitAnalysisTaskRejectedPhotoFails(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "fake-key")
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	user := test.FakeUser(db)
	analysis := seedPendingAnalysis(t, db, user)

	task, err := NewOutfitAnalysisTask(analysis.ID)
	require.NoError(t, err)

	processor := &test.MockVisionProcessor{Err: services.ErrModelRejected}
	// rejection is permanent: the handler must not ask asynq to retry
	err = HandleOutfitAnalysisTask(context.Background(), task, db, processor, test.AWSProviderMock{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, processor.Calls)

	var saved models.OutfitAnalysis
	require.NoError(t, db.First(&saved, analysis.ID).Error)
	assert.Equal(t, "failed", saved.Status)
	require.NotNil(t, saved.ProcessErrorMessage)
	assert.Contains(t, *saved.ProcessErrorMessage, "could not analyze")
}

func TestHandleOutfitAnalysisTaskMissingKey(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	task, err := NewOutfitAnalysisTask(1)
	require.NoError(t, err)

	processor := &test.MockVisionProcessor{}
	err = HandleOutfitAnalysisTask(context.Background(), task, db, processor, test.AWSProviderMock{}, nil)
	assert.Error(t, err)
	assert.Equal(t, 0, processor.Calls)
}

func TestRunExtractionStoresNormalizedItems(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	user := test.FakeUser(db)
	run := &models.ExtractionRun{OwnerID: user.ID, ImageRef: "extractions/1/photo.jpg", Mode: "individual_items", Status: "pending"}
	require.NoError(t, db.Create(run).Error)

	processor := &test.MockVisionProcessor{ExtractionResponse: test.ExtractionReply}
	rows, err := RunExtraction(context.Background(), db, processor, test.AWSProviderMock{MockUrl: "https://fakebucketurl.com/extractions/1/photo.jpg"}, run)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "item-1", rows[0].ItemKey)
	assert.Equal(t, "jacket", rows[0].Category)
	assert.Equal(t, 0.1, rows[0].BoxX)

	// the second canned item carries a percent-scale box
	assert.Equal(t, "item-2", rows[1].ItemKey)
	assert.InDelta(t, 0.1, rows[1].BoxX, 1e-9)
	assert.InDelta(t, 0.55, rows[1].BoxY, 1e-9)
	assert.Equal(t, 0.75, rows[1].ClosetSuitability)

	var saved models.ExtractionRun
	require.NoError(t, db.First(&saved, run.ID).Error)
	assert.Equal(t, "completed", saved.Status)
	require.NotNil(t, saved.LLMModel)
}

func TestRunExtractionFailureMarksRunFailed(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	user := test.FakeUser(db)
	run := &models.ExtractionRun{OwnerID: user.ID, ImageRef: "extractions/2/photo.jpg", Mode: "outfit", Status: "pending"}
	require.NoError(t, db.Create(run).Error)

	processor := &test.MockVisionProcessor{Err: services.ErrModelRejected}
	_, err := RunExtraction(context.Background(), db, processor, test.AWSProviderMock{}, run)
	assert.Error(t, err)

	var saved models.ExtractionRun
	require.NoError(t, db.First(&saved, run.ID).Error)
	assert.Equal(t, "failed", saved.Status)
	require.NotNil(t, saved.ProcessErrorMessage)
}

func TestRunExtractionGarbageReplyHardFails(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	user := test.FakeUser(db)
	run := &models.ExtractionRun{OwnerID: user.ID, ImageRef: "extractions/3/photo.jpg", Mode: "individual_items", Status: "pending"}
	require.NoError(t, db.Create(run).Error)

	processor := &test.MockVisionProcessor{ExtractionResponse: "sorry, no items visible"}
	_, err := RunExtraction(context.Background(), db, processor, test.AWSProviderMock{}, run)
	assert.ErrorIs(t, err, services.ErrNoStructuredPayload)

	var saved models.ExtractionRun
	require.NoError(t, db.First(&saved, run.ID).Error)
	assert.Equal(t, "failed", saved.Status)
}
