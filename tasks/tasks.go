package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"styloapi/models"
	"styloapi/services"
)

const TypeOutfitAnalysis = "studio:analyze"

type OutfitAnalysisPayload struct {
	AnalysisID uint `json:"analysis_id"`
}

// NewClient initializes an asynq client for enqueuing tasks
func NewClient() (*asynq.Client, error) {
	return asynq.NewClient(asynq.RedisClientOpt{Addr: services.GetEnv("REDIS_ADDR", "localhost:6379")}), nil
}

func NewOutfitAnalysisTask(analysisId uint) (*asynq.Task, error) {
	payload, err := json.Marshal(OutfitAnalysisPayload{AnalysisID: analysisId})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeOutfitAnalysis, payload), nil
}

func saveAnalysisProcessingFail(db *gorm.DB, analysis models.OutfitAnalysis, msg string, shouldRetry bool) error {
	analysis.ProcessRetryTimes = analysis.ProcessRetryTimes + 1
	analysis.ProcessErrorMessage = &msg
	if !shouldRetry || analysis.ProcessRetryTimes >= 3 {
		analysis.Status = "failed"
	}
	tx := db.Save(&analysis)
	if tx.Error != nil {
		sentry.CaptureException(fmt.Errorf("[Fail Analysis %v] Error on saving analysis for failed status", analysis.ID))
		return tx.Error
	}
	return nil
}

// HandleOutfitAnalysisTask runs the full pipeline for one queued analysis:
// presign the stored photo, call the vision model with retry, normalize the
// reply and fan the canonical result out to the database.
func HandleOutfitAnalysisTask(
	ctx context.Context, t *asynq.Task, db *gorm.DB, processor services.VisionProcessor,
	awsService services.AWSServiceProvider, fbApp *firebase.App) error {
	googleKey := os.Getenv("GOOGLE_API_KEY")
	if googleKey == "" {
		sentry.CaptureException(fmt.Errorf("[QUEUE] %s Google API key is not set", string(t.Payload())))
		return fmt.Errorf("[QUEUE] %s Google API key is not set", string(t.Payload()))
	}
	var payload OutfitAnalysisPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	fmt.Printf("[Analysis: %v] Start Processing\n", payload.AnalysisID)
	var analysis models.OutfitAnalysis
	res := db.Joins("Owner").First(&analysis, payload.AnalysisID)
	if res.Error != nil {
		sentry.CaptureException(fmt.Errorf("[QUEUE] Error on retrieving analysis for processing %v", payload.AnalysisID))
		return res.Error
	}
	if analysis.Status == "completed" {
		fmt.Printf("[Analysis: %v] Already completed, skipping\n", payload.AnalysisID)
		return nil
	}

	analysis.Status = "processing"
	if tx := db.Save(&analysis); tx.Error != nil {
		sentry.CaptureException(fmt.Errorf("[Analysis: %v] Error on marking processing: %v", payload.AnalysisID, tx.Error))
		return tx.Error
	}

	bucketName := os.Getenv("R2_BUCKET_NAME")
	fmt.Printf("[Analysis: %v] Request presigned download url..\n", payload.AnalysisID)
	imageURL, err := awsService.GetPresignedR2FileReadURL(ctx, bucketName, analysis.ImageRef)
	if err != nil {
		saveAnalysisProcessingFail(db, analysis, "Failed to read outfit photo, please try to upload it again", false)
		sentry.CaptureException(fmt.Errorf("[Analysis: %v] Error on getting presigned URL for file %s: %v", payload.AnalysisID, analysis.ImageRef, err))
		return err
	}

	model := services.Flash25
	modelString := model.String()
	fmt.Printf("[Analysis: %v] Model: %s\n", payload.AnalysisID, modelString)

	promptContext := strings.Join(analysis.PreferenceHints, ", ")
	llmResponse, err := services.AnalyzeImageWithRetry(
		ctx, processor, services.DefaultRetryPolicy(), services.TaskOutfitAnalysis, imageURL, promptContext, model)
	if err != nil {
		if errors.Is(err, services.ErrModelRejected) {
			saveAnalysisProcessingFail(db, analysis, "Sorry, we could not analyze this photo. Please try a different one.", false)
			sentry.CaptureException(fmt.Errorf("[Analysis: %v] Model rejected request: %v", payload.AnalysisID, err))
			return nil
		}
		// Transient failures exhausted the retry budget. Commit the
		// deterministic fallback so the record reaches a terminal status
		// instead of sitting in processing forever.
		fmt.Printf("[Analysis: %v] Vision model unavailable after retries, committing fallback: %v\n", payload.AnalysisID, err)
		sentry.CaptureException(fmt.Errorf("[Analysis: %v] Vision model unavailable after retries: %v", payload.AnalysisID, err))
		if commitErr := CommitAnalysis(db, &analysis, services.FallbackAnalysis(), nil, modelString); commitErr != nil {
			saveAnalysisProcessingFail(db, analysis, "Failed to analyze outfit, please try again later", true)
			return commitErr
		}
		return nil
	}
	if llmResponse == nil {
		saveAnalysisProcessingFail(db, analysis, "Failed to analyze outfit, please try again later", true)
		sentry.CaptureException(fmt.Errorf("[Analysis: %v] Response is nil but no error provided", payload.AnalysisID))
		return fmt.Errorf("[Analysis: %v] Response is nil but no error provided", payload.AnalysisID)
	}

	fmt.Printf("[Analysis: %v] LLM Processed, IT: %d, OT: %d, TT: %d\n",
		payload.AnalysisID, llmResponse.InputTokenCount, llmResponse.OutputTokenCount, llmResponse.TotalTokenCount)

	canonical := services.NormalizeAnalysis(llmResponse.Response)
	if err := CommitAnalysis(db, &analysis, canonical, llmResponse, modelString); err != nil {
		saveAnalysisProcessingFail(db, analysis, "Failed to save analysis result, please try again later", true)
		return err
	}
	fmt.Printf("[Analysis: %v] Analysis finished succesfully..\n", payload.AnalysisID)

	if analysis.Owner.ReceiveNotifications && fbApp != nil {
		fmt.Printf("[Analysis: %v] Sending notification to user %v\n", payload.AnalysisID, analysis.OwnerID)
		services.SendNotification(fbApp, db, analysis.OwnerID, "Outfit Analysis Ready",
			fmt.Sprintf("Your outfit scored %.0f", canonical.OverallScore),
			map[string]string{"analysis_id": fmt.Sprintf("%d", analysis.ID), "type": "analysis_completed"})
	}
	return nil
}

// RunExtraction executes an item-isolation run synchronously. Extraction has
// no degraded fallback: a reply we cannot parse marks the run failed.
func RunExtraction(ctx context.Context, db *gorm.DB, processor services.VisionProcessor,
	awsService services.AWSServiceProvider, run *models.ExtractionRun) ([]models.ExtractedItem, error) {
	run.Status = "processing"
	if tx := db.Save(run); tx.Error != nil {
		return nil, tx.Error
	}

	bucketName := os.Getenv("R2_BUCKET_NAME")
	imageURL, err := awsService.GetPresignedR2FileReadURL(ctx, bucketName, run.ImageRef)
	if err != nil {
		failExtractionRun(db, run, "Failed to read photo, please try to upload it again")
		sentry.CaptureException(fmt.Errorf("[Extraction: %v] Error on getting presigned URL for file %s: %v", run.ID, run.ImageRef, err))
		return nil, err
	}

	model := services.Flash25
	llmResponse, err := services.AnalyzeImageWithRetry(
		ctx, processor, services.DefaultRetryPolicy(), services.TaskItemExtraction, imageURL, run.Mode, model)
	if err != nil {
		failExtractionRun(db, run, "Failed to extract items from photo, please try again later")
		sentry.CaptureException(fmt.Errorf("[Extraction: %v] Vision call failed: %v", run.ID, err))
		return nil, err
	}

	items, err := services.NormalizeExtraction(llmResponse.Response)
	if err != nil {
		failExtractionRun(db, run, "Could not read extraction result, please try again later")
		sentry.CaptureException(fmt.Errorf("[Extraction: %v] Error on parsing model reply: %v", run.ID, err))
		return nil, err
	}

	if err := CommitExtraction(db, run, items, llmResponse, model.String()); err != nil {
		failExtractionRun(db, run, "Failed to save extraction result, please try again later")
		return nil, err
	}

	var rows []models.ExtractedItem
	if tx := db.Where("run_id = ?", run.ID).Order("id asc").Find(&rows); tx.Error != nil {
		return nil, tx.Error
	}
	fmt.Printf("[Extraction: %v] Extraction finished succesfully with %d items\n", run.ID, len(rows))
	return rows, nil
}

func failExtractionRun(db *gorm.DB, run *models.ExtractionRun, msg string) {
	run.Status = "failed"
	run.ProcessErrorMessage = &msg
	if tx := db.Save(run); tx.Error != nil {
		sentry.CaptureException(fmt.Errorf("[Fail Extraction %v] Error on saving run for failed status", run.ID))
	}
}
