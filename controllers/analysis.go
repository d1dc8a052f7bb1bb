package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"styloapi/models"
	"styloapi/services"
	"styloapi/tasks"
)

type UploadFileIn struct {
	FileName *string `json:"file_name" validate:"required,max=200"`
}

type UploadFileResponse struct {
	FileKey       string `json:"file_key"`
	FileUploadUrl string `json:"file_upload_url"`
}

type CreateAnalysisIn struct {
	ImageRef        string   `json:"image_ref" validate:"required,max=300"`
	PreferenceHints []string `json:"preference_hints" validate:"omitempty,max=10,dive,max=100"`
}

type AnalysisCreatedResponse struct {
	AnalysisID uint   `json:"analysis_id"`
	Status     string `json:"status"`
}

type AnalysisStatusResponse struct {
	AnalysisID          uint    `json:"analysis_id"`
	Status              string  `json:"status"`
	ProcessErrorMessage *string `json:"process_error_message,omitempty"`
}

type AnalysisDetailResponse struct {
	ID       uint   `json:"id"`
	Status   string `json:"status"`
	ImageURL string `json:"image_url,omitempty"`

	OverallScore  float64 `json:"overall_score"`
	StyleCategory string  `json:"style_category"`
	StyleScore    float64 `json:"style_score"`
	FitScore      float64 `json:"fit_score"`
	ColorScore    float64 `json:"color_score"`
	OccasionScore float64 `json:"occasion_score"`

	SubScores   json.RawMessage `json:"sub_scores,omitempty"`
	Feedback    json.RawMessage `json:"feedback,omitempty"`
	Assessment  json.RawMessage `json:"assessment,omitempty"`
	Adjustments json.RawMessage `json:"adjustments,omitempty"`

	ConfidenceFlags []string `json:"confidence_flags"`
	Completeness    float64  `json:"completeness"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type CatalogueAnalysisIn struct {
	DetectionIDs []uint `json:"detection_ids" validate:"required,min=1,max=50"`
}

type MatchResponse struct {
	DetectionID     uint               `json:"detection_id"`
	ClosetItem      *models.ClosetItem `json:"closet_item"`
	MatchConfidence float64            `json:"match_confidence"`
	UserConfirmed   bool               `json:"user_confirmed"`
	UserRejected    bool               `json:"user_rejected"`
}

type StudioController struct {
	AWSService  services.AWSServiceProvider
	FirebaseApp *firebase.App
	URLCache    services.URLCacheServiceProvider
}

func (controller *StudioController) StudioRoutes(g *echo.Group) {
	g.POST("/uploads", controller.CreateUploadURL)
	g.POST("/analyses", controller.CreateAnalysis)
	g.GET("/analyses/:analysisId/status", controller.AnalysisStatus)
	g.GET("/analyses/:analysisId", controller.GetAnalysis)
	g.GET("/analyses/:analysisId/detections", controller.ListDetections)
	g.POST("/analyses/:analysisId/catalogue", controller.CatalogueAnalysis)
	g.GET("/detections/:detectionId/match", controller.GetProposedMatch)
	g.POST("/detections/:detectionId/confirm", controller.ConfirmDetectionMatch)
	g.POST("/detections/:detectionId/reject", controller.RejectDetectionMatch)
}

func (controller *StudioController) CreateUploadURL(c echo.Context) error {
	var req UploadFileIn
	if err := c.Bind(&req); err != nil {
		fmt.Println(err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	if !services.IsAllowedImageName(*req.FileName) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Sorry, this file type is not supported. Please upload a photo."})
	}

	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	fileKey := fmt.Sprintf("outfits/%d/%s", user.ID, *req.FileName)
	uploadUrl, err := controller.AWSService.PresignLink(c.Request().Context(), bucketName, fileKey)
	if err != nil {
		fmt.Printf("Unable to presign upload for %s: %v\n", fileKey, err)
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Error while preparing photo upload"})
	}

	return c.JSON(http.StatusCreated, UploadFileResponse{FileKey: fileKey, FileUploadUrl: uploadUrl})
}

func (controller *StudioController) CreateAnalysis(c echo.Context) error {
	var req CreateAnalysisIn
	if err := c.Bind(&req); err != nil {
		fmt.Println(err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}
	asynqClient, ok := c.Get("__asynqclient").(*asynq.Client)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Service is not available, please try again a bit later"})
	}

	analysis := models.OutfitAnalysis{
		OwnerID:         user.ID,
		ImageRef:        req.ImageRef,
		PreferenceHints: pq.StringArray(req.PreferenceHints),
		Status:          "pending",
	}
	if err := db.Create(&analysis).Error; err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to create analysis, please try again"})
	}

	task, err := tasks.NewOutfitAnalysisTask(analysis.ID)
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Sorry, could not start analysis, please try again"})
	}
	info, err := asynqClient.Enqueue(task, asynq.MaxRetry(3), asynq.Queue("studio"))
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Sorry, could not start analysis, please try again"})
	}
	fmt.Println("[Queue] Outfit analysis task submitted, Analysis ID: ", analysis.ID, " Task ID: ", info.ID)

	return c.JSON(http.StatusCreated, AnalysisCreatedResponse{AnalysisID: analysis.ID, Status: analysis.Status})
}

func (controller *StudioController) loadOwnAnalysis(c echo.Context) (*models.OutfitAnalysis, *gorm.DB, error) {
	var analysisId uint
	if err := echo.PathParamsBinder(c).Uint("analysisId", &analysisId).BindError(); err != nil {
		return nil, nil, echo.ErrBadRequest
	}
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return nil, nil, echo.ErrUnauthorized
	}
	db := c.Get("__db").(*gorm.DB)

	var analysis models.OutfitAnalysis
	result := db.Where("id = ? AND owner_id = ?", analysisId, user.ID).Take(&analysis)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil, echo.ErrNotFound
	}
	if result.Error != nil {
		sentry.CaptureException(result.Error)
		return nil, nil, echo.ErrInternalServerError
	}
	return &analysis, db, nil
}

func (controller *StudioController) AnalysisStatus(c echo.Context) error {
	analysis, _, err := controller.loadOwnAnalysis(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, AnalysisStatusResponse{
		AnalysisID:          analysis.ID,
		Status:              analysis.Status,
		ProcessErrorMessage: analysis.ProcessErrorMessage,
	})
}

func rawOrNil(s *string) json.RawMessage {
	if s == nil {
		return nil
	}
	return json.RawMessage(*s)
}

// resolveImageURL goes through the URL cache first; a broken cache falls back
// to a direct presign so the response never loses the image.
func (controller *StudioController) resolveImageURL(c echo.Context, objectKey string) string {
	if objectKey == "" {
		return ""
	}
	url, err := controller.URLCache.GetReadURL(c.Request().Context(), objectKey)
	if err == nil {
		return url
	}
	fmt.Printf("CACHE WARNING: Cache system failed for key '%s': %v. Triggering manual R2 fallback.\n", objectKey, err)
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("failure_type", "cache_system")
		scope.SetExtra("objectKey", objectKey)
		sentry.CaptureException(err)
	})
	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	fallbackUrl, fallbackErr := controller.AWSService.GetPresignedR2FileReadURL(c.Request().Context(), bucketName, objectKey)
	if fallbackErr != nil {
		fmt.Printf("CRITICAL: Manual R2 fallback also failed for key '%s': %v\n", objectKey, fallbackErr)
		sentry.CaptureException(fallbackErr)
		return ""
	}
	return fallbackUrl
}

func (controller *StudioController) GetAnalysis(c echo.Context) error {
	analysis, _, err := controller.loadOwnAnalysis(c)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, AnalysisDetailResponse{
		ID:              analysis.ID,
		Status:          analysis.Status,
		ImageURL:        controller.resolveImageURL(c, analysis.ImageRef),
		OverallScore:    analysis.OverallScore,
		StyleCategory:   analysis.StyleCategory,
		StyleScore:      analysis.StyleScore,
		FitScore:        analysis.FitScore,
		ColorScore:      analysis.ColorScore,
		OccasionScore:   analysis.OccasionScore,
		SubScores:       rawOrNil(analysis.SubScoresJSON),
		Feedback:        rawOrNil(analysis.FeedbackJSON),
		Assessment:      rawOrNil(analysis.AssessmentJSON),
		Adjustments:     rawOrNil(analysis.AdjustmentsJSON),
		ConfidenceFlags: analysis.ConfidenceFlags,
		Completeness:    analysis.Completeness,
		CreatedAt:       analysis.CreatedAt.Format("2006-01-02T15:04:05Z"),
		UpdatedAt:       analysis.UpdatedAt.Format("2006-01-02T15:04:05Z"),
	})
}

func (controller *StudioController) ListDetections(c echo.Context) error {
	analysis, db, err := controller.loadOwnAnalysis(c)
	if err != nil {
		return err
	}
	var detections []models.GarmentDetection
	if err := db.Where("analysis_id = ?", analysis.ID).Order("id asc").Find(&detections).Error; err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch detections"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"detections": detections})
}

func (controller *StudioController) CatalogueAnalysis(c echo.Context) error {
	var req CatalogueAnalysisIn
	if err := c.Bind(&req); err != nil {
		fmt.Println(err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	analysis, db, err := controller.loadOwnAnalysis(c)
	if err != nil {
		return err
	}

	results := services.CatalogueDetections(db, analysis.OwnerID, analysis.ID, req.DetectionIDs)
	return c.JSON(http.StatusOK, map[string]interface{}{"results": results})
}

func (controller *StudioController) loadOwnDetection(c echo.Context) (*models.GarmentDetection, models.UserAccount, *gorm.DB, error) {
	var detectionId uint
	if err := echo.PathParamsBinder(c).Uint("detectionId", &detectionId).BindError(); err != nil {
		return nil, models.UserAccount{}, nil, echo.ErrBadRequest
	}
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return nil, models.UserAccount{}, nil, echo.ErrUnauthorized
	}
	db := c.Get("__db").(*gorm.DB)

	var detection models.GarmentDetection
	result := db.Joins("Analysis").
		Where("garment_detections.id = ? AND \"Analysis\".owner_id = ?", detectionId, user.ID).
		Take(&detection)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, user, nil, echo.ErrNotFound
	}
	if result.Error != nil {
		sentry.CaptureException(result.Error)
		return nil, user, nil, echo.ErrInternalServerError
	}
	return &detection, user, db, nil
}

func matchResponse(link *models.ClosetMatchLink) MatchResponse {
	return MatchResponse{
		DetectionID:     link.DetectionID,
		ClosetItem:      &link.ClosetItem,
		MatchConfidence: link.MatchConfidence,
		UserConfirmed:   link.UserConfirmed,
		UserRejected:    link.UserRejected,
	}
}

func (controller *StudioController) GetProposedMatch(c echo.Context) error {
	detection, user, db, err := controller.loadOwnDetection(c)
	if err != nil {
		return err
	}

	link, err := services.ActiveMatchFor(db, detection.ID)
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch match"})
	}
	if link == nil {
		link, err = services.ProposeMatch(db, user.ID, detection)
		if errors.Is(err, services.ErrNoMatchCandidate) {
			return c.JSON(http.StatusOK, map[string]interface{}{"match": nil})
		}
		if err != nil {
			sentry.CaptureException(err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to propose match"})
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"match": matchResponse(link)})
}

func (controller *StudioController) ConfirmDetectionMatch(c echo.Context) error {
	detection, _, db, err := controller.loadOwnDetection(c)
	if err != nil {
		return err
	}
	link, err := services.ConfirmMatch(db, detection.ID)
	if errors.Is(err, services.ErrNoMatchCandidate) {
		return c.JSON(http.StatusConflict, map[string]string{"error": "No match proposed for this detection yet"})
	}
	if errors.Is(err, services.ErrAlreadyConfirmed) {
		return c.JSON(http.StatusConflict, map[string]string{"error": "This match is already confirmed"})
	}
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to confirm match"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"match": matchResponse(link)})
}

func (controller *StudioController) RejectDetectionMatch(c echo.Context) error {
	detection, _, db, err := controller.loadOwnDetection(c)
	if err != nil {
		return err
	}
	link, err := services.RejectMatch(db, detection.ID)
	if errors.Is(err, services.ErrNoMatchCandidate) {
		return c.JSON(http.StatusConflict, map[string]string{"error": "No match proposed for this detection yet"})
	}
	if errors.Is(err, services.ErrAlreadyRejected) {
		return c.JSON(http.StatusConflict, map[string]string{"error": "This match is already rejected"})
	}
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to reject match"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"match": matchResponse(link)})
}
