package controllers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"styloapi/models"
	"styloapi/services"
	"styloapi/tasks"
)

type CreateExtractionIn struct {
	ImageRef string `json:"image_ref" validate:"required,max=300"`
	Mode     string `json:"mode" validate:"required,oneof=outfit individual_items"`
}

type ExtractionResponse struct {
	ID                  uint                   `json:"id"`
	Status              string                 `json:"status"`
	Mode                string                 `json:"mode"`
	ProcessErrorMessage *string                `json:"process_error_message,omitempty"`
	Items               []models.ExtractedItem `json:"items"`
}

type ExtractionController struct {
	AWSService services.AWSServiceProvider
	Vision     services.VisionProcessor
}

func (controller *ExtractionController) ExtractionRoutes(g *echo.Group) {
	g.POST("/extractions", controller.CreateExtraction)
	g.GET("/extractions/:runId", controller.GetExtraction)
	g.POST("/extractions/items/:itemId/approve", controller.ApproveExtractedItem)
}

// CreateExtraction runs the item-isolation pipeline synchronously: unlike
// outfit analysis the caller waits for the items, so there is no queue hop.
func (controller *ExtractionController) CreateExtraction(c echo.Context) error {
	var req CreateExtractionIn
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

	run := models.ExtractionRun{
		OwnerID:  user.ID,
		ImageRef: req.ImageRef,
		Mode:     req.Mode,
		Status:   "pending",
	}
	if err := db.Create(&run).Error; err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to create extraction, please try again"})
	}

	items, err := tasks.RunExtraction(c.Request().Context(), db, controller.Vision, controller.AWSService, &run)
	if err != nil {
		return c.JSON(http.StatusBadGateway, ExtractionResponse{
			ID:                  run.ID,
			Status:              run.Status,
			Mode:                run.Mode,
			ProcessErrorMessage: run.ProcessErrorMessage,
			Items:               []models.ExtractedItem{},
		})
	}

	return c.JSON(http.StatusCreated, ExtractionResponse{
		ID:     run.ID,
		Status: run.Status,
		Mode:   run.Mode,
		Items:  items,
	})
}

func (controller *ExtractionController) GetExtraction(c echo.Context) error {
	var runId uint
	if err := echo.PathParamsBinder(c).Uint("runId", &runId).BindError(); err != nil {
		return echo.ErrBadRequest
	}
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db := c.Get("__db").(*gorm.DB)

	var run models.ExtractionRun
	result := db.Where("id = ? AND owner_id = ?", runId, user.ID).Take(&run)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return echo.ErrNotFound
	}
	if result.Error != nil {
		sentry.CaptureException(result.Error)
		return echo.ErrInternalServerError
	}

	var items []models.ExtractedItem
	if err := db.Where("run_id = ?", run.ID).Order("id asc").Find(&items).Error; err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch extracted items"})
	}

	return c.JSON(http.StatusOK, ExtractionResponse{
		ID:                  run.ID,
		Status:              run.Status,
		Mode:                run.Mode,
		ProcessErrorMessage: run.ProcessErrorMessage,
		Items:               items,
	})
}

// ApproveExtractedItem promotes an extracted item into the closet. The item
// row and the approval mark commit in one transaction so an approved item
// always points at its closet entry.
func (controller *ExtractionController) ApproveExtractedItem(c echo.Context) error {
	var itemId uint
	if err := echo.PathParamsBinder(c).Uint("itemId", &itemId).BindError(); err != nil {
		return echo.ErrBadRequest
	}
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db := c.Get("__db").(*gorm.DB)

	var item models.ExtractedItem
	result := db.Joins("Run").
		Where("extracted_items.id = ? AND \"Run\".owner_id = ?", itemId, user.ID).
		Take(&item)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return echo.ErrNotFound
	}
	if result.Error != nil {
		sentry.CaptureException(result.Error)
		return echo.ErrInternalServerError
	}
	if item.Approved {
		return c.JSON(http.StatusConflict, map[string]string{"error": "This item is already in your closet"})
	}

	closetItem := models.ClosetItem{
		OwnerID:             user.ID,
		Category:            item.Category,
		Color:               item.Color,
		Pattern:             item.Pattern,
		Material:            item.Material,
		Condition:           models.ConditionGood,
		Source:              models.SourcePhotoExtraction,
		DetectionConfidence: Float64Pointer(item.ClosetSuitability),
		StyleTags:           pq.StringArray{},
		SeasonTags:          pq.StringArray{},
		ImageRefs:           pq.StringArray{item.Run.ImageRef},
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&closetItem).Error; err != nil {
			return err
		}
		item.Approved = true
		item.ClosetItemID = &closetItem.ID
		return tx.Save(&item).Error
	})
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to add item to closet, please try again"})
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{"closet_item": closetItem, "item": item})
}
