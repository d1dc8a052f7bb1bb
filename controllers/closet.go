package controllers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"styloapi/models"
	"styloapi/services"
)

type CreateClosetItemIn struct {
	Category    string   `json:"category" validate:"required,max=100"`
	Subcategory *string  `json:"subcategory" validate:"omitempty,max=100"`
	Color       *string  `json:"color" validate:"omitempty,max=100"`
	Pattern     *string  `json:"pattern" validate:"omitempty,max=100"`
	Material    *string  `json:"material" validate:"omitempty,max=100"`
	Brand       *string  `json:"brand" validate:"omitempty,max=100"`
	Size        *string  `json:"size" validate:"omitempty,max=50"`
	StyleTags   []string `json:"style_tags" validate:"omitempty,max=20,dive,max=50"`
	SeasonTags  []string `json:"season_tags" validate:"omitempty,max=10,dive,max=50"`

	FormalityLevel *int    `json:"formality_level" validate:"omitempty,min=0,max=100"`
	Condition      string  `json:"condition" validate:"omitempty,oneof=excellent good fair poor"`
	ImageRef       *string `json:"image_ref" validate:"omitempty,max=300"`
}

type ClosetItemResponse struct {
	ID          uint    `json:"id"`
	Category    string  `json:"category"`
	Subcategory *string `json:"subcategory"`
	Color       *string `json:"color"`
	Pattern     *string `json:"pattern"`
	Material    *string `json:"material"`
	Brand       *string `json:"brand"`
	Size        *string `json:"size"`

	StyleTags      []string `json:"style_tags"`
	SeasonTags     []string `json:"season_tags"`
	FormalityLevel *int     `json:"formality_level"`

	Condition           models.ItemCondition `json:"condition"`
	Source              models.ItemSource    `json:"source"`
	DetectionConfidence *float64             `json:"detection_confidence"`

	ImageURL  *string `json:"image_url,omitempty"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

type ClosetController struct {
	AWSService services.AWSServiceProvider
	URLCache   services.URLCacheServiceProvider
}

func (controller *ClosetController) ClosetRoutes(g *echo.Group) {
	g.GET("/items", controller.ListItems)
	g.POST("/items", controller.CreateItem)
	g.DELETE("/items/:itemId", controller.DeleteItem)
}

// populatePresignedItemImages enriches closet rows with presigned read URLs
// concurrently, with a direct-presign failsafe when the cache layer fails.
func (controller *ClosetController) populatePresignedItemImages(ctx context.Context, items []models.ClosetItem) []ClosetItemResponse {
	if len(items) == 0 {
		return []ClosetItemResponse{}
	}

	var wg sync.WaitGroup
	processedResponses := make([]ClosetItemResponse, len(items))
	bucketName := services.GetEnv("R2_BUCKET_NAME", "")

	for i, closetItem := range items {
		wg.Add(1)
		go func(index int, item models.ClosetItem) {
			defer wg.Done()

			var imageUrl *string
			if len(item.ImageRefs) > 0 && item.ImageRefs[0] != "" {
				objectKey := item.ImageRefs[0]

				url, err := controller.URLCache.GetReadURL(ctx, objectKey)
				if err == nil {
					imageUrl = &url
				} else {
					log.Printf("CACHE WARNING: Cache system failed for key '%s': %v. Triggering manual R2 fallback.", objectKey, err)
					sentry.WithScope(func(scope *sentry.Scope) {
						scope.SetTag("failure_type", "cache_system")
						scope.SetExtra("objectKey", objectKey)
						sentry.CaptureException(err)
					})
					fallbackUrl, fallbackErr := controller.AWSService.GetPresignedR2FileReadURL(ctx, bucketName, objectKey)
					if fallbackErr != nil {
						log.Printf("CRITICAL: Manual R2 fallback also failed for key '%s': %v", objectKey, fallbackErr)
						sentry.CaptureException(fallbackErr)
					} else {
						imageUrl = &fallbackUrl
					}
				}
			}
			processedResponses[index] = ClosetItemResponse{
				ID:                  item.ID,
				Category:            item.Category,
				Subcategory:         item.Subcategory,
				Color:               item.Color,
				Pattern:             item.Pattern,
				Material:            item.Material,
				Brand:               item.Brand,
				Size:                item.Size,
				StyleTags:           item.StyleTags,
				SeasonTags:          item.SeasonTags,
				FormalityLevel:      item.FormalityLevel,
				Condition:           item.Condition,
				Source:              item.Source,
				DetectionConfidence: item.DetectionConfidence,
				ImageURL:            imageUrl,
				CreatedAt:           item.CreatedAt.Format("2006-01-02T15:04:05Z"),
				UpdatedAt:           item.UpdatedAt.Format("2006-01-02T15:04:05Z"),
			}
		}(i, closetItem)
	}

	wg.Wait()
	return processedResponses
}

func (controller *ClosetController) ListItems(c echo.Context) error {
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}

	var items []models.ClosetItem
	if err := db.Where("owner_id = ?", user.ID).Order("id asc").Find(&items).Error; err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch closet items"})
	}

	processedResponses := controller.populatePresignedItemImages(c.Request().Context(), items)

	grouped := map[string][]ClosetItemResponse{}
	for _, resp := range processedResponses {
		grouped[resp.Category] = append(grouped[resp.Category], resp)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"items": grouped, "total": len(processedResponses)})
}

func (controller *ClosetController) CreateItem(c echo.Context) error {
	var req CreateClosetItemIn
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

	condition := models.ConditionGood
	if req.Condition != "" {
		condition = models.ItemCondition(req.Condition)
	}
	imageRefs := pq.StringArray{}
	if req.ImageRef != nil && *req.ImageRef != "" {
		imageRefs = pq.StringArray{*req.ImageRef}
	}

	item := models.ClosetItem{
		OwnerID:        user.ID,
		Category:       req.Category,
		Subcategory:    req.Subcategory,
		Color:          req.Color,
		Pattern:        req.Pattern,
		Material:       req.Material,
		Brand:          req.Brand,
		Size:           req.Size,
		StyleTags:      pq.StringArray(req.StyleTags),
		SeasonTags:     pq.StringArray(req.SeasonTags),
		FormalityLevel: req.FormalityLevel,
		Condition:      condition,
		Source:         models.SourceManual,
		ImageRefs:      imageRefs,
	}
	if err := db.Create(&item).Error; err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to create closet item, please try again"})
	}

	return c.JSON(http.StatusCreated, item)
}

func (controller *ClosetController) DeleteItem(c echo.Context) error {
	var itemId uint
	if err := echo.PathParamsBinder(c).Uint("itemId", &itemId).BindError(); err != nil {
		return echo.ErrBadRequest
	}
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db := c.Get("__db").(*gorm.DB)

	var item models.ClosetItem
	result := db.Where("id = ? AND owner_id = ?", itemId, user.ID).Take(&item)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return echo.ErrNotFound
	}
	if result.Error != nil {
		sentry.CaptureException(result.Error)
		return echo.ErrInternalServerError
	}

	if err := db.Delete(&item).Error; err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to delete closet item"})
	}
	return c.NoContent(http.StatusNoContent)
}
