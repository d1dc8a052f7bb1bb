package controllers

import (
	"context"
	"log"
	"net/http"
	"os"

	firebase "firebase.google.com/go/v4"
	"github.com/go-playground/validator"
	"github.com/hibiken/asynq"
	echojwt "github.com/labstack/echo-jwt"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"gorm.io/gorm"

	"styloapi/models"
	"styloapi/services"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func SetupServer(
	db *gorm.DB,
	awsService services.AWSServiceProvider,
	visionProcessor services.VisionProcessor,
	urlCache services.URLCacheServiceProvider,
	firebaseApp *firebase.App,
	asynqClient *asynq.Client,
) *echo.Echo {

	err := awsService.InitPresignClient(context.Background())
	if err != nil {
		log.Fatal("Failed to initialize AWS provider: S3")
	}

	e := echo.New()
	v := validator.New()
	v.RegisterValidation("platform", models.ValidatePlatform)
	e.Validator = &CustomValidator{validator: v}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("__db", db)
			c.Set("__asynqclient", asynqClient)
			return next(c)
		}
	})

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	profileController := ProfileController{}
	profileGroup := e.Group("/profile", echojwt.JWT([]byte(os.Getenv("JWT_SECRET"))), UserMiddleware)
	profileController.ProfileRoutes(profileGroup)

	studioGroup := e.Group("/studio", echojwt.JWT([]byte(os.Getenv("JWT_SECRET"))), UserMiddleware)

	studioController := StudioController{AWSService: awsService, FirebaseApp: firebaseApp, URLCache: urlCache}
	studioController.StudioRoutes(studioGroup)

	extractionController := ExtractionController{AWSService: awsService, Vision: visionProcessor}
	extractionController.ExtractionRoutes(studioGroup)

	closetController := ClosetController{AWSService: awsService, URLCache: urlCache}
	closetGroup := e.Group("/closet", echojwt.JWT([]byte(os.Getenv("JWT_SECRET"))), UserMiddleware)
	closetController.ClosetRoutes(closetGroup)

	return e
}
