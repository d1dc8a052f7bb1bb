package dbhelper

import (
	"fmt"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"styloapi/models"
	"styloapi/services"
)

func SetupDB() *gorm.DB {

	db, err := gorm.Open(postgres.Open(
		fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s",
			services.GetEnv("DB_USERNAME", ""),
			services.GetEnv("DB_PASSWORD", ""),
			services.GetEnv("DB_HOST", ""),
			services.GetEnv("DB_PORT", ""),
			services.GetEnv("DB_NAME", ""),
		),
	), &gorm.Config{})
	if err != nil {
		panic(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		panic(err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(300)
	sqlDB.SetConnMaxLifetime(time.Minute * 5)
	db.Logger.LogMode(logger.LogLevel(logger.Info))
	db.Raw("CREATE EXTENSION if not exists pgcrypto;")
	Migrate(db, &models.UserAccount{})
	Migrate(db, &models.UserPushToken{})
	Migrate(db, &models.OutfitAnalysis{})
	Migrate(db, &models.GarmentDetection{})
	Migrate(db, &models.AnalysisScoreSummary{})
	Migrate(db, &models.AnalysisAssessment{})
	Migrate(db, &models.AnalysisRecommendation{})
	Migrate(db, &models.ClosetItem{})
	Migrate(db, &models.ClosetMatchLink{})
	Migrate(db, &models.ExtractionRun{})
	Migrate(db, &models.ExtractedItem{})

	return db
}

func SetupTestDB() *gorm.DB {
	os.Setenv("DB_USERNAME", "stylo")
	os.Setenv("DB_PASSWORD", "stylo")
	os.Setenv("DB_HOST", "localhost")
	os.Setenv("DB_NAME", "stylo")
	os.Setenv("DB_PORT", "5432")
	return SetupDB()
}
