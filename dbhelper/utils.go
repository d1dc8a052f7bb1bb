package dbhelper

import (
	"log"

	"gorm.io/gorm"

	"styloapi/models"
)

func SetupCleaner(db *gorm.DB) func() {

	return func() {

		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.ClosetMatchLink{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.ExtractedItem{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.ExtractionRun{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.ClosetItem{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.AnalysisRecommendation{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.AnalysisAssessment{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.AnalysisScoreSummary{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.GarmentDetection{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.OutfitAnalysis{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.UserPushToken{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.UserAccount{})

	}
}

func Migrate(db *gorm.DB, model interface{}) {
	err := db.AutoMigrate(model)
	if err != nil {
		log.Printf("Error while migrating %s", model)
		log.Fatal(err)
	}
}
