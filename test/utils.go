package test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"gorm.io/gorm"

	"styloapi/models"
	"styloapi/services"
)

func JsonString(model interface{}) string {
	bytes, _ := json.Marshal(model)
	return string(bytes)
}

func NewJSONRequest(method string, target string, param interface{}) *http.Request {

	req := httptest.NewRequest(method, target, strings.NewReader(JsonString(param)))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	return req
}

func GenerateUserToken(userPk string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userPk,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour * 72)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	t, err := token.SignedString([]byte(os.Getenv("JWT_SECRET")))
	if err != nil {
		log.Fatalf("Error when signing user token for %s. Error %s ", userPk, err)
	}
	return t
}

func NewJSONAuthRequest(method string, target string, userPk string, param interface{}) *http.Request {
	log.Println(JsonString(param))
	req := httptest.NewRequest(method, target, strings.NewReader(JsonString(param)))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	token := GenerateUserToken(userPk)
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	return req
}

func NewJSONAuthRequestRaw(method string, target string, userPk string, json string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(json))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	token := GenerateUserToken(userPk)
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	return req
}

func Int64Pointer(i int64) *int64 {
	return &i
}

func FakeUser(db *gorm.DB) *models.UserAccount {
	user := &models.UserAccount{
		Name:                 "OurName",
		Email:                "email@example.com",
		Platform:             models.PlatformIOS,
		LastIp:               "123.122.122.122",
		Status:               "FINISHED_AUTH",
		AvatarURL:            "pictureurl",
		ReceiveNotifications: true,
	}
	db.Create(&user)
	tokenDb := models.UserPushToken{
		UserAccountID: user.ID,
		Platform:      "android",
		Token:         "cX-UZ3zwQEiPt-2GJkG2gA:APA91bGqRflaGrJrnynhRwZ442HdgUjVcO7mWMFnx6IwAdJ9RRKopvSP4QU7hbvTmk1XAp8XGvtHZLvo5JmOPTVKBbGqqvhfbZWKlXA9csEjx1hgpNvrWepU-rqG1sxS8_WCF5cGZchf",
		Active:        true,
	}
	db.Save(&tokenDb)
	return user
}

func FakeUserV2(db *gorm.DB, userName string, email string) *models.UserAccount {
	if email == "" {
		email = "email@example.com"
	}
	user := &models.UserAccount{
		Name:      userName,
		Email:     email,
		Platform:  models.PlatformIOS,
		LastIp:    "123.122.122.122",
		Status:    "FINISHED_AUTH",
		AvatarURL: "pictureurl",
	}
	db.Create(&user)
	return user
}

func Contains(items []string, lookFor string) bool {

	for i := 0; i < len(items); i++ {

		if items[i] == lookFor {
			return true
		}
	}
	return false
}

func NewRefString(data string) *string {
	return &data
}

type AWSProviderMock struct {
	MockUrl string
}

func (awsService AWSProviderMock) InitPresignClient(ctx context.Context) error {
	return nil
}

func (awsService AWSProviderMock) PresignLink(ctx context.Context, bucketName string, fileName string) (string, error) {

	return fmt.Sprintf("https://fakebucketurl.com/%s", fileName), nil
}

func (awsService AWSProviderMock) GetPresignedR2FileReadURL(ctx context.Context, bucketName, fileKey string) (string, error) {
	return awsService.MockUrl, nil
}

func (awsService AWSProviderMock) UploadToPresignedURL(ctx context.Context, bucketName, url string, fileContent []byte) (string, int, error) {
	return url, 204, nil
}

// URLCacheMock returns the key back wrapped into a fake host so tests can
// assert the key made it through. FailingURLCacheMock exercises the
// direct-presign failsafe path.
type URLCacheMock struct{}

func (m URLCacheMock) GetReadURL(ctx context.Context, objectKey string) (string, error) {
	if objectKey == "" {
		return "", nil
	}
	return fmt.Sprintf("https://fakecache.com/%s", objectKey), nil
}

type FailingURLCacheMock struct{}

func (m FailingURLCacheMock) GetReadURL(ctx context.Context, objectKey string) (string, error) {
	return "", fmt.Errorf("cache store unavailable")
}

// MockVisionProcessor replays a canned model reply per task and records what
// it was called with.
type MockVisionProcessor struct {
	AnalysisResponse   string
	ExtractionResponse string
	Err                error
	Calls              int
}

func (m *MockVisionProcessor) AnalyzeImage(ctx context.Context, task services.VisionTask, imageURL string, promptContext string, modelName services.LLMModelName) (*services.LLMResponse, error) {
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	response := m.AnalysisResponse
	if task == services.TaskItemExtraction {
		response = m.ExtractionResponse
	}
	return &services.LLMResponse{
		Response:         response,
		InputTokenCount:  10,
		TotalTokenCount:  11,
		OutputTokenCount: 13,
	}, nil
}

// ClinicalAnalysisReply is a full current-schema model reply used across
// controller and task tests.
const ClinicalAnalysisReply = `{
	"overall_score": 82,
	"style_category": "smart casual",
	"style_score": 85,
	"fit_score": 78,
	"color_score": 88,
	"occasion_score": 75,
	"sub_scores": {
		"color_harmony": 88,
		"fit_technical": 78,
		"style_coherence": 85,
		"occasion_match": 75,
		"proportion_balance": 80,
		"layering_logic": 70,
		"accessory_balance": 65
	},
	"feedback": {
		"strengths": ["Great color pairing"],
		"improvements": ["Consider a belt"],
		"alignment_note": "Matches your minimalist preference"
	},
	"detected_garments": [
		{
			"id": "garment-1",
			"category": "blazer",
			"attributes": {"color": "navy", "material": "wool", "fit": "tailored"},
			"attribute_confidence": {"color": 0.95, "material": 0.7, "fit": 0.85}
		},
		{
			"id": "garment-2",
			"category": "trousers",
			"attributes": {"color": "grey", "pattern": "solid"},
			"attribute_confidence": {"color": 0.9, "pattern": 0.8}
		}
	],
	"assessment": {
		"proportions": "balanced",
		"layering": "single layer",
		"color_palette": "cool neutrals",
		"formality": "business casual"
	},
	"adjustments": {
		"minor": ["Roll the sleeves"],
		"closet_suggestions": ["Your brown loafers"],
		"new_item_suggestions": ["A knit tie"]
	},
	"confidence_flags": [],
	"completeness": 100
}`

const ExtractionReply = `{
	"items": [
		{
			"id": "item-1",
			"category": "jacket",
			"attributes": {"color": "black", "material": "leather"},
			"bounding_box": {"x": 0.1, "y": 0.05, "width": 0.5, "height": 0.6},
			"closet_suitability": 0.9
		},
		{
			"id": "item-2",
			"category": "jeans",
			"attributes": {"color": "blue"},
			"bounding_box": {"x": 10, "y": 55, "width": 45, "height": 40},
			"closet_suitability": 0.75
		}
	]
}`
