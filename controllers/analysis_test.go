package controllers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"styloapi/dbhelper"
	"styloapi/models"
	"styloapi/services"
	"styloapi/tasks"
	"styloapi/test"
)

// completedAnalysisFor persists an analysis and fans out the canned clinical
// reply, mirroring what the queue handler does after a successful model call.
func completedAnalysisFor(t *testing.T, db *gorm.DB, user *models.UserAccount) *models.OutfitAnalysis {
	t.Helper()
	analysis := &models.OutfitAnalysis{OwnerID: user.ID, ImageRef: fmt.Sprintf("outfits/%d/photo.jpg", user.ID), Status: "pending"}
	require.NoError(t, db.Create(analysis).Error)
	canonical := services.NormalizeAnalysis(test.ClinicalAnalysisReply)
	require.NoError(t, tasks.CommitAnalysis(db, analysis, canonical, nil, services.Flash25.String()))
	return analysis
}

func TestCreateUploadURLOk(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, test.AWSProviderMock{}, &test.MockVisionProcessor{}, test.URLCacheMock{}, nil, nil)
	user := test.FakeUser(db)

	req := test.NewJSONAuthRequest("POST", "/studio/uploads", UIntToStr(user.ID), UploadFileIn{FileName: StrPointer("look.jpg")})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var response UploadFileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, fmt.Sprintf("outfits/%d/look.jpg", user.ID), response.FileKey)
	assert.Contains(t, response.FileUploadUrl, "https://fakebucketurl.com/")
}

func TestCreateUploadURLRejectsNonImage(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, test.AWSProviderMock{}, &test.MockVisionProcessor{}, test.URLCacheMock{}, nil, nil)
	user := test.FakeUser(db)

	req := test.NewJSONAuthRequest("POST", "/studio/uploads", UIntToStr(user.ID), UploadFileIn{FileName: StrPointer("report.pdf")})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAnalysisInvalidInput(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, test.AWSProviderMock{}, &test.MockVisionProcessor{}, test.URLCacheMock{}, nil, nil)
	user := test.FakeUser(db)

	// image_ref missing
	req := test.NewJSONAuthRequest("POST", "/studio/analyses", UIntToStr(user.ID), CreateAnalysisIn{PreferenceHints: []string{"minimalist"}})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var response map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Contains(t, response["error"], "ImageRef")
}

func TestAnalysisStatusOk(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, test.AWSProviderMock{}, &test.MockVisionProcessor{}, test.URLCacheMock{}, nil, nil)
	user := test.FakeUser(db)
	analysis := completedAnalysisFor(t, db, user)

	req := test.NewJSONAuthRequest("GET", fmt.Sprintf("/studio/analyses/%d/status", analysis.ID), UIntToStr(user.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var response AnalysisStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, analysis.ID, response.AnalysisID)
	assert.Equal(t, "completed", response.Status)
	assert.Nil(t, response.ProcessErrorMessage)
}

func TestGetAnalysisOk(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, test.AWSProviderMock{}, &test.MockVisionProcessor{}, test.URLCacheMock{}, nil, nil)
	user := test.FakeUser(db)
	analysis := completedAnalysisFor(t, db, user)

	req := test.NewJSONAuthRequest("GET", fmt.Sprintf("/studio/analyses/%d", analysis.ID), UIntToStr(user.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var response AnalysisDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, 82.0, response.OverallScore)
	assert.Equal(t, "smart casual", response.StyleCategory)
	assert.Equal(t, 100.0, response.Completeness)
	assert.Equal(t, fmt.Sprintf("https://fakecache.com/outfits/%d/photo.jpg", user.ID), response.ImageURL)

	var subScores map[string]float64
	require.NoError(t, json.Unmarshal(response.SubScores, &subScores))
	assert.Equal(t, 88.0, subScores["color_harmony"])

	var feedback services.AnalysisFeedback
	require.NoError(t, json.Unmarshal(response.Feedback, &feedback))
	assert.Contains(t, feedback.Strengths, "Great color pairing")
}

func TestGetAnalysisFallsBackWhenCacheFails(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, test.AWSProviderMock{MockUrl: "https://direct-presign.com/photo.jpg"},
		&test.MockVisionProcessor{}, test.FailingURLCacheMock{}, nil, nil)
	user := test.FakeUser(db)
	analysis := completedAnalysisFor(t, db, user)

	req := test.NewJSONAuthRequest("GET", fmt.Sprintf("/studio/analyses/%d", analysis.ID), UIntToStr(user.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var response AnalysisDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "https://direct-presign.com/photo.jpg", response.ImageURL)
}

func TestGetAnalysisOtherUserNotFound(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, test.AWSProviderMock{}, &test.MockVisionProcessor{}, test.URLCacheMock{}, nil, nil)
	owner := test.FakeUser(db)
	intruder := test.FakeUserV2(db, "Intruder", "intruder@example.com")
	analysis := completedAnalysisFor(t, db, owner)

	req := test.NewJSONAuthRequest("GET", fmt.Sprintf("/studio/analyses/%d", analysis.ID), UIntToStr(intruder.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListDetectionsOk(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, test.AWSProviderMock{}, &test.MockVisionProcessor{}, test.URLCacheMock{}, nil, nil)
	user := test.FakeUser(db)
	analysis := completedAnalysisFor(t, db, user)

	req := test.NewJSONAuthRequest("GET", fmt.Sprintf("/studio/analyses/%d/detections", analysis.ID), UIntToStr(user.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var response struct {
		Detections []models.GarmentDetection `json:"detections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.Len(t, response.Detections, 2)
	assert.Equal(t, "blazer", response.Detections[0].Category)
	assert.Equal(t, "trousers", response.Detections[1].Category)
}

func TestMatchLifecycle(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, test.AWSProviderMock{}, &test.MockVisionProcessor{}, test.URLCacheMock{}, nil, nil)
	user := test.FakeUser(db)

	navy := models.ClosetItem{OwnerID: user.ID, Category: "blazer", Color: StrPointer("navy"), Material: StrPointer("wool"), Source: models.SourceManual}
	require.NoError(t, db.Create(&navy).Error)

	analysis := completedAnalysisFor(t, db, user)

	var blazer models.GarmentDetection
	require.NoError(t, db.Where("analysis_id = ? AND detection_key = ?", analysis.ID, "garment-1").First(&blazer).Error)

	req := test.NewJSONAuthRequest("GET", fmt.Sprintf("/studio/detections/%d/match", blazer.ID), UIntToStr(user.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var getResponse struct {
		Match *MatchResponse `json:"match"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &getResponse))
	require.NotNil(t, getResponse.Match)
	assert.Equal(t, navy.ID, getResponse.Match.ClosetItem.ID)
	assert.False(t, getResponse.Match.UserConfirmed)

	req = test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/detections/%d/confirm", blazer.ID), UIntToStr(user.ID), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &getResponse))
	assert.True(t, getResponse.Match.UserConfirmed)
	assert.False(t, getResponse.Match.UserRejected)

	req = test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/detections/%d/reject", blazer.ID), UIntToStr(user.ID), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &getResponse))
	assert.True(t, getResponse.Match.UserRejected)
	assert.False(t, getResponse.Match.UserConfirmed)
}

func TestRepeatedConfirmRejectConflicts(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, test.AWSProviderMock{}, &test.MockVisionProcessor{}, test.URLCacheMock{}, nil, nil)
	user := test.FakeUser(db)

	navy := models.ClosetItem{OwnerID: user.ID, Category: "blazer", Color: StrPointer("navy"), Material: StrPointer("wool"), Source: models.SourceManual}
	require.NoError(t, db.Create(&navy).Error)

	analysis := completedAnalysisFor(t, db, user)

	var blazer models.GarmentDetection
	require.NoError(t, db.Where("analysis_id = ? AND detection_key = ?", analysis.ID, "garment-1").First(&blazer).Error)

	req := test.NewJSONAuthRequest("GET", fmt.Sprintf("/studio/detections/%d/match", blazer.ID), UIntToStr(user.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/detections/%d/confirm", blazer.ID), UIntToStr(user.ID), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// confirming an already confirmed match conflicts instead of no-op'ing
	req = test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/detections/%d/confirm", blazer.ID), UIntToStr(user.ID), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already confirmed")

	req = test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/detections/%d/reject", blazer.ID), UIntToStr(user.ID), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/detections/%d/reject", blazer.ID), UIntToStr(user.ID), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already rejected")
}

func TestGetMatchNoCandidateReturnsNull(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, test.AWSProviderMock{}, &test.MockVisionProcessor{}, test.URLCacheMock{}, nil, nil)
	user := test.FakeUser(db)
	analysis := completedAnalysisFor(t, db, user)

	// empty closet, nothing to propose
	var trousers models.GarmentDetection
	require.NoError(t, db.Where("analysis_id = ? AND detection_key = ?", analysis.ID, "garment-2").First(&trousers).Error)

	req := test.NewJSONAuthRequest("GET", fmt.Sprintf("/studio/detections/%d/match", trousers.ID), UIntToStr(user.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var response struct {
		Match *MatchResponse `json:"match"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Nil(t, response.Match)
}

func TestConfirmWithoutProposalConflicts(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, test.AWSProviderMock{}, &test.MockVisionProcessor{}, test.URLCacheMock{}, nil, nil)
	user := test.FakeUser(db)
	analysis := completedAnalysisFor(t, db, user)

	var trousers models.GarmentDetection
	require.NoError(t, db.Where("analysis_id = ? AND detection_key = ?", analysis.ID, "garment-2").First(&trousers).Error)

	req := test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/detections/%d/confirm", trousers.ID), UIntToStr(user.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	req = test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/detections/%d/reject", trousers.ID), UIntToStr(user.ID), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCatalogueAnalysisPartialBatch(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, test.AWSProviderMock{}, &test.MockVisionProcessor{}, test.URLCacheMock{}, nil, nil)
	user := test.FakeUser(db)
	analysis := completedAnalysisFor(t, db, user)

	var blazer models.GarmentDetection
	require.NoError(t, db.Where("analysis_id = ? AND detection_key = ?", analysis.ID, "garment-1").First(&blazer).Error)

	req := test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/analyses/%d/catalogue", analysis.ID), UIntToStr(user.ID),
		CatalogueAnalysisIn{DetectionIDs: []uint{blazer.ID, 999999}})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var response struct {
		Results []services.DetectionCatalogueResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.Len(t, response.Results, 2)
	require.NotNil(t, response.Results[0].ClosetItem)
	assert.Equal(t, models.SourcePhotoDetection, response.Results[0].ClosetItem.Source)
	assert.Empty(t, response.Results[0].Error)
	assert.Nil(t, response.Results[1].ClosetItem)
	assert.NotEmpty(t, response.Results[1].Error)
}

func TestStudioUnauthorized(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, test.AWSProviderMock{}, &test.MockVisionProcessor{}, test.URLCacheMock{}, nil, nil)

	// token with an empty subject resolves to no account
	req := test.NewJSONAuthRequest("GET", "/studio/analyses/1", "", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
