package controller

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"assessment_backend/internal/config"
	"assessment_backend/internal/middleware"
	"assessment_backend/internal/repository"
	"assessment_backend/internal/service"
	"assessment_backend/internal/testutil"
	"assessment_backend/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiEnv struct {
	t      *testing.T
	router *gin.Engine
	fx     *testutil.Fixture
	token  string
	other  string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	fx := testutil.Seed(t, db)

	assessment := config.DefaultAssessmentConfig()
	assessment.NormalBackoffMs = 1
	assessment.EmergencyBackoffMs = 1
	settings := config.NewSettings(assessment)
	jwtCfg := &config.JWTConfig{Secret: "controller-test", ExpireTime: time.Hour}

	attempts := repository.NewAttemptRepository(db)
	answers := repository.NewAnswerRepository(db)
	catalog := repository.NewQuestionRepository(db)
	users := repository.NewUserRepository(db)

	storage := service.NewStorageService(&config.StorageConfig{Type: util.StorageLocal, LocalPath: t.TempDir()})
	attemptSvc := service.NewAttemptService(attempts, answers, catalog, settings)
	answerSvc := service.NewAnswerService(db, attempts, answers, catalog, storage, settings)
	antiCheat := service.NewAntiCheatService(db, attempts, catalog, settings)
	results := service.NewResultService(attempts, answers, catalog, nil, settings)
	completion := service.NewCompletionService(db, attempts, answers, catalog, users, answerSvc, results, nil, nil, settings)

	ctl := NewTestAttemptController(attemptSvc, answerSvc, antiCheat, completion, results)

	r := gin.New()
	r.POST("/api/tests/attempts/:id/emergency-complete-no-auth", ctl.EmergencyCompleteNoAuth)
	api := r.Group("/api", middleware.AuthMiddleware(jwtCfg))
	api.POST("/tests/start", ctl.StartTest)
	api.GET("/tests/my-attempts", ctl.MyAttempts)
	api.GET("/tests/:test_id/session", ctl.GetActiveSession)
	api.POST("/tests/attempts/:id/answers", ctl.SaveAnswer)
	api.POST("/tests/attempts/:id/violations", ctl.RecordViolation)
	api.POST("/tests/attempts/:id/complete", ctl.Complete)
	api.GET("/tests/attempts/:id/result", ctl.Result)

	token, err := util.GenerateJWT(&fx.User, jwtCfg.Secret, time.Hour)
	require.NoError(t, err)
	other, err := util.GenerateJWT(&fx.Other, jwtCfg.Secret, time.Hour)
	require.NoError(t, err)

	return &apiEnv{t: t, router: r, fx: fx, token: token, other: other}
}

func (e *apiEnv) do(method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func dataOf(t *testing.T, resp map[string]interface{}) map[string]interface{} {
	t.Helper()
	data, ok := resp["data"].(map[string]interface{})
	require.True(t, ok, "response has no data object: %v", resp)
	return data
}

func TestAttemptFlowOverHTTP(t *testing.T) {
	e := newAPIEnv(t)
	q := e.fx.QuestionIDs()

	w, _ := e.do(http.MethodPost, "/api/tests/start", "", map[string]interface{}{"test_id": e.fx.Test.ID})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, resp := e.do(http.MethodPost, "/api/tests/start", e.token, map[string]interface{}{"test_id": e.fx.Test.ID})
	require.Equal(t, http.StatusOK, w.Code)
	session := dataOf(t, resp)
	attemptID := uint(session["attemptId"].(float64))
	questions := session["questions"].([]interface{})
	require.Len(t, questions, 3)
	_, leaked := questions[0].(map[string]interface{})["correctAnswer"]
	assert.False(t, leaked)

	base := fmt.Sprintf("/api/tests/attempts/%d", attemptID)

	w, _ = e.do(http.MethodPost, base+"/answers", e.token, map[string]interface{}{"question_id": q[0], "answer": "Paris"})
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = e.do(http.MethodPost, base+"/violations", e.token, map[string]interface{}{"violation_type": "tab_switch"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, dataOf(t, resp)["tabSwitches"])

	w, _ = e.do(http.MethodPost, base+"/violations", e.token, map[string]interface{}{"violation_type": "blur"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = e.do(http.MethodGet, base+"/result", e.token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = e.do(http.MethodPost, base+"/complete", e.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := dataOf(t, resp)
	assert.Equal(t, false, out["alreadyCompleted"])
	assert.EqualValues(t, 1, out["result"].(map[string]interface{})["score"])

	w, resp = e.do(http.MethodPost, base+"/complete", e.token, map[string]interface{}{
		"answers": []map[string]interface{}{{"question_id": q[1], "answer": "b"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, dataOf(t, resp)["alreadyCompleted"])

	w, resp = e.do(http.MethodGet, base+"/result", e.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 25, dataOf(t, resp)["percentage"])

	w, _ = e.do(http.MethodPost, base+"/answers", e.token, map[string]interface{}{"question_id": q[0], "answer": "i"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = e.do(http.MethodPost, "/api/tests/start", e.token, map[string]interface{}{"test_id": e.fx.Test.ID})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, resp = e.do(http.MethodGet, "/api/tests/my-attempts", e.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp["data"], 1)
}

func TestErrorMapping(t *testing.T) {
	e := newAPIEnv(t)

	w, _ := e.do(http.MethodPost, "/api/tests/start", e.token, map[string]interface{}{"test_id": 9999})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = e.do(http.MethodPost, "/api/tests/start", e.token, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = e.do(http.MethodPost, "/api/tests/attempts/abc/complete", e.token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp := e.do(http.MethodPost, "/api/tests/start", e.token, map[string]interface{}{"test_id": e.fx.Test.ID})
	require.Equal(t, http.StatusOK, w.Code)
	attemptID := uint(dataOf(t, resp)["attemptId"].(float64))

	// 他人的答题按不存在处理
	w, _ = e.do(http.MethodGet, fmt.Sprintf("/api/tests/attempts/%d/result", attemptID), e.other, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, resp = e.do(http.MethodGet, fmt.Sprintf("/api/tests/%d/session", e.fx.Test.ID), e.other, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, dataOf(t, resp)["active"])
}

func TestEmergencyCompleteNoAuthOverHTTP(t *testing.T) {
	e := newAPIEnv(t)

	w, resp := e.do(http.MethodPost, "/api/tests/start", e.token, map[string]interface{}{"test_id": e.fx.Test.ID})
	require.Equal(t, http.StatusOK, w.Code)
	attemptID := uint(dataOf(t, resp)["attemptId"].(float64))
	path := fmt.Sprintf("/api/tests/attempts/%d/emergency-complete-no-auth", attemptID)

	w, _ = e.do(http.MethodPost, path, "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = e.do(http.MethodPost, path+"?email=bob@example.com", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = e.do(http.MethodPost, path+"?email=ghost@example.com", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, resp = e.do(http.MethodPost, path+"?email=alice@example.com", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	result := dataOf(t, resp)["result"].(map[string]interface{})
	assert.Equal(t, true, result["isFlagged"])
	assert.Equal(t, service.PolicyUnauthenticated, result["completionMode"])
}
