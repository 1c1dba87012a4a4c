package controller

import (
	"assessment_backend/internal/model"
	"assessment_backend/internal/service"
	"assessment_backend/internal/util"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type TestAttemptController struct {
	Attempts   *service.AttemptService
	Answers    *service.AnswerService
	AntiCheat  *service.AntiCheatService
	Completion *service.CompletionService
	Results    *service.ResultService
}

func NewTestAttemptController(attempts *service.AttemptService, answers *service.AnswerService, antiCheat *service.AntiCheatService,
	completion *service.CompletionService, results *service.ResultService) *TestAttemptController {
	return &TestAttemptController{
		Attempts:   attempts,
		Answers:    answers,
		AntiCheat:  antiCheat,
		Completion: completion,
		Results:    results,
	}
}

type StartTestRequest struct {
	TestID uint `json:"test_id" binding:"required"`
}

type BulkSaveRequest struct {
	Answers     []service.SaveAnswerRequest `json:"answers"`
	TabSwitches *int                        `json:"tab_switches"`
}

type ViolationRequest struct {
	ViolationType string `json:"violation_type" binding:"required"`
}

// respondError 把领域错误映射为 HTTP 状态码
func respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, util.ErrAttemptNotFound),
		errors.Is(err, util.ErrTestNotFound),
		errors.Is(err, util.ErrQuestionNotFound),
		errors.Is(err, util.ErrUserNotFound):
		util.NotFound(ctx, err.Error())
	case errors.Is(err, util.ErrPermissionDenied):
		util.Error(ctx, http.StatusForbidden, err.Error())
	case errors.Is(err, util.ErrAlreadyCompleted),
		errors.Is(err, util.ErrAttemptNotActive):
		util.Conflict(ctx, err.Error())
	case errors.Is(err, util.ErrTestNotActive),
		errors.Is(err, util.ErrNoQuestionsConfigured),
		errors.Is(err, util.ErrAttemptNotCompleted),
		errors.Is(err, util.ErrNotExpired),
		errors.Is(err, util.ErrInvalidViolation),
		errors.Is(err, util.ErrInvalidFile):
		util.BadRequest(ctx, err.Error())
	default:
		util.LogInternalError(ctx, err)
	}
}

func attemptIDParam(ctx *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil || id == 0 {
		util.BadRequest(ctx, "invalid attempt id")
		return 0, false
	}
	return uint(id), true
}

func currentUserID(ctx *gin.Context) (uint, bool) {
	claims := util.GetUserFromContext(ctx)
	if claims == nil {
		util.Unauthorized(ctx)
		return 0, false
	}
	return claims.UserID, true
}

// bindOptionalJSON 请求体为空时视为零值
func bindOptionalJSON(ctx *gin.Context, obj interface{}) bool {
	if err := ctx.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		util.BadRequest(ctx, err.Error())
		return false
	}
	return true
}

// StartTest godoc
// @Summary 开始答题
// @Description 创建答题记录；已有进行中的答题时原样返回
// @Tags 答题
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param body body StartTestRequest true "试卷"
// @Success 200 {object} util.Response{data=service.StartSession}
// @Failure 400 {object} util.Response
// @Failure 404 {object} util.Response
// @Failure 409 {object} util.Response "已完成过该试卷"
// @Router /api/tests/start [post]
func (c *TestAttemptController) StartTest(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		return
	}
	var req StartTestRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	session, err := c.Attempts.Start(ctx.Request.Context(), userID, req.TestID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, session)
}

// GetActiveSession godoc
// @Summary 查询进行中的答题
// @Tags 答题
// @Produce json
// @Security ApiKeyAuth
// @Param test_id path int true "试卷ID"
// @Success 200 {object} util.Response{data=service.StartSession}
// @Router /api/tests/{test_id}/session [get]
func (c *TestAttemptController) GetActiveSession(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		return
	}
	testID, err := strconv.ParseUint(ctx.Param("test_id"), 10, 64)
	if err != nil {
		util.BadRequest(ctx, "invalid test id")
		return
	}

	session, err := c.Attempts.GetActiveSession(ctx.Request.Context(), userID, uint(testID))
	if err != nil {
		respondError(ctx, err)
		return
	}
	if session == nil {
		util.Success(ctx, gin.H{"active": false})
		return
	}
	util.Success(ctx, session)
}

// @Summary 我的答题记录
// @Tags 答题
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} util.Response{data=[]model.TestAttempt}
// @Router /api/tests/my-attempts [get]
func (c *TestAttemptController) MyAttempts(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		return
	}
	list, err := c.Attempts.ListMyAttempts(ctx.Request.Context(), userID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	if list == nil {
		list = []model.TestAttempt{}
	}
	util.Success(ctx, list)
}

// SaveAnswer godoc
// @Summary 保存单题答案
// @Tags 答题
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "答题ID"
// @Param body body service.SaveAnswerRequest true "答案"
// @Success 200 {object} util.Response{data=service.SaveAnswerResult}
// @Failure 404 {object} util.Response
// @Failure 409 {object} util.Response "答题已结束"
// @Router /api/tests/attempts/{id}/answers [post]
func (c *TestAttemptController) SaveAnswer(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		return
	}
	attemptID, ok := attemptIDParam(ctx)
	if !ok {
		return
	}
	var req service.SaveAnswerRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	res, err := c.Answers.SaveAnswer(ctx.Request.Context(), userID, attemptID, req)
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, res)
}

// AutoSave godoc
// @Summary 静默自动保存
// @Description 总是返回 200，失败原因放在 reason 字段
// @Tags 答题
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "答题ID"
// @Param body body service.SaveAnswerRequest true "答案"
// @Success 200 {object} util.Response{data=service.AutoSaveResult}
// @Router /api/tests/attempts/{id}/auto-save [post]
func (c *TestAttemptController) AutoSave(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		return
	}
	attemptID, ok := attemptIDParam(ctx)
	if !ok {
		return
	}
	var req service.SaveAnswerRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.Success(ctx, service.AutoSaveResult{Saved: false, Reason: err.Error()})
		return
	}
	util.Success(ctx, c.Answers.AutoSave(ctx.Request.Context(), userID, attemptID, req))
}

// BulkSave godoc
// @Summary 批量保存答案
// @Description 单题失败不影响其余题目；答题已结束时 saved 为 0
// @Tags 答题
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "答题ID"
// @Param body body BulkSaveRequest true "答案列表"
// @Success 200 {object} util.Response{data=service.BulkSaveResult}
// @Router /api/tests/attempts/{id}/bulk-save [post]
func (c *TestAttemptController) BulkSave(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		return
	}
	attemptID, ok := attemptIDParam(ctx)
	if !ok {
		return
	}
	var req BulkSaveRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	res, err := c.Answers.BulkSave(ctx.Request.Context(), userID, attemptID, req.Answers, req.TabSwitches)
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, res)
}

// UploadAnswerFile godoc
// @Summary 上传作答文件
// @Description 标注题上传图片、视频或 PDF，答案保存为 FILE:<url>
// @Tags 答题
// @Accept multipart/form-data
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "答题ID"
// @Param question_id formData int true "题目ID"
// @Param file formData file true "作答文件"
// @Success 200 {object} util.Response{data=service.SaveAnswerResult}
// @Failure 400 {object} util.Response
// @Router /api/tests/attempts/{id}/answer-file [post]
func (c *TestAttemptController) UploadAnswerFile(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		return
	}
	attemptID, ok := attemptIDParam(ctx)
	if !ok {
		return
	}
	questionID, err := strconv.ParseUint(ctx.PostForm("question_id"), 10, 64)
	if err != nil || questionID == 0 {
		util.BadRequest(ctx, "invalid question id")
		return
	}
	header, err := ctx.FormFile("file")
	if err != nil {
		util.BadRequest(ctx, "file is required")
		return
	}
	file, err := header.Open()
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	defer file.Close()

	res, err := c.Answers.UploadAnswerFile(ctx.Request.Context(), userID, attemptID, uint(questionID), file, header.Filename, header.Size)
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, res)
}

// RecordViolation godoc
// @Summary 上报违规行为
// @Description tab_switch / fullscreen_exit 计数并在达到阈值时标记；copy_paste 只记录
// @Tags 防作弊
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "答题ID"
// @Param body body ViolationRequest true "违规类型"
// @Success 200 {object} util.Response{data=service.ViolationResult}
// @Failure 400 {object} util.Response
// @Failure 409 {object} util.Response
// @Router /api/tests/attempts/{id}/violations [post]
func (c *TestAttemptController) RecordViolation(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		return
	}
	attemptID, ok := attemptIDParam(ctx)
	if !ok {
		return
	}
	var req ViolationRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}
	kind, err := service.ParseViolationKind(req.ViolationType)
	if err != nil {
		respondError(ctx, err)
		return
	}

	res, err := c.AntiCheat.RecordViolation(ctx.Request.Context(), userID, attemptID, kind)
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, res)
}

// Complete godoc
// @Summary 提交答题
// @Description 幂等；重复提交返回已存储的结果
// @Tags 提交
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "答题ID"
// @Param body body service.CompleteRequest false "附带答案与切屏次数"
// @Success 200 {object} util.Response{data=service.CompletionOutcome}
// @Failure 404 {object} util.Response
// @Failure 500 {object} util.Response "重试后仍失败，前端应转入应急提交"
// @Router /api/tests/attempts/{id}/complete [post]
func (c *TestAttemptController) Complete(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		return
	}
	attemptID, ok := attemptIDParam(ctx)
	if !ok {
		return
	}
	var req service.CompleteRequest
	if !bindOptionalJSON(ctx, &req) {
		return
	}

	out, err := c.Completion.Complete(ctx.Request.Context(), userID, attemptID, req)
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, out)
}

// EmergencyComplete godoc
// @Summary 应急提交
// @Description 更多次重试，题库不可用时按已保存分数计分
// @Tags 提交
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "答题ID"
// @Success 200 {object} util.Response{data=service.CompletionOutcome}
// @Router /api/tests/attempts/{id}/emergency-complete [post]
func (c *TestAttemptController) EmergencyComplete(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		return
	}
	attemptID, ok := attemptIDParam(ctx)
	if !ok {
		return
	}

	out, err := c.Completion.EmergencyComplete(ctx.Request.Context(), userID, attemptID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, out)
}

// EmergencyCompleteNoAuth godoc
// @Summary 无令牌应急提交
// @Description 令牌失效时按邮箱识别考生；结果总会被标记并进入人工审核
// @Tags 提交
// @Produce json
// @Param id path int true "答题ID"
// @Param email query string true "考生邮箱"
// @Success 200 {object} util.Response{data=service.CompletionOutcome}
// @Failure 403 {object} util.Response "答题不属于该邮箱"
// @Failure 404 {object} util.Response
// @Router /api/tests/attempts/{id}/emergency-complete-no-auth [post]
func (c *TestAttemptController) EmergencyCompleteNoAuth(ctx *gin.Context) {
	attemptID, ok := attemptIDParam(ctx)
	if !ok {
		return
	}
	email := ctx.Query("email")
	if email == "" {
		util.BadRequest(ctx, "email is required")
		return
	}

	out, err := c.Completion.EmergencyCompleteByEmail(ctx.Request.Context(), attemptID, email)
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, out)
}

// AutoCompleteExpired godoc
// @Summary 超时自动提交
// @Tags 提交
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "答题ID"
// @Success 200 {object} util.Response{data=service.CompletionOutcome}
// @Failure 400 {object} util.Response "尚未超时"
// @Router /api/tests/attempts/{id}/auto-complete-expired [post]
func (c *TestAttemptController) AutoCompleteExpired(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		return
	}
	attemptID, ok := attemptIDParam(ctx)
	if !ok {
		return
	}

	out, err := c.Completion.AutoCompleteExpired(ctx.Request.Context(), userID, attemptID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, out)
}

// Heartbeat godoc
// @Summary 心跳
// @Description GET 只查询；POST 同时记录心跳时间
// @Tags 答题
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "答题ID"
// @Success 200 {object} util.Response{data=service.HeartbeatStatus}
// @Router /api/tests/attempts/{id}/heartbeat [get]
// @Router /api/tests/attempts/{id}/heartbeat [post]
func (c *TestAttemptController) Heartbeat(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		return
	}
	attemptID, ok := attemptIDParam(ctx)
	if !ok {
		return
	}

	var (
		st  *service.HeartbeatStatus
		err error
	)
	if ctx.Request.Method == http.MethodPost {
		st, err = c.Completion.Touch(ctx.Request.Context(), userID, attemptID)
	} else {
		st, err = c.Completion.Heartbeat(ctx.Request.Context(), userID, attemptID)
	}
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, st)
}

// @Summary 断线恢复
// @Tags 答题
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "答题ID"
// @Success 200 {object} util.Response{data=service.RecoverResult}
// @Router /api/tests/attempts/{id}/recover [get]
func (c *TestAttemptController) Recover(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		return
	}
	attemptID, ok := attemptIDParam(ctx)
	if !ok {
		return
	}

	res, err := c.Answers.Recover(ctx.Request.Context(), userID, attemptID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, res)
}

// @Summary 查询答题结果
// @Tags 提交
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "答题ID"
// @Success 200 {object} util.Response{data=service.AttemptResult}
// @Failure 400 {object} util.Response "答题尚未结束"
// @Router /api/tests/attempts/{id}/result [get]
func (c *TestAttemptController) Result(ctx *gin.Context) {
	userID, ok := currentUserID(ctx)
	if !ok {
		return
	}
	attemptID, ok := attemptIDParam(ctx)
	if !ok {
		return
	}

	res, err := c.Results.Get(ctx.Request.Context(), userID, attemptID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	util.Success(ctx, res)
}
