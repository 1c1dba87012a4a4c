package service

import (
	"assessment_backend/internal/config"
	"assessment_backend/internal/model"
	"assessment_backend/internal/util"
	"assessment_backend/pkg/logger"
	"assessment_backend/pkg/monitoring"
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	tabSwitchReasonPrefix  = "Multiple tab switches"
	fullscreenReasonPrefix = "Multiple fullscreen exits"
)

type ViolationResult struct {
	TabSwitches     int  `json:"tabSwitches"`
	FullscreenExits int  `json:"fullscreenExits"`
	IsFlagged       bool `json:"isFlagged"`
}

// AntiCheatService 记录切屏、退出全屏等行为，只做标记不拦截
type AntiCheatService struct {
	DB       *gorm.DB
	Attempts AttemptStore
	Catalog  QuestionCatalog
	Settings *config.Settings
}

func NewAntiCheatService(db *gorm.DB, attempts AttemptStore, catalog QuestionCatalog, settings *config.Settings) *AntiCheatService {
	return &AntiCheatService{
		DB:       db,
		Attempts: attempts,
		Catalog:  catalog,
		Settings: settings,
	}
}

func ParseViolationKind(raw string) (model.ViolationKind, error) {
	switch k := model.ViolationKind(strings.TrimSpace(raw)); k {
	case model.ViolationTabSwitch, model.ViolationFullscreenExit, model.ViolationCopyPaste:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", util.ErrInvalidViolation, raw)
}

func (s *AntiCheatService) RecordViolation(ctx context.Context, userID, attemptID uint, kind model.ViolationKind) (*ViolationResult, error) {
	if _, err := ParseViolationKind(string(kind)); err != nil {
		return nil, err
	}

	attempt, err := loadOwnedAttempt(ctx, s.Attempts, nil, userID, attemptID)
	if err != nil {
		return nil, err
	}
	monitoring.ViolationCounter.WithLabelValues(string(kind)).Inc()

	// copy_paste 只记日志，不计数
	if kind == model.ViolationCopyPaste {
		if !attempt.IsInProgress() {
			return nil, util.ErrAttemptNotActive
		}
		logger.Log.Info("Copy/paste reported",
			zap.Uint("attempt_id", attemptID), zap.Uint("user_id", userID))
		return &ViolationResult{
			TabSwitches:     attempt.TabSwitches,
			FullscreenExits: attempt.FullscreenExits,
			IsFlagged:       attempt.IsFlagged,
		}, nil
	}

	test, err := s.Catalog.FindTestByID(ctx, attempt.TestID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	settings := s.Settings.Load()

	var result *ViolationResult
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := s.Attempts.IncrementViolation(ctx, tx, attemptID, kind)
		if err != nil {
			return err
		}
		if !updated {
			return util.ErrAttemptNotActive
		}

		// 自增语句已持有行锁，这里读到的是本事务内的最新值
		cur, err := s.Attempts.FindByIDForUpdate(ctx, tx, attemptID)
		if err != nil {
			return err
		}

		if reason := violationFlagReason(cur, test, settings); reason != "" {
			if err := s.Attempts.Flag(ctx, tx, cur, reason); err != nil {
				return err
			}
			logger.Log.Warn("Attempt flagged",
				zap.Uint("attempt_id", attemptID),
				zap.Uint("user_id", userID),
				zap.String("reason", reason))
		}

		result = &ViolationResult{
			TabSwitches:     cur.TabSwitches,
			FullscreenExits: cur.FullscreenExits,
			IsFlagged:       cur.IsFlagged,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// violationFlagReason 计数达到阈值时返回要追加的原因，每种违规只追加一次。
// EnableTabSwitchDetection 只控制前端是否上报，服务端收到的计数照常判定。
func violationFlagReason(a *model.TestAttempt, test *model.Test, settings config.AssessmentConfig) string {
	var reasons []string
	if a.TabSwitches >= tabSwitchLimit(test, settings) && !strings.Contains(a.FlagReason, tabSwitchReasonPrefix) {
		reasons = append(reasons, fmt.Sprintf("%s: %d", tabSwitchReasonPrefix, a.TabSwitches))
	}
	if a.FullscreenExits >= fullscreenExitLimit(test, settings) && !strings.Contains(a.FlagReason, fullscreenReasonPrefix) {
		reasons = append(reasons, fmt.Sprintf("%s: %d", fullscreenReasonPrefix, a.FullscreenExits))
	}
	return strings.Join(reasons, " | ")
}
