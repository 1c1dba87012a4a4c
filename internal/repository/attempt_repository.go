package repository

import (
	"assessment_backend/internal/model"
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AttemptRepository struct {
	DB *gorm.DB
}

func NewAttemptRepository(db *gorm.DB) *AttemptRepository {
	return &AttemptRepository{DB: db}
}

// FinalizeFields 结束答题时写入的字段
type FinalizeFields struct {
	Score            float64
	Percentage       float64
	Passed           bool
	CompletedAt      time.Time
	TimeTakenSeconds int
	Mode             string
	// TabSwitches 大于已存值时才会覆盖
	TabSwitches int
	// Flag 为 true 时置 is_flagged，已标记的不会被清除
	Flag bool
	// AppendFlag 追加到已有 flag_reason 之后
	AppendFlag string
}

func (r *AttemptRepository) Create(ctx context.Context, tx *gorm.DB, attempt *model.TestAttempt) error {
	return getDB(ctx, r.DB, tx).Create(attempt).Error
}

func (r *AttemptRepository) FindByID(ctx context.Context, tx *gorm.DB, id uint) (*model.TestAttempt, error) {
	var a model.TestAttempt
	if err := getDB(ctx, r.DB, tx).First(&a, id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// FindByIDForUpdate 在事务内锁定该行（MySQL 下为 SELECT ... FOR UPDATE）
func (r *AttemptRepository) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id uint) (*model.TestAttempt, error) {
	var a model.TestAttempt
	err := getDB(ctx, r.DB, tx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&a, id).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AttemptRepository) FindActive(ctx context.Context, tx *gorm.DB, userID, testID uint) (*model.TestAttempt, error) {
	var a model.TestAttempt
	err := getDB(ctx, r.DB, tx).
		Where("user_id = ? AND test_id = ? AND status = ?", userID, testID, model.AttemptInProgress).
		Order("id DESC").
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AttemptRepository) FindCompleted(ctx context.Context, tx *gorm.DB, userID, testID uint) (*model.TestAttempt, error) {
	var a model.TestAttempt
	err := getDB(ctx, r.DB, tx).
		Where("user_id = ? AND test_id = ? AND status = ?", userID, testID, model.AttemptCompleted).
		Order("id DESC").
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AttemptRepository) ListByUser(ctx context.Context, userID uint) ([]model.TestAttempt, error) {
	var attempts []model.TestAttempt
	err := r.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("started_at DESC, id DESC").
		Find(&attempts).Error
	return attempts, err
}

func violationColumn(kind model.ViolationKind) (string, error) {
	switch kind {
	case model.ViolationTabSwitch:
		return "tab_switches", nil
	case model.ViolationFullscreenExit:
		return "fullscreen_exits", nil
	}
	return "", fmt.Errorf("no counter for violation kind %q", kind)
}

// IncrementViolation 仅对进行中的答题计数，返回是否有行被更新
func (r *AttemptRepository) IncrementViolation(ctx context.Context, tx *gorm.DB, id uint, kind model.ViolationKind) (bool, error) {
	col, err := violationColumn(kind)
	if err != nil {
		return false, err
	}
	res := getDB(ctx, r.DB, tx).Model(&model.TestAttempt{}).
		Where("id = ? AND status = ?", id, model.AttemptInProgress).
		Update(col, gorm.Expr(col+" + 1"))
	return res.RowsAffected > 0, res.Error
}

// RaiseTabSwitches 将 tab_switches 提升到 n（只增不减）
func (r *AttemptRepository) RaiseTabSwitches(ctx context.Context, tx *gorm.DB, id uint, n int) error {
	return getDB(ctx, r.DB, tx).Model(&model.TestAttempt{}).
		Where("id = ? AND status = ? AND tab_switches < ?", id, model.AttemptInProgress, n).
		Update("tab_switches", n).Error
}

// Flag 置 is_flagged 并追加原因，调用方需在事务内先锁定该行
func (r *AttemptRepository) Flag(ctx context.Context, tx *gorm.DB, attempt *model.TestAttempt, reason string) error {
	attempt.IsFlagged = true
	attempt.FlagReason = model.AppendFlagReason(attempt.FlagReason, reason)
	return getDB(ctx, r.DB, tx).Model(&model.TestAttempt{}).
		Where("id = ?", attempt.ID).
		Updates(map[string]interface{}{
			"is_flagged":  true,
			"flag_reason": attempt.FlagReason,
		}).Error
}

func (r *AttemptRepository) IncrementCurrentQuestion(ctx context.Context, tx *gorm.DB, id uint) error {
	return getDB(ctx, r.DB, tx).Model(&model.TestAttempt{}).
		Where("id = ? AND status = ?", id, model.AttemptInProgress).
		Update("current_question", gorm.Expr("current_question + 1")).Error
}

// Finalize 是唯一写入 completed 状态的地方。
// 条件更新 status <> completed，未更新任何行时返回 false，表示已被其他调用结束。
func (r *AttemptRepository) Finalize(ctx context.Context, tx *gorm.DB, id uint, f FinalizeFields) (bool, error) {
	db := getDB(ctx, r.DB, tx)

	cur, err := r.FindByIDForUpdate(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if cur.IsCompleted() {
		return false, nil
	}

	updates := map[string]interface{}{
		"status":             model.AttemptCompleted,
		"score":              f.Score,
		"percentage":         f.Percentage,
		"passed":             f.Passed,
		"completed_at":       f.CompletedAt,
		"time_taken_seconds": f.TimeTakenSeconds,
		"completion_mode":    f.Mode,
		"active_key":         nil,
	}
	if f.TabSwitches > cur.TabSwitches {
		updates["tab_switches"] = f.TabSwitches
	}
	if f.Flag {
		updates["is_flagged"] = true
	}
	if f.AppendFlag != "" {
		updates["flag_reason"] = model.AppendFlagReason(cur.FlagReason, f.AppendFlag)
	}

	res := db.Model(&model.TestAttempt{}).
		Where("id = ? AND status <> ?", id, model.AttemptCompleted).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
