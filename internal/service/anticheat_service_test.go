package service

import (
	"testing"

	"assessment_backend/internal/model"
	"assessment_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTabSwitchesFlagOnceAtThreshold(t *testing.T) {
	h := newHarness(t)
	s := h.start(h.f.User.ID)

	var res *ViolationResult
	var err error
	for i := 1; i <= 2; i++ {
		res, err = h.anticheat.RecordViolation(h.ctx, h.f.User.ID, s.AttemptID, model.ViolationTabSwitch)
		require.NoError(t, err)
		assert.Equal(t, i, res.TabSwitches)
		assert.False(t, res.IsFlagged)
	}

	res, err = h.anticheat.RecordViolation(h.ctx, h.f.User.ID, s.AttemptID, model.ViolationTabSwitch)
	require.NoError(t, err)
	assert.True(t, res.IsFlagged)

	_, err = h.anticheat.RecordViolation(h.ctx, h.f.User.ID, s.AttemptID, model.ViolationTabSwitch)
	require.NoError(t, err)

	a := h.attempt(s.AttemptID)
	assert.Equal(t, 4, a.TabSwitches)
	assert.Equal(t, "Multiple tab switches: 3", a.FlagReason)
}

func TestFullscreenExitsAppendSeparateReason(t *testing.T) {
	h := newHarness(t)
	s := h.start(h.f.User.ID)

	for i := 0; i < 3; i++ {
		_, err := h.anticheat.RecordViolation(h.ctx, h.f.User.ID, s.AttemptID, model.ViolationTabSwitch)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := h.anticheat.RecordViolation(h.ctx, h.f.User.ID, s.AttemptID, model.ViolationFullscreenExit)
		require.NoError(t, err)
	}

	a := h.attempt(s.AttemptID)
	assert.True(t, a.IsFlagged)
	assert.Equal(t, 2, a.FullscreenExits)
	assert.Equal(t, "Multiple tab switches: 3 | Multiple fullscreen exits: 2", a.FlagReason)
}

func TestCopyPasteIsNotCounted(t *testing.T) {
	h := newHarness(t)
	s := h.start(h.f.User.ID)

	res, err := h.anticheat.RecordViolation(h.ctx, h.f.User.ID, s.AttemptID, model.ViolationCopyPaste)
	require.NoError(t, err)
	assert.Zero(t, res.TabSwitches)
	assert.Zero(t, res.FullscreenExits)
	assert.False(t, h.attempt(s.AttemptID).IsFlagged)
}

func TestViolationFlagsWhenClientDetectionDisabled(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.db.Model(&h.f.Test).Update("enable_tab_switch_detection", false).Error)
	s := h.start(h.f.User.ID)
	assert.False(t, s.AntiCheat.Enabled)

	for i := 0; i < 5; i++ {
		_, err := h.anticheat.RecordViolation(h.ctx, h.f.User.ID, s.AttemptID, model.ViolationTabSwitch)
		require.NoError(t, err)
	}
	a := h.attempt(s.AttemptID)
	assert.Equal(t, 5, a.TabSwitches)
	assert.True(t, a.IsFlagged)
	assert.Contains(t, a.FlagReason, "Multiple tab switches: 3")
}

func TestViolationRejections(t *testing.T) {
	h := newHarness(t)
	s := h.start(h.f.User.ID)

	_, err := ParseViolationKind("window_blur")
	assert.ErrorIs(t, err, util.ErrInvalidViolation)

	_, err = h.anticheat.RecordViolation(h.ctx, h.f.Other.ID, s.AttemptID, model.ViolationTabSwitch)
	assert.ErrorIs(t, err, util.ErrAttemptNotFound)

	_, err = h.completion.Complete(h.ctx, h.f.User.ID, s.AttemptID, CompleteRequest{})
	require.NoError(t, err)

	_, err = h.anticheat.RecordViolation(h.ctx, h.f.User.ID, s.AttemptID, model.ViolationTabSwitch)
	assert.ErrorIs(t, err, util.ErrAttemptNotActive)
}
