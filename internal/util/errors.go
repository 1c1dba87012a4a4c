package util

import "errors"

var (
	ErrUserNotFound          = errors.New("用户不存在")
	ErrInvalidCredentials    = errors.New("invalid email or password")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrTestNotFound          = errors.New("test not found")
	ErrTestNotActive         = errors.New("test is not active or not published")
	ErrNoQuestionsConfigured = errors.New("no questions configured for this test")
	ErrAlreadyCompleted      = errors.New("test already completed")
	ErrAttemptNotFound       = errors.New("attempt not found")
	ErrAttemptNotActive      = errors.New("attempt is not in progress")
	ErrAttemptNotCompleted   = errors.New("attempt is not completed yet")
	ErrQuestionNotFound      = errors.New("question not found")
	ErrNotExpired            = errors.New("attempt time has not expired yet")
	ErrInvalidViolation      = errors.New("invalid violation type")
	ErrInvalidFile           = errors.New("invalid answer file")
)
