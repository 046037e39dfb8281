package common

import (
	"errors"
	"net/http"
)

// AppError is an error that knows how it should be reported to a client.
type AppError struct {
	Status  int
	Code    string
	Message string // user facing, Korean
	Field   string // form field the error belongs to, if any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// Is matches on Code so wrapped copies still compare equal to the sentinels below.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Wrap returns a copy of e that carries cause.
func (e *AppError) Wrap(cause error) *AppError {
	cp := *e
	cp.Err = cause
	return &cp
}

func NewAppError(status int, code, message string) *AppError {
	return &AppError{Status: status, Code: code, Message: message}
}

var (
	ErrInvalidJSON         = NewAppError(http.StatusBadRequest, "INVALID_JSON", "잘못된 JSON 형식입니다.")
	ErrUnsupportedContent  = NewAppError(http.StatusBadRequest, "UNSUPPORTED_CONTENT_TYPE", "지원되지 않는 content-type입니다.")
	ErrInvalidInput        = NewAppError(http.StatusBadRequest, "INVALID_INPUT", "잘못된 입력입니다.")
	ErrChallengeIDRequired = NewAppError(http.StatusBadRequest, "CHALLENGE_ID_REQUIRED", "챌린지 ID는 필수입니다.")
	ErrEmptyChatMessage    = NewAppError(http.StatusBadRequest, "MESSAGE_OR_IMAGE_REQUIRED", "메시지나 이미지 중 하나는 필수입니다.")
	ErrEmptyComment        = NewAppError(http.StatusBadRequest, "COMMENT_REQUIRED", "댓글 내용을 입력해주세요.")
	ErrInvalidImage        = NewAppError(http.StatusBadRequest, "INVALID_IMAGE", "이미지 파일을 처리할 수 없습니다.")
	ErrUploadTooLarge      = NewAppError(http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "파일 크기가 너무 큽니다.")

	ErrUnauthorized       = NewAppError(http.StatusUnauthorized, "UNAUTHORIZED", "로그인이 필요합니다.")
	ErrInvalidCredentials = NewAppError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "이메일 또는 비밀번호가 올바르지 않습니다.")
	ErrForbidden          = NewAppError(http.StatusForbidden, "FORBIDDEN", "권한이 없습니다.")
	ErrPasswordMismatch   = &AppError{Status: http.StatusBadRequest, Code: "PASSWORD_MISMATCH", Message: "비밀번호가 일치하지 않습니다.", Field: "password_confirm"}
	ErrUserExists         = &AppError{Status: http.StatusConflict, Code: "USER_ALREADY_EXISTS", Message: "이미 존재하는 사용자입니다.", Field: "email"}

	ErrUserNotFound           = NewAppError(http.StatusNotFound, "USER_NOT_FOUND", "사용자를 찾을 수 없습니다.")
	ErrChallengeNotFound      = NewAppError(http.StatusNotFound, "CHALLENGE_NOT_FOUND", "챌린지를 찾을 수 없습니다.")
	ErrAuthenticationNotFound = NewAppError(http.StatusNotFound, "AUTHENTICATION_NOT_FOUND", "인증 기록을 찾을 수 없습니다.")
	ErrJobNotFound            = NewAppError(http.StatusNotFound, "JOB_NOT_FOUND", "작업을 찾을 수 없습니다.")
	ErrMediaNotFound          = NewAppError(http.StatusNotFound, "MEDIA_NOT_FOUND", "파일을 찾을 수 없습니다.")
	ErrRouteNotFound          = NewAppError(http.StatusNotFound, "ROUTE_NOT_FOUND", "페이지를 찾을 수 없습니다.")
	ErrMethodNotAllowed       = NewAppError(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "허용되지 않는 요청입니다.")

	ErrAssistantUnavailable = NewAppError(http.StatusBadGateway, "ASSISTANT_UNAVAILABLE", "AI 어시스턴트를 준비하지 못했습니다.")
	ErrAssistantRunFailed   = NewAppError(http.StatusBadGateway, "ASSISTANT_RUN_FAILED", "AI 응답을 생성하지 못했습니다.")
	ErrAssistantTimeout     = NewAppError(http.StatusGatewayTimeout, "ASSISTANT_TIMEOUT", "AI 응답 시간이 초과되었습니다.")
	ErrEnqueueFailed        = NewAppError(http.StatusServiceUnavailable, "ENQUEUE_FAILED", "요청을 처리 대기열에 넣지 못했습니다.")

	ErrInternal = NewAppError(http.StatusInternalServerError, "INTERNAL", "서버 오류가 발생했습니다.")
)

// AsAppError maps any error to an AppError, falling back to ErrInternal.
func AsAppError(err error) *AppError {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return ErrInternal.Wrap(err)
}
