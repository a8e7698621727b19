// Package errors 提供中繼服務的錯誤分類
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 房間不存在
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidInput 訊息欄位缺漏或格式錯誤
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeStaleTarget 單播目標已斷線
	ErrCodeStaleTarget = "STALE_TARGET"
	// ErrCodeRateLimited 連線訊息速率超限
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼與訊息比對：WithDetails 的副本仍命中原本的預定義錯誤，
// 同錯誤碼的不同預定義錯誤彼此不相等（分類請用 IsNotFound 等函式）
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳附帶細節的副本，預定義錯誤本身不會被修改
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrRoomNotFound 加入不存在的房間；訊息文字會原樣回傳給客戶端
	ErrRoomNotFound = New(ErrCodeNotFound, "Room not found")

	// ErrNotMember 連線不在該房間內
	ErrNotMember = New(ErrCodeNotFound, "Not a member of this room")

	// ErrEmptyPayload 訊息缺少必要欄位，直接丟棄
	ErrEmptyPayload = New(ErrCodeInvalidInput, "empty payload")

	// ErrStaleTarget 單播目標已不在線，由路由器降級為廣播
	ErrStaleTarget = New(ErrCodeStaleTarget, "target connection is gone")

	// ErrRateLimited 連線超過訊息速率，該訊框被讀取端丟棄
	ErrRateLimited = New(ErrCodeRateLimited, "message rate exceeded")
)

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsInvalidInput 檢查是否為無效輸入錯誤
func IsInvalidInput(err error) bool {
	return hasCode(err, ErrCodeInvalidInput)
}

// Message 取出可回傳給客戶端的訊息文字
func Message(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
