package model

import (
	"errors"
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: account, confirmation, validation, gpg, system
	Action   string // ユーザー向け対処方法
	Field    string // 入力フォームの対象フィールド（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUserExists           = "USER_EXISTS"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
	ErrCodeConfirmationNotFound = "CONFIRMATION_NOT_FOUND"
	ErrCodeRegistrationClosed   = "REGISTRATION_CLOSED"
	ErrCodeManageDisabled       = "MANAGE_DISABLED"
	ErrCodeInvalidJID           = "INVALID_JID"
	ErrCodeInvalidInput         = "INVALID_INPUT"
	ErrCodeGpgInvalid           = "GPG_INVALID"
	ErrCodeBackendFailed        = "BACKEND_FAILED"
	ErrCodeTemporary            = "TEMPORARY_FAILURE"
)

// ドメインエラー（センチネル）
var (
	// ErrUserExists はアカウントが既に存在することを示す。
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound はアカウントが存在しないことを示す。
	ErrUserNotFound = errors.New("user not found")
	// ErrConfirmationNotFound は確認トークンが存在しない・期限切れ・消費済みであることを示す。
	ErrConfirmationNotFound = errors.New("confirmation not found")
	// ErrRegistrationClosed はドメインでWeb登録が許可されていないことを示す。
	ErrRegistrationClosed = errors.New("registration is closed for this domain")
	// ErrManageDisabled はドメインでWebからのアカウント管理が許可されていないことを示す。
	ErrManageDisabled = errors.New("account management is disabled for this domain")
)

// BackendError はXMPPサーバーバックエンドが想定外の応答を返したことを示す。
type BackendError struct {
	Op      string // バックエンド操作名
	Code    int    // 終了コード・結果コード
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend %s failed with code %d", e.Op, e.Code)
	}
	return fmt.Sprintf("backend %s failed with code %d: %s", e.Op, e.Code, e.Message)
}

// TemporaryError はリトライすれば成功する可能性のある一時的な失敗を示す。
// ロック取得のタイムアウトやバックエンドの接続エラーが該当する。
type TemporaryError struct {
	Op         string
	Err        error
	RetryAfter time.Duration // 0の場合は呼び出し側の既定値を使う
}

// Error はerrorインターフェースを実装する。
func (e *TemporaryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: temporary failure", e.Op)
	}
	return fmt.Sprintf("%s: temporary failure: %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *TemporaryError) Unwrap() error {
	return e.Err
}

// IsTemporary はエラーチェーンにTemporaryErrorが含まれるかを返す。
func IsTemporary(err error) bool {
	var te *TemporaryError
	return errors.As(err, &te)
}

// RetryAfter はTemporaryErrorが示す再試行までの待ち時間を返す。指定がなければ0。
func RetryAfter(err error) time.Duration {
	var te *TemporaryError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// GPGフィールド名
const (
	FieldGPGFingerprint = "gpg_fingerprint"
	FieldGPGKey         = "gpg_key"
)

// GpgError はユーザーが指定したGPGフィンガープリントや鍵が利用できないことを示す。
// Fieldはフォームのどの入力に起因するかを表す。
type GpgError struct {
	Field   string
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *GpgError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Field, e.Message, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *GpgError) Unwrap() error {
	return e.Err
}

// NewGpgFingerprintError はフィンガープリント起因のGpgErrorを生成する。
func NewGpgFingerprintError(message string, err error) *GpgError {
	return &GpgError{Field: FieldGPGFingerprint, Message: message, Err: err}
}

// NewGpgKeyError はアップロードされた鍵起因のGpgErrorを生成する。
func NewGpgKeyError(message string, err error) *GpgError {
	return &GpgError{Field: FieldGPGKey, Message: message, Err: err}
}

// NewUserExistsError はアカウント重複エラーを生成する。
func NewUserExistsError(jid string) *APIError {
	return &APIError{
		Code:     ErrCodeUserExists,
		Message:  fmt.Sprintf("このアカウントは既に存在します: %s", jid),
		Category: "account",
		Action:   "別のユーザー名を指定してください。",
		Field:    "username",
	}
}

// NewUserNotFoundError はアカウント未検出エラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "アカウントが見つからないか、確認済みのメールアドレスが登録されていません。",
		Category: "account",
		Action:   "ユーザー名とドメインを確認してください。",
		Field:    "username",
	}
}

// NewConfirmationNotFoundError は確認トークン未検出エラーを生成する。
func NewConfirmationNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeConfirmationNotFound,
		Message:  "確認リンクが無効か、有効期限が切れています。",
		Category: "confirmation",
		Action:   "もう一度手続きをやり直してください。",
	}
}

// NewRegistrationClosedError はWeb登録不可エラーを生成する。
func NewRegistrationClosedError(domain string) *APIError {
	return &APIError{
		Code:     ErrCodeRegistrationClosed,
		Message:  fmt.Sprintf("このドメインではWebからの登録を受け付けていません: %s", domain),
		Category: "account",
		Action:   "XMPPクライアントから直接登録してください。",
		Field:    "domain",
	}
}

// NewManageDisabledError はWeb管理不可エラーを生成する。
func NewManageDisabledError(domain string) *APIError {
	return &APIError{
		Code:     ErrCodeManageDisabled,
		Message:  fmt.Sprintf("このドメインのアカウントはWebから管理できません: %s", domain),
		Category: "account",
		Action:   "サーバーの管理者に連絡してください。",
		Field:    "domain",
	}
}

// NewInvalidJIDError は無効なJIDエラーを生成する。
func NewInvalidJIDError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidJID,
		Message:  fmt.Sprintf("無効なユーザー名です: %s", reason),
		Category: "validation",
		Action:   "使用できない文字が含まれていないか確認してください。",
		Field:    "username",
	}
}

// NewInvalidInputError は入力値検証エラーを生成する。
func NewInvalidInputError(field, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  reason,
		Category: "validation",
		Action:   "入力内容を確認してください。",
		Field:    field,
	}
}

// NewGpgAPIError はGpgErrorからAPIエラーを生成する。
func NewGpgAPIError(e *GpgError) *APIError {
	return &APIError{
		Code:     ErrCodeGpgInvalid,
		Message:  e.Message,
		Category: "gpg",
		Action:   "フィンガープリントまたは公開鍵を確認してください。",
		Field:    e.Field,
	}
}

// NewBackendFailedError はバックエンド失敗エラーを生成する。
func NewBackendFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeBackendFailed,
		Message:  "XMPPサーバーとの通信でエラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。問題が続く場合は管理者に連絡してください。",
	}
}

// NewTemporaryFailureError は一時的な失敗エラーを生成する。
func NewTemporaryFailureError() *APIError {
	return &APIError{
		Code:     ErrCodeTemporary,
		Message:  "一時的にリクエストを処理できません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
