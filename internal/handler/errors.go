package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/xmppaccount/internal/middleware"
	"github.com/hitoshi/xmppaccount/internal/model"
)

// defaultRetryAfter はTemporaryErrorが待ち時間を示さない場合のRetry-After。
const defaultRetryAfter = 60 * time.Second

// maxBodySize はリクエストボディの上限。アップロードされるGPG公開鍵を収められる大きさ。
const maxBodySize = 256 << 10

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// 期限切れと未知の確認キーは同じ404になる。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		apiErr     *model.APIError
		gpgErr     *model.GpgError
		backendErr *model.BackendError
	)

	switch {
	case model.IsTemporary(err):
		retryAfter := model.RetryAfter(err)
		if retryAfter <= 0 {
			retryAfter = defaultRetryAfter
		}
		slog.Warn("temporary failure", slog.String("error", err.Error()))
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second)/time.Second)))
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewTemporaryFailureError())
	case errors.As(err, &apiErr):
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
	case errors.As(err, &gpgErr):
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewGpgAPIError(gpgErr))
	case errors.Is(err, model.ErrUserExists):
		writeAPIErrorResponse(w, http.StatusConflict, model.NewUserExistsError(requestJID(r)))
	case errors.Is(err, model.ErrUserNotFound):
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
	case errors.Is(err, model.ErrConfirmationNotFound):
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewConfirmationNotFoundError())
	case errors.Is(err, model.ErrRegistrationClosed):
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewRegistrationClosedError(requestDomain(r)))
	case errors.Is(err, model.ErrManageDisabled):
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewManageDisabledError(requestDomain(r)))
	case errors.As(err, &backendErr):
		slog.Error("backend error",
			slog.String("op", backendErr.Op),
			slog.Int("code", backendErr.Code),
			slog.String("error", backendErr.Error()),
		)
		writeAPIErrorResponse(w, http.StatusBadGateway, model.NewBackendFailedError())
	default:
		slog.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUserExists:
		return http.StatusConflict
	case model.ErrCodeUserNotFound, model.ErrCodeConfirmationNotFound:
		return http.StatusNotFound
	case model.ErrCodeRegistrationClosed, model.ErrCodeManageDisabled:
		return http.StatusForbidden
	case model.ErrCodeInvalidJID, model.ErrCodeInvalidInput, model.ErrCodeGpgInvalid:
		return http.StatusBadRequest
	case model.ErrCodeBackendFailed:
		return http.StatusBadGateway
	case model.ErrCodeTemporary:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// requestJID はアクセスログ用に記録されたJIDを返す。
func requestJID(r *http.Request) string {
	jid, err := middleware.JIDFromContext(r.Context())
	if err != nil {
		return ""
	}
	return jid
}

func requestDomain(r *http.Request) string {
	_, domain, _ := strings.Cut(requestJID(r), "@")
	return domain
}

// decodeRequest はJSONまたはフォーム形式のボディをdstに読み込む。
// フォームの場合はformFieldsでフィールドを埋める。
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any, formFields func(get func(string) string)) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			writeInvalidRequest(w)
			return false
		}
		return true
	}

	if err := r.ParseForm(); err != nil {
		writeInvalidRequest(w)
		return false
	}
	formFields(r.PostForm.Get)
	return true
}

func writeInvalidRequest(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式またはフォーム形式でリクエストしてください。",
	})
}
