package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/xmppaccount/internal/confirm"
	"github.com/hitoshi/xmppaccount/internal/model"
)

// ConfirmHandler は確認リンク（/{purpose}/confirm/{key}）のHTTPハンドラー。
type ConfirmHandler struct {
	service AccountServiceInterface
}

// NewConfirmHandler はConfirmHandlerの新しいインスタンスを生成する。
func NewConfirmHandler(service AccountServiceInterface) *ConfirmHandler {
	return &ConfirmHandler{service: service}
}

type confirmRequest struct {
	Password  string `json:"password"`
	Password2 string `json:"password2"`
}

func (b *confirmRequest) fromForm(get func(string) string) {
	b.Password = get("password")
	b.Password2 = get("password2")
}

// formResponse は引き換えに必要な入力項目。
type formResponse struct {
	Purpose string   `json:"purpose"`
	Fields  []string `json:"fields"`
}

// formFields は目的ごとの入力項目を返す。
func formFields(p model.Purpose) []string {
	switch p {
	case model.PurposeRegister, model.PurposeSetPassword:
		return []string{"password", "password2"}
	default:
		return []string{"password"}
	}
}

// parseTarget はURLの目的とキーを検証する。形式が不正な場合は未知のキーと同じく404にする。
func parseTarget(w http.ResponseWriter, r *http.Request) (model.Purpose, string, bool) {
	purpose, err := model.ParsePurpose(chi.URLParam(r, "purpose"))
	key := chi.URLParam(r, "key")
	if err != nil || !confirm.ValidKey(key) {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewConfirmationNotFoundError())
		return "", "", false
	}
	return purpose, key, true
}

// Form はGET /{purpose}/confirm/{key}を処理する。
// キーの存在は明かさず、入力項目だけを返す。
func (h *ConfirmHandler) Form(w http.ResponseWriter, r *http.Request) {
	purpose, _, ok := parseTarget(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, formResponse{Purpose: string(purpose), Fields: formFields(purpose)})
}

// Redeem はPOST /{purpose}/confirm/{key}を処理する。
func (h *ConfirmHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	purpose, key, ok := parseTarget(w, r)
	if !ok {
		return
	}
	var body confirmRequest
	if !decodeRequest(w, r, &body, body.fromForm) {
		return
	}

	var (
		status string
		err    error
	)
	ctx := r.Context()
	switch purpose {
	case model.PurposeRegister:
		status, err = "registered", h.service.ConfirmRegistration(ctx, key, body.Password, body.Password2)
	case model.PurposeSetPassword:
		status, err = "password_set", h.service.ConfirmPasswordReset(ctx, key, body.Password, body.Password2)
	case model.PurposeSetEmail:
		status, err = "email_set", h.service.ConfirmEmailChange(ctx, key, body.Password)
	case model.PurposeDelete:
		status, err = "deleted", h.service.ConfirmDelete(ctx, key, body.Password)
	}
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: status})
}
