package handler

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/text/language"

	"github.com/hitoshi/xmppaccount/internal/account"
	"github.com/hitoshi/xmppaccount/internal/middleware"
)

// AccountServiceInterface はAccountHandlerが依存するサービスのインターフェース。
type AccountServiceInterface interface {
	Register(ctx context.Context, req account.Request) error
	RequestPasswordReset(ctx context.Context, req account.Request) error
	RequestEmailChange(ctx context.Context, req account.Request) error
	RequestDelete(ctx context.Context, req account.Request) error
	Available(ctx context.Context, username, domain string) (bool, error)
	ConfirmRegistration(ctx context.Context, key, password, passwordConfirm string) error
	ConfirmPasswordReset(ctx context.Context, key, password, passwordConfirm string) error
	ConfirmEmailChange(ctx context.Context, key, password string) error
	ConfirmDelete(ctx context.Context, key, password string) error
}

// AccountHandler は手続きの要求フェーズのHTTPハンドラー。
type AccountHandler struct {
	service AccountServiceInterface
}

// NewAccountHandler はAccountHandlerの新しいインスタンスを生成する。
func NewAccountHandler(service AccountServiceInterface) *AccountHandler {
	return &AccountHandler{service: service}
}

// accountRequest は要求フェーズのリクエストボディ。
type accountRequest struct {
	Username       string `json:"username"`
	Domain         string `json:"domain"`
	Email          string `json:"email"`
	Password       string `json:"password"`
	GPGFingerprint string `json:"gpg_fingerprint"`
	GPGKey         string `json:"gpg_key"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type availableResponse struct {
	Available bool `json:"available"`
}

// Register はPOST /api/registerを処理する。
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	h.request(w, r, "confirmation_sent", h.service.Register)
}

// SetPassword はPOST /api/set-passwordを処理する。
func (h *AccountHandler) SetPassword(w http.ResponseWriter, r *http.Request) {
	h.request(w, r, "confirmation_sent", h.service.RequestPasswordReset)
}

// SetEmail はPOST /api/set-emailを処理する。
func (h *AccountHandler) SetEmail(w http.ResponseWriter, r *http.Request) {
	h.request(w, r, "confirmation_sent", h.service.RequestEmailChange)
}

// Delete はPOST /api/deleteを処理する。
func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.request(w, r, "confirmation_sent", h.service.RequestDelete)
}

// Available はPOST /api/availableを処理する。使用済みのユーザー名には409を返す。
func (h *AccountHandler) Available(w http.ResponseWriter, r *http.Request) {
	var body accountRequest
	if !decodeRequest(w, r, &body, body.fromForm) {
		return
	}
	setRequestJID(r, body.Username, body.Domain)

	ok, err := h.service.Available(r.Context(), body.Username, body.Domain)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, availableResponse{Available: false})
		return
	}
	writeJSON(w, http.StatusOK, availableResponse{Available: true})
}

func (h *AccountHandler) request(w http.ResponseWriter, r *http.Request, status string, fn func(context.Context, account.Request) error) {
	var body accountRequest
	if !decodeRequest(w, r, &body, body.fromForm) {
		return
	}
	setRequestJID(r, body.Username, body.Domain)

	err := fn(r.Context(), account.Request{
		Username:       body.Username,
		Domain:         body.Domain,
		Email:          body.Email,
		Password:       body.Password,
		GPGFingerprint: body.GPGFingerprint,
		GPGKey:         body.GPGKey,
		Address:        middleware.ClientAddr(r),
		Lang:           preferredLanguage(r),
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, statusResponse{Status: status})
}

func (b *accountRequest) fromForm(get func(string) string) {
	b.Username = get("username")
	b.Domain = get("domain")
	b.Email = get("email")
	b.Password = get("password")
	b.GPGFingerprint = get("gpg_fingerprint")
	b.GPGKey = get("gpg_key")
}

// setRequestJID はアクセスログとエラーメッセージのためにJIDを記録する。
func setRequestJID(r *http.Request, username, domain string) {
	username = strings.TrimSpace(username)
	domain = strings.TrimSpace(domain)
	if username == "" || domain == "" {
		return
	}
	middleware.SetJID(r.Context(), strings.ToLower(username)+"@"+strings.ToLower(domain))
}

// preferredLanguage はAccept-Languageの先頭の言語の基本サブタグを返す。
func preferredLanguage(r *http.Request) string {
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return ""
	}
	base, conf := tags[0].Base()
	if conf == language.No {
		return ""
	}
	return base.String()
}
