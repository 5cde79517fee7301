package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Purpose は確認トークンが保護する保留中の変更の種類を表す。
type Purpose string

const (
	// PurposeRegister は新規登録の確認。
	PurposeRegister Purpose = "register"
	// PurposeSetPassword はパスワード再設定の確認。
	PurposeSetPassword Purpose = "set-password"
	// PurposeSetEmail はメールアドレス変更の確認。
	PurposeSetEmail Purpose = "set-email"
	// PurposeDelete はアカウント削除の確認。
	PurposeDelete Purpose = "delete"
)

// Purposes は定義済みの全Purpose。
var Purposes = []Purpose{PurposeRegister, PurposeSetPassword, PurposeSetEmail, PurposeDelete}

// ParsePurpose は文字列をPurposeに変換する。
func ParsePurpose(s string) (Purpose, error) {
	for _, p := range Purposes {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown purpose: %q", s)
}

// Payload は確認後に適用する保留中の変更データ。
// JSONとしてトークンと一緒に永続化される。
type Payload struct {
	Email          string `json:"email,omitempty"`
	GPGFingerprint string `json:"gpg_fingerprint,omitempty"`
	GPGKey         string `json:"gpg_key,omitempty"` // ASCII armor形式の鍵
}

// Marshal はPayloadをJSONに変換する。
func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPayload はJSONからPayloadを復元する。空の入力は空のPayloadとして扱う。
func UnmarshalPayload(data []byte) (Payload, error) {
	var p Payload
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to decode payload: %w", err)
	}
	return p, nil
}

// Confirmation はメールアドレスの所有確認によって保護される一回限りのトークン。
type Confirmation struct {
	ID        string
	Key       string
	AccountID string
	Purpose   Purpose
	Payload   Payload
	CreatedAt time.Time
}

// ValidAt はTTLを考慮して指定時刻にトークンが有効かを返す。
func (c *Confirmation) ValidAt(now time.Time, ttl time.Duration) bool {
	return c.CreatedAt.Add(ttl).After(now)
}
