// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"time"

	"github.com/hitoshi/xmppaccount/internal/jid"
)

// RegistrationMethod はアカウントの登録経路を表す。
type RegistrationMethod string

const (
	// RegistrationWebsite はこのサイト経由の登録。
	RegistrationWebsite RegistrationMethod = "website"
	// RegistrationInband はXMPPプロトコル自体によるIn-Band登録。
	RegistrationInband RegistrationMethod = "inband"
	// RegistrationUnknown は登録経路が不明なアカウント。
	RegistrationUnknown RegistrationMethod = "unknown"
)

// Account はこのサービスが管理するXMPPアカウントを表す。
// パスワードや存在の真の状態はバックエンド側が保持し、ここでは補助情報のみを持つ。
type Account struct {
	ID                 string
	JID                jid.JID
	Email              string // 確認前の場合もある
	GPGFingerprint     string
	RegistrationMethod RegistrationMethod
	RegisteredAt       time.Time
	ConfirmedAt        *time.Time // メールアドレス確認済みの場合のみ非nil
}

// errConfirmWithoutEmail は確認日時を設定する際にメールアドレスが空の場合のエラー。
var errConfirmWithoutEmail = errors.New("account cannot be confirmed without an email address")

// IsConfirmed はメールアドレスが確認済みかどうかを返す。
func (a *Account) IsConfirmed() bool {
	return a.ConfirmedAt != nil
}

// HasEmail はパスワードリセットや削除に使える確認済みメールアドレスを持つかを返す。
func (a *Account) HasEmail() bool {
	return a.Email != "" && a.ConfirmedAt != nil
}

// Confirm はメールアドレスを確認済みとして記録する。
// 確認日時が非nilならメールアドレスも非空でなければならない。
func (a *Account) Confirm(email string, at time.Time) error {
	if email == "" {
		email = a.Email
	}
	if email == "" {
		return errConfirmWithoutEmail
	}
	a.Email = email
	t := at
	a.ConfirmedAt = &t
	return nil
}
