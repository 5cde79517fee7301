package model

import "time"

// IPActivity はどのネットワークアドレスがどのアカウントに対してどの操作を要求したかを記録する。
// 不正利用の監査用で、保持期間を過ぎると削除される。
type IPActivity struct {
	ID        string
	Address   string
	AccountID string
	Purpose   Purpose
	CreatedAt time.Time
}
