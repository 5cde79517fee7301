package gpg

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/openpgp"
)

// defaultKeyBits はサイト署名鍵のRSA鍵長。
const defaultKeyBits = 4096

// GenerateSigningKey はサイトの署名鍵を生成して鍵束に追加し、フィンガープリントを返す。
// bitsが0以下の場合はdefaultKeyBitsを使う。生成した秘密鍵はパスフレーズなしで保存される。
func (k *Keyring) GenerateSigningKey(ctx context.Context, name, email string, bits int) (string, error) {
	if bits <= 0 {
		bits = defaultKeyBits
	}
	cfg := k.config()
	cfg.RSABits = bits

	entity, err := openpgp.NewEntity(name, "", email, cfg)
	if err != nil {
		return "", fmt.Errorf("鍵の生成に失敗しました: %w", err)
	}
	fpr := Fingerprint(entity)

	err = k.Open(ctx, func(s *Session) error {
		s.AddSecret(entity)
		return nil
	})
	if err != nil {
		return "", err
	}

	k.logger.Info("署名鍵を生成しました",
		slog.String("email", email),
		slog.String("fingerprint", fpr),
	)
	return fpr, nil
}
