package gpg

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	// packet.ConfigのDefaultHashで使う
	_ "crypto/sha256"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"

	"github.com/hitoshi/xmppaccount/internal/lock"
	"github.com/hitoshi/xmppaccount/internal/metrics"
)

const (
	publicRingFile = "pubring.gpg"
	secretRingFile = "secring.gpg"
)

// Keyring はGNUPG_HOME配下の公開鍵束と秘密鍵束を表す。
type Keyring struct {
	home        string
	locker      lock.Locker
	lockTimeout time.Duration
	passphrase  []byte
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
}

// NewKeyring はKeyringの新しいインスタンスを生成する。
// passphraseは暗号化された署名鍵の復号に使う（空の場合は未暗号化の鍵のみ使える）。
func NewKeyring(home string, locker lock.Locker, lockTimeout time.Duration, passphrase string, m metrics.MetricsCollector, logger *slog.Logger) *Keyring {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Keyring{
		home:        home,
		locker:      locker,
		lockTimeout: lockTimeout,
		passphrase:  []byte(passphrase),
		metrics:     m,
		logger:      logger,
	}
}

// Home は鍵束のディレクトリを返す。
func (k *Keyring) Home() string {
	return k.home
}

// LockResource は鍵束を保護するロックのリソース名を返す。
// ファイルロックでは "<home>/secring.gpg.xmppaccount.lock" が作成される。
func (k *Keyring) LockResource() string {
	return filepath.Join(k.home, secretRingFile)
}

func (k *Keyring) config() *packet.Config {
	return &packet.Config{DefaultHash: crypto.SHA256, DefaultCipher: packet.CipherAES256}
}

// Open はロックを取得して鍵束を読み込み、fnにセッションを渡す。
// fnが成功し鍵束が変更されていた場合は、ロックを保持したまま書き戻す。
// ロックを取得できない場合は*model.TemporaryErrorを返す。
func (k *Keyring) Open(ctx context.Context, fn func(s *Session) error) error {
	if err := os.MkdirAll(k.home, 0o700); err != nil {
		return fmt.Errorf("鍵束ディレクトリの作成に失敗しました: %w", err)
	}

	start := time.Now()
	return lock.With(ctx, k.locker, k.LockResource(), k.lockTimeout, func(ctx context.Context) error {
		k.metrics.RecordLockWait(time.Since(start))

		s, err := k.load()
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		return k.save(s)
	})
}

func (k *Keyring) load() (*Session, error) {
	public, _, err := readRing(filepath.Join(k.home, publicRingFile))
	if err != nil {
		return nil, err
	}
	secret, secretRaw, err := readRing(filepath.Join(k.home, secretRingFile))
	if err != nil {
		return nil, err
	}
	return &Session{keyring: k, public: public, secret: secret, secretRaw: secretRaw}, nil
}

// readRing はバイナリ形式の鍵束を読み込み、エンティティと元のバイト列を返す。
// ファイルが存在しない場合は空の鍵束とする。
func readRing(path string) (openpgp.EntityList, []byte, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(raw) == 0) {
		return openpgp.EntityList{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("鍵束 %s を開けません: %w", filepath.Base(path), err)
	}

	list, err := openpgp.ReadKeyRing(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("鍵束 %s の読み込みに失敗しました: %w", filepath.Base(path), err)
	}
	return list, raw, nil
}

func (k *Keyring) save(s *Session) error {
	if s.publicDirty {
		var buf bytes.Buffer
		for _, e := range s.public {
			if err := e.Serialize(&buf); err != nil {
				return fmt.Errorf("公開鍵の書き出しに失敗しました: %w", err)
			}
		}
		if err := writeFileAtomic(filepath.Join(k.home, publicRingFile), buf.Bytes()); err != nil {
			return err
		}
		s.publicDirty = false
	}

	if len(s.newSecrets) > 0 {
		var buf bytes.Buffer
		// 既存の秘密鍵は復号済みの状態で書き出さないよう元のバイト列をそのまま残す
		buf.Write(s.secretRaw)
		for _, e := range s.newSecrets {
			if err := e.SerializePrivate(&buf, k.config()); err != nil {
				return fmt.Errorf("秘密鍵の書き出しに失敗しました: %w", err)
			}
		}
		if err := writeFileAtomic(filepath.Join(k.home, secretRingFile), buf.Bytes()); err != nil {
			return err
		}
		s.newSecrets = nil
	}
	return nil
}

// writeFileAtomic は一時ファイルに書き込んでからリネームする。
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗しました: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("鍵束の書き込みに失敗しました: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("鍵束の権限設定に失敗しました: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("鍵束の同期に失敗しました: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("鍵束の書き込みに失敗しました: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("鍵束の置き換えに失敗しました: %w", err)
	}
	return nil
}
