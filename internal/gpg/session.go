package gpg

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"

	"github.com/hitoshi/xmppaccount/internal/model"
)

// ErrNoSecretKey は指定したフィンガープリントの秘密鍵が鍵束にないことを示す。
var ErrNoSecretKey = errors.New("secret key not found")

// ErrNoPublicKey は指定したフィンガープリントの公開鍵が鍵束にないことを示す。
var ErrNoPublicKey = errors.New("public key not found")

// Session はロックを保持している間だけ有効な鍵束の操作ハンドル。
// Keyring.Open のコールバック外に持ち出してはならない。
type Session struct {
	keyring *Keyring

	public      openpgp.EntityList
	secret      openpgp.EntityList
	secretRaw   []byte
	publicDirty bool
	newSecrets  []*openpgp.Entity
}

// Import はASCII armor形式の公開鍵を鍵束に取り込み、取り込んだ鍵のフィンガープリントを返す。
// 秘密鍵の素材が含まれていても公開部分のみを保存する。
func (s *Session) Import(armored string) ([]string, error) {
	list, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, model.NewGpgKeyError("鍵を読み込めません", err)
	}
	if len(list) == 0 {
		return nil, model.NewGpgKeyError("鍵が含まれていません", nil)
	}

	fingerprints := make([]string, 0, len(list))
	for _, e := range list {
		stripPrivate(e)
		fpr := Fingerprint(e)
		s.putPublic(e)
		fingerprints = append(fingerprints, fpr)
	}
	return fingerprints, nil
}

func stripPrivate(e *openpgp.Entity) {
	e.PrivateKey = nil
	for i := range e.Subkeys {
		e.Subkeys[i].PrivateKey = nil
	}
}

// putPublic は同じフィンガープリントの鍵を置き換えるか、末尾に追加する。
func (s *Session) putPublic(e *openpgp.Entity) {
	fpr := Fingerprint(e)
	for i, existing := range s.public {
		if Fingerprint(existing) == fpr {
			s.public[i] = e
			s.publicDirty = true
			return
		}
	}
	s.public = append(s.public, e)
	s.publicDirty = true
}

// HasPublicKey は公開鍵が鍵束にあるかを返す。
func (s *Session) HasPublicKey(fpr string) bool {
	return find(s.public, fpr) != nil
}

// HasSecretKey は署名に使える秘密鍵が鍵束にあるかを返す。
func (s *Session) HasSecretKey(fpr string) bool {
	e := find(s.secret, fpr)
	return e != nil && e.PrivateKey != nil
}

// AddSecret は新しく生成した秘密鍵を鍵束に追加する。公開部分は公開鍵束にも追加する。
func (s *Session) AddSecret(e *openpgp.Entity) {
	s.secret = append(s.secret, e)
	s.newSecrets = append(s.newSecrets, e)

	var buf bytes.Buffer
	if err := e.Serialize(&buf); err == nil {
		if pub, err := openpgp.ReadEntity(packet.NewReader(&buf)); err == nil {
			s.putPublic(pub)
		}
	}
}

// signer は署名用のエンティティを返す。暗号化された秘密鍵はパスフレーズで復号する。
func (s *Session) signer(fpr string) (*openpgp.Entity, error) {
	e := find(s.secret, fpr)
	if e == nil || e.PrivateKey == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSecretKey, fpr)
	}
	if e.PrivateKey.Encrypted {
		if err := e.PrivateKey.Decrypt(s.keyring.passphrase); err != nil {
			return nil, fmt.Errorf("署名鍵の復号に失敗しました: %w", err)
		}
	}
	for _, sub := range e.Subkeys {
		if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
			if err := sub.PrivateKey.Decrypt(s.keyring.passphrase); err != nil {
				return nil, fmt.Errorf("署名用副鍵の復号に失敗しました: %w", err)
			}
		}
	}
	return e, nil
}

// Sign はdataに対するASCII armor形式の分離署名を返す。
func (s *Session) Sign(signerFpr string, data []byte) ([]byte, error) {
	signer, err := s.signer(signerFpr)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&buf, signer, bytes.NewReader(data), s.keyring.config()); err != nil {
		return nil, fmt.Errorf("署名に失敗しました: %w", err)
	}
	return buf.Bytes(), nil
}

// Encrypt はdataを受信者の公開鍵で暗号化し、ASCII armor形式で返す。
// signerFprが空でない場合は同じパスで署名も行う。
func (s *Session) Encrypt(recipientFpr, signerFpr string, data []byte) ([]byte, error) {
	recipient := find(s.public, recipientFpr)
	if recipient == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPublicKey, recipientFpr)
	}

	var signer *openpgp.Entity
	if signerFpr != "" {
		var err error
		if signer, err = s.signer(signerFpr); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	armored, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		return nil, fmt.Errorf("armorエンコーダーの作成に失敗しました: %w", err)
	}
	plain, err := openpgp.Encrypt(armored, []*openpgp.Entity{recipient}, signer, nil, s.keyring.config())
	if err != nil {
		return nil, fmt.Errorf("暗号化に失敗しました: %w", err)
	}
	if _, err := plain.Write(data); err != nil {
		return nil, fmt.Errorf("暗号化に失敗しました: %w", err)
	}
	if err := plain.Close(); err != nil {
		return nil, fmt.Errorf("暗号化に失敗しました: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("armorエンコードに失敗しました: %w", err)
	}
	return buf.Bytes(), nil
}

// ExportPublic は公開鍵をASCII armor形式で返す。
func (s *Session) ExportPublic(fpr string) (string, error) {
	e := find(s.public, fpr)
	if e == nil {
		return "", fmt.Errorf("%w: %s", ErrNoPublicKey, fpr)
	}
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", err
	}
	if err := e.Serialize(w); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
