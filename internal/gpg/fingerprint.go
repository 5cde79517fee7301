// Package gpg はサイトのOpenPGP鍵束の管理と、署名・暗号化・鍵サーバーからの鍵取得を提供する。
// 鍵束ファイルは複数プロセスからの同時書き込みで破損するため、
// すべての操作は Keyring.Open が保持する分散ロックの内側で行う。
package gpg

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/openpgp"

	"github.com/hitoshi/xmppaccount/internal/model"
)

// fingerprintLength はv4フィンガープリントの16進文字数。
const fingerprintLength = 40

// NormalizeFingerprint はユーザー入力のフィンガープリントを大文字の40桁16進に正規化する。
// 空白と先頭の "0x" は取り除く。
func NormalizeFingerprint(s string) (string, error) {
	s = strings.Join(strings.Fields(s), "")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.ToUpper(s)
	if len(s) != fingerprintLength {
		return "", fmt.Errorf("フィンガープリントは%d桁の16進数である必要があります", fingerprintLength)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("フィンガープリントに16進数以外の文字が含まれています")
	}
	return s, nil
}

// Fingerprint はエンティティの主鍵のフィンガープリントを返す。
func Fingerprint(e *openpgp.Entity) string {
	return strings.ToUpper(hex.EncodeToString(e.PrimaryKey.Fingerprint[:]))
}

func find(list openpgp.EntityList, fpr string) *openpgp.Entity {
	for _, e := range list {
		if Fingerprint(e) == fpr {
			return e
		}
	}
	return nil
}

// KeyFingerprint はASCII armor形式の鍵を鍵束に取り込まずに解析し、
// 先頭の鍵のフィンガープリントを返す。アップロードされた鍵の事前検証に使う。
func KeyFingerprint(armored string) (string, error) {
	list, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return "", model.NewGpgKeyError("鍵を読み込めません", err)
	}
	if len(list) == 0 {
		return "", model.NewGpgKeyError("鍵が含まれていません", nil)
	}
	return Fingerprint(list[0]), nil
}
