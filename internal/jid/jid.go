// Package jid はXMPPアカウント識別子（node@domain）の解析と正規化を提供する。
package jid

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// maxPartLength はnode部とdomain部それぞれの最大バイト長（RFC 7622）。
const maxPartLength = 1023

// forbiddenNodeChars はnode部に含めることができない文字。
const forbiddenNodeChars = "@/\"&'<>: \t\r\n"

// ErrInvalid は解析できないJIDを表す。
var ErrInvalid = errors.New("invalid jid")

// JID はXMPPアカウントの識別子を表す。
// Nodeは小文字化済み、DomainはIDNA変換済み（ASCII）の値を保持する。
type JID struct {
	Node   string
	Domain string
}

var profile = idna.New(
	idna.MapForLookup(),
	idna.Transitional(false),
	idna.StrictDomainName(false),
)

// Parse は "node@domain" 形式の文字列をJIDに変換する。
// XMPPのnode部は大文字小文字を区別しないため小文字に正規化する。
func Parse(s string) (JID, error) {
	s = strings.TrimSpace(s)
	node, domain, ok := strings.Cut(s, "@")
	if !ok || strings.Contains(domain, "@") {
		return JID{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return New(node, domain)
}

// New はnode部とdomain部からJIDを生成する。
func New(node, domain string) (JID, error) {
	node = strings.ToLower(strings.TrimSpace(node))
	if node == "" || len(node) > maxPartLength {
		return JID{}, fmt.Errorf("%w: node length", ErrInvalid)
	}
	if strings.ContainsAny(node, forbiddenNodeChars) {
		return JID{}, fmt.Errorf("%w: node contains forbidden characters", ErrInvalid)
	}

	d, err := NormalizeDomain(domain)
	if err != nil {
		return JID{}, err
	}
	return JID{Node: node, Domain: d}, nil
}

// NormalizeDomain はドメインをIDNAのlookupプロファイルでASCII形式に変換する。
func NormalizeDomain(domain string) (string, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return "", fmt.Errorf("%w: empty domain", ErrInvalid)
	}
	ascii, err := profile.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	ascii = strings.ToLower(ascii)
	if len(ascii) > maxPartLength {
		return "", fmt.Errorf("%w: domain length", ErrInvalid)
	}
	return ascii, nil
}

// String は "node@domain" 形式の文字列を返す。
func (j JID) String() string {
	return j.Node + "@" + j.Domain
}

// IsZero は未設定のJIDかどうかを返す。
func (j JID) IsZero() bool {
	return j.Node == "" && j.Domain == ""
}
