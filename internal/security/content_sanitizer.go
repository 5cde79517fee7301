// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService は通知メールのHTML本文をサニタイズし、
// 同じ本文からtext/plainパートを導出する。
// bluemondayライブラリを使用した許可リストベースのポリシーで、
// 安全なタグと属性のみを通過させる。
package security

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はHTMLコンテンツのサニタイズ機能のインターフェースを定義する。
// 通知メールの構築時に使用される。
type ContentSanitizerService interface {
	// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, a, ul, ol, li, blockquote, pre, code, strong, em, h1-h3）のみを通過させ、
	// script, iframe, style, imgタグおよびon*イベント属性を除去する。
	// aタグのhref属性はhttp/httpsの絶対URLのみ許可される。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(rawHTML string) string

	// PlainText はHTMLからtext/plain用の本文を導出する。
	// ブロック要素の終わりを改行に置き換え、リンクは「テキスト (URL)」の形で残す。
	// 3行以上続く空行は1行にまとめる。
	PlainText(rawHTML string) string
}

var (
	// anchorPattern はリンクをテキスト表現に変換するための正規表現。
	anchorPattern = regexp.MustCompile(`(?is)<a\s[^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
	// blockEndPattern は改行に置き換えるタグ。
	blockEndPattern = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|li|h[1-6]|blockquote|pre|tr)>`)
	// listItemPattern は箇条書きの先頭に置き換えるタグ。
	listItemPattern = regexp.MustCompile(`(?i)<li[^>]*>`)
	blankRunPattern = regexp.MustCompile(`\n{3,}`)
)

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// 初期化時にbluemondayのカスタムポリシーを構築する。
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	// script, iframe, style等は許可リストに含めないことで自動的に除去される
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "h1", "h2", "h3",
	)

	// メールクライアントは相対URLを解決できないため絶対URLのみ
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemes("http", "https")
	p.RequireNoReferrerOnLinks(true)

	return &contentSanitizer{
		policy: p,
		strict: bluemonday.StrictPolicy(),
	}
}

// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}

// PlainText はHTMLからtext/plain用の本文を導出する。
func (s *contentSanitizer) PlainText(rawHTML string) string {
	text := anchorPattern.ReplaceAllStringFunc(rawHTML, func(m string) string {
		sub := anchorPattern.FindStringSubmatch(m)
		href, label := html.UnescapeString(sub[1]), strings.TrimSpace(sub[2])
		if label == "" || label == href {
			return href
		}
		return label + " (" + href + ")"
	})
	text = listItemPattern.ReplaceAllString(text, "- ")
	text = blockEndPattern.ReplaceAllString(text, "\n")

	// StrictPolicyはエンティティをエスケープして返すため元に戻す
	text = html.UnescapeString(s.strict.Sanitize(text))

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankRunPattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text) + "\n"
}
