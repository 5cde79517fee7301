// Package mail は通知メールのMIME構築と、OpenPGPによる署名・暗号化の判定、送信を提供する。
package mail

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"sort"
	"strings"
)

// MIMEタイプとprotocolパラメータ（RFC 3156）
const (
	ProtocolSignature = "application/pgp-signature"
	ProtocolEncrypted = "application/pgp-encrypted"
	// MicAlg は署名に使うハッシュアルゴリズム。gpg.Keyringの設定と一致させる。
	MicAlg = "pgp-sha256"
)

// Part は不変のMIMEエンティティ（ヘッダーと本文）。
// Bytesは送信されるバイト列そのものを返し、署名対象として使える。
type Part struct {
	header textproto.MIMEHeader
	body   []byte
}

// ContentType はContent-Typeヘッダーの値を返す。
func (p Part) ContentType() string {
	return p.header.Get("Content-Type")
}

// Body は本文を返す。
func (p Part) Body() []byte {
	return append([]byte(nil), p.body...)
}

// Bytes はCRLF改行で正規化したヘッダーと本文を返す。
func (p Part) Bytes() []byte {
	var buf bytes.Buffer
	writeHeader(&buf, p.header)
	buf.WriteString("\r\n")
	buf.Write(p.body)
	return buf.Bytes()
}

func writeHeader(w io.Writer, h textproto.MIMEHeader) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			io.WriteString(w, k+": "+v+"\r\n")
		}
	}
}

// toCRLF は改行をCRLFに揃える。
func toCRLF(b []byte) []byte {
	s := strings.ReplaceAll(string(b), "\r\n", "\n")
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func quotedPrintable(text string) []byte {
	var buf bytes.Buffer
	w := quotedprintable.NewWriter(&buf)
	_, _ = w.Write([]byte(text))
	_ = w.Close()
	return toCRLF(buf.Bytes())
}

func textPart(mediaType, text string) Part {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mime.FormatMediaType(mediaType, map[string]string{"charset": "utf-8"}))
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	return Part{header: h, body: quotedPrintable(text)}
}

// TextPart はtext/plainのパートを生成する。
func TextPart(text string) Part {
	return textPart("text/plain", text)
}

// HTMLPart はtext/htmlのパートを生成する。
func HTMLPart(html string) Part {
	return textPart("text/html", html)
}

// Multipart は子パートを持つmultipart/<subtype>を生成する。
// params（protocol、micalgなど）はContent-Typeに明示的に設定され、生成後に変更されない。
func Multipart(subtype string, params map[string]string, parts ...Part) Part {
	boundary := multipart.NewWriter(io.Discard).Boundary()

	ctParams := map[string]string{"boundary": boundary}
	for k, v := range params {
		ctParams[k] = v
	}

	var body bytes.Buffer
	for _, p := range parts {
		body.WriteString("--" + boundary + "\r\n")
		body.Write(p.Bytes())
		body.WriteString("\r\n")
	}
	body.WriteString("--" + boundary + "--\r\n")

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mime.FormatMediaType("multipart/"+subtype, ctParams))
	return Part{header: h, body: body.Bytes()}
}

// Alternative はテキストとHTMLのmultipart/alternativeを生成する。
func Alternative(text, html string) Part {
	return Multipart("alternative", nil, TextPart(text), HTMLPart(html))
}

// SignedContainer はcontentと分離署名からmultipart/signedを生成する（RFC 3156 §5）。
func SignedContainer(content Part, signature []byte) Part {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mime.FormatMediaType(ProtocolSignature, map[string]string{"name": "signature.asc"}))
	h.Set("Content-Description", "OpenPGP digital signature")
	h.Set("Content-Disposition", `attachment; filename="signature.asc"`)
	sig := Part{header: h, body: toCRLF(signature)}

	return Multipart("signed", map[string]string{
		"protocol": ProtocolSignature,
		"micalg":   MicAlg,
	}, content, sig)
}

// EncryptedContainer は暗号文からmultipart/encryptedを生成する（RFC 3156 §4）。
// 先頭には固定のバージョン識別パートを置く。
func EncryptedContainer(ciphertext []byte) Part {
	vh := textproto.MIMEHeader{}
	vh.Set("Content-Type", ProtocolEncrypted)
	vh.Set("Content-Description", "PGP/MIME version identification")
	version := Part{header: vh, body: []byte("Version: 1\r\n")}

	eh := textproto.MIMEHeader{}
	eh.Set("Content-Type", mime.FormatMediaType("application/octet-stream", map[string]string{"name": "encrypted.asc"}))
	eh.Set("Content-Description", "OpenPGP encrypted message")
	eh.Set("Content-Disposition", `inline; filename="encrypted.asc"`)
	encrypted := Part{header: eh, body: toCRLF(ciphertext)}

	return Multipart("encrypted", map[string]string{"protocol": ProtocolEncrypted}, version, encrypted)
}
