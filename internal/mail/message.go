package mail

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"mime"
	netmail "net/mail"
	"net/textproto"
	"strings"
	"time"
)

// Message は送信可能な不変のメール。
// 生成後にヘッダーやprotocolパラメータを書き換える手段は提供しない。
type Message struct {
	from      string
	to        string
	subject   string
	date      time.Time
	messageID string
	root      Part
}

// NewMessage はrootを本文とするメールを生成する。
func NewMessage(from, to, subject string, root Part, now time.Time) *Message {
	return &Message{
		from:      from,
		to:        to,
		subject:   subject,
		date:      now,
		messageID: newMessageID(from),
		root:      root,
	}
}

func newMessageID(from string) string {
	domain := "localhost"
	if addr, err := netmail.ParseAddress(from); err == nil {
		if _, d, ok := strings.Cut(addr.Address, "@"); ok {
			domain = d
		}
	}
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "<" + hex.EncodeToString(b) + "@" + domain + ">"
}

// From は送信元アドレスを返す。
func (m *Message) From() string { return m.from }

// To は宛先アドレスを返す。
func (m *Message) To() string { return m.to }

// Subject は件名を返す。
func (m *Message) Subject() string { return m.subject }

// ContentType は最上位パートのContent-Typeを返す。
func (m *Message) ContentType() string { return m.root.ContentType() }

// Root は最上位パートを返す。
func (m *Message) Root() Part { return m.root }

// envelopeAddress はSMTPのエンベロープに使うアドレス部分を返す。
func envelopeAddress(s string) string {
	if addr, err := netmail.ParseAddress(s); err == nil {
		return addr.Address
	}
	return s
}

// Bytes はRFC 5322形式のメール全体を返す。
func (m *Message) Bytes() []byte {
	h := textproto.MIMEHeader{}
	for k, v := range m.root.header {
		h[k] = v
	}
	h.Set("From", m.from)
	h.Set("To", m.to)
	h.Set("Subject", mime.QEncoding.Encode("utf-8", m.subject))
	h.Set("Date", m.date.Format(time.RFC1123Z))
	h.Set("Message-Id", m.messageID)
	h.Set("Mime-Version", "1.0")

	var buf bytes.Buffer
	writeHeader(&buf, h)
	buf.WriteString("\r\n")
	buf.Write(m.root.body)
	return buf.Bytes()
}
