package mail

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"

	"github.com/hitoshi/xmppaccount/internal/gpg"
	"github.com/hitoshi/xmppaccount/internal/lock"
	"github.com/hitoshi/xmppaccount/internal/model"
)

const testKeyBits = 1024

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubKeyserver は登録済みの鍵だけを返す鍵サーバー。
type stubKeyserver struct {
	keys  map[string]string
	calls int
}

func (s *stubKeyserver) Fetch(_ context.Context, fpr string) (string, error) {
	s.calls++
	if k, ok := s.keys[fpr]; ok {
		return k, nil
	}
	return "", gpg.ErrKeyNotFound
}

type fixture struct {
	keyring *gpg.Keyring
	siteFpr string
	alice   *openpgp.Entity
	site    openpgp.EntityList
	keys    *stubKeyserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	k := gpg.NewKeyring(t.TempDir(), lock.NewFileLocker(), 2*time.Second, "", nil, discardLogger())
	siteFpr, err := k.GenerateSigningKey(ctx, "example.org", "noreply@example.org", testKeyBits)
	require.NoError(t, err)

	var sitePub string
	require.NoError(t, k.Open(ctx, func(s *gpg.Session) error {
		sitePub, err = s.ExportPublic(siteFpr)
		return err
	}))
	site, err := openpgp.ReadArmoredKeyRing(strings.NewReader(sitePub))
	require.NoError(t, err)

	alice, err := openpgp.NewEntity("Alice", "", "alice@mail.test", &packet.Config{RSABits: testKeyBits})
	require.NoError(t, err)

	return &fixture{
		keyring: k,
		siteFpr: siteFpr,
		alice:   alice,
		site:    site,
		keys:    &stubKeyserver{keys: map[string]string{gpg.Fingerprint(alice): armoredPublic(t, alice)}},
	}
}

func armoredPublic(t *testing.T, e *openpgp.Entity) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, e.Serialize(w))
	require.NoError(t, w.Close())
	return buf.String()
}

func baseRequest(f *fixture) Request {
	return Request{
		From:              "Example <noreply@example.org>",
		To:                "alice@mail.test",
		Subject:           "登録の確認",
		Text:              "confirm: https://example.org/register/confirm/abc",
		HTML:              `<p>confirm: <a href="https://example.org/register/confirm/abc">link</a></p>`,
		SignerFingerprint: f.siteFpr,
	}
}

// parts はmultipartの直下のパートを生のバイト列として取り出す。
func parts(t *testing.T, p Part) (map[string]string, [][]byte) {
	t.Helper()
	mediaType, params, err := mime.ParseMediaType(p.ContentType())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(mediaType, "multipart/"), mediaType)

	delim := []byte("--" + params["boundary"])
	chunks := bytes.Split(p.body, delim)
	var out [][]byte
	for _, c := range chunks[1 : len(chunks)-1] {
		c = bytes.TrimPrefix(c, []byte("\r\n"))
		c = bytes.TrimSuffix(c, []byte("\r\n"))
		out = append(out, c)
	}
	params["media_type"] = mediaType
	return params, out
}

func TestAlternative_IsParsableMultipart(t *testing.T) {
	alt := Alternative("hello", "<p>hello</p>")
	mediaType, params, err := mime.ParseMediaType(alt.ContentType())
	require.NoError(t, err)
	assert.Equal(t, "multipart/alternative", mediaType)

	r := multipart.NewReader(bytes.NewReader(alt.body), params["boundary"])
	var types []string
	for {
		part, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(part)
		require.NoError(t, err)
		types = append(types, part.Header.Get("Content-Type"))
		assert.Contains(t, string(body), "hello")
	}
	assert.Equal(t, []string{"text/plain; charset=utf-8", "text/html; charset=utf-8"}, types)
}

func TestEncryptedContainer_Layout(t *testing.T) {
	root := EncryptedContainer([]byte("-----BEGIN PGP MESSAGE-----\nabc\n-----END PGP MESSAGE-----\n"))
	params, ps := parts(t, root)
	assert.Equal(t, "multipart/encrypted", params["media_type"])
	assert.Equal(t, ProtocolEncrypted, params["protocol"])
	require.Len(t, ps, 2)
	assert.Contains(t, string(ps[0]), "Content-Type: application/pgp-encrypted")
	assert.Contains(t, string(ps[0]), "Version: 1")
	assert.Contains(t, string(ps[1]), "application/octet-stream")
	assert.Contains(t, string(ps[1]), "BEGIN PGP MESSAGE\r\nabc\r\n")
}

func TestMessage_Bytes(t *testing.T) {
	msg := NewMessage("Example <noreply@example.org>", "alice@mail.test", "確認", Alternative("a", "<p>a</p>"), time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	raw := string(msg.Bytes())

	assert.Contains(t, raw, "From: Example <noreply@example.org>\r\n")
	assert.Contains(t, raw, "To: alice@mail.test\r\n")
	assert.Contains(t, raw, "Subject: =?utf-8?q?")
	assert.Contains(t, raw, "Mime-Version: 1.0\r\n")
	assert.Contains(t, raw, "@example.org>\r\n")
	assert.Contains(t, raw, "Content-Type: multipart/alternative; boundary=")
}

func TestPipeline_WithoutKeyringIsPlain(t *testing.T) {
	p := NewPipeline(nil, nil, nil, discardLogger())
	res, err := p.Build(context.Background(), Request{
		From: "noreply@example.org", To: "alice@mail.test", Subject: "s", Text: "t", HTML: "<p>t</p>",
		Payload:      model.Payload{GPGFingerprint: "0123456789ABCDEF0123456789ABCDEF01234567"},
		ForceSigning: true,
	})
	require.NoError(t, err)
	assert.Equal(t, ModePlain, res.Mode)
	assert.True(t, strings.HasPrefix(res.Message.ContentType(), "multipart/alternative"))
}

func TestPipeline_NoFingerprintNoForcedSigningIsPlain(t *testing.T) {
	f := newFixture(t)
	p := NewPipeline(f.keyring, f.keys, nil, discardLogger())

	res, err := p.Build(context.Background(), baseRequest(f))
	require.NoError(t, err)
	assert.Equal(t, ModePlain, res.Mode)

	raw := string(res.Message.Bytes())
	assert.True(t, strings.HasPrefix(res.Message.ContentType(), "multipart/alternative"))
	assert.NotContains(t, raw, "application/pgp")
	assert.NotContains(t, raw, "BEGIN PGP")
	assert.Equal(t, 0, f.keys.calls)
}

func TestPipeline_FingerprintAndSigningKeyEncryptsAndSigns(t *testing.T) {
	f := newFixture(t)
	p := NewPipeline(f.keyring, f.keys, nil, discardLogger())

	req := baseRequest(f)
	req.Payload = model.Payload{GPGFingerprint: strings.ToLower(gpg.Fingerprint(f.alice))}
	res, err := p.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ModeSignedEncrypted, res.Mode)
	assert.Equal(t, gpg.Fingerprint(f.alice), res.RecipientFingerprint)
	assert.Equal(t, 1, f.keys.calls, "鍵サーバーから鍵を更新する")

	params, ps := parts(t, res.Message.Root())
	assert.Equal(t, "multipart/encrypted", params["media_type"])
	assert.Equal(t, ProtocolEncrypted, params["protocol"])
	require.Len(t, ps, 2)

	_, body, ok := bytes.Cut(ps[1], []byte("\r\n\r\n"))
	require.True(t, ok)
	block, err := armor.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	md, err := openpgp.ReadMessage(block.Body, append(openpgp.EntityList{f.alice}, f.site...), nil, nil)
	require.NoError(t, err)
	assert.True(t, md.IsSigned)
	decrypted, err := io.ReadAll(md.UnverifiedBody)
	require.NoError(t, err)
	assert.NoError(t, md.SignatureError)
	assert.Contains(t, string(decrypted), "multipart/alternative")
}

func TestPipeline_ForcedSigningProducesVerifiableSignedMessage(t *testing.T) {
	f := newFixture(t)
	p := NewPipeline(f.keyring, f.keys, nil, discardLogger())

	req := baseRequest(f)
	req.ForceSigning = true
	res, err := p.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ModeSigned, res.Mode)

	params, ps := parts(t, res.Message.Root())
	assert.Equal(t, "multipart/signed", params["media_type"])
	assert.Equal(t, ProtocolSignature, params["protocol"])
	assert.Equal(t, MicAlg, params["micalg"])
	require.Len(t, ps, 2)

	_, sig, ok := bytes.Cut(ps[1], []byte("\r\n\r\n"))
	require.True(t, ok)
	signer, err := openpgp.CheckArmoredDetachedSignature(f.site, bytes.NewReader(ps[0]), bytes.NewReader(sig))
	require.NoError(t, err)
	assert.Equal(t, f.siteFpr, gpg.Fingerprint(signer))
}

func TestPipeline_EncryptOnlyWithoutSigningKey(t *testing.T) {
	f := newFixture(t)
	p := NewPipeline(f.keyring, f.keys, nil, discardLogger())

	req := baseRequest(f)
	req.SignerFingerprint = ""
	req.Payload = model.Payload{GPGFingerprint: gpg.Fingerprint(f.alice)}
	res, err := p.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ModeEncrypted, res.Mode)
}

func TestPipeline_UploadedKeyIsImportedAndAdopted(t *testing.T) {
	f := newFixture(t)
	p := NewPipeline(f.keyring, nil, nil, discardLogger())

	bob, err := openpgp.NewEntity("Bob", "", "bob@mail.test", &packet.Config{RSABits: testKeyBits})
	require.NoError(t, err)

	req := baseRequest(f)
	req.Payload = model.Payload{GPGKey: armoredPublic(t, bob)}
	res, err := p.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ModeSignedEncrypted, res.Mode)
	assert.Equal(t, gpg.Fingerprint(bob), res.RecipientFingerprint)
}

func TestPipeline_UnknownFingerprint(t *testing.T) {
	f := newFixture(t)
	p := NewPipeline(f.keyring, f.keys, nil, discardLogger())

	req := baseRequest(f)
	req.Payload = model.Payload{GPGFingerprint: "0123456789ABCDEF0123456789ABCDEF01234567"}

	res, err := p.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ModePlain, res.Mode, "既定では暗号化せずに送信する")

	req.Strict = true
	_, err = p.Build(context.Background(), req)
	var gpgErr *model.GpgError
	require.True(t, errors.As(err, &gpgErr))
	assert.Equal(t, model.FieldGPGFingerprint, gpgErr.Field)
}

func TestPipeline_InvalidUploadedKey(t *testing.T) {
	f := newFixture(t)
	p := NewPipeline(f.keyring, f.keys, nil, discardLogger())

	req := baseRequest(f)
	req.Payload = model.Payload{GPGKey: "-----BEGIN PGP PUBLIC KEY BLOCK-----\ngarbage\n"}
	req.ForceSigning = true

	res, err := p.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ModeSigned, res.Mode, "暗号化できなくても強制署名は行う")

	req.Strict = true
	_, err = p.Build(context.Background(), req)
	var gpgErr *model.GpgError
	require.True(t, errors.As(err, &gpgErr))
	assert.Equal(t, model.FieldGPGKey, gpgErr.Field)
}

func TestPipeline_FallbackFingerprintFromAccount(t *testing.T) {
	f := newFixture(t)
	p := NewPipeline(f.keyring, f.keys, nil, discardLogger())

	req := baseRequest(f)
	req.FallbackFingerprint = gpg.Fingerprint(f.alice)
	res, err := p.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ModeSignedEncrypted, res.Mode)
}

func TestPipeline_LockTimeoutIsTemporary(t *testing.T) {
	ctx := context.Background()
	k := gpg.NewKeyring(t.TempDir(), lock.NewFileLocker(), 100*time.Millisecond, "", nil, discardLogger())
	require.NoError(t, k.Open(ctx, func(*gpg.Session) error { return nil }))

	guard, err := lock.NewFileLocker().Acquire(ctx, k.LockResource(), time.Second)
	require.NoError(t, err)
	defer guard.Release()

	p := NewPipeline(k, nil, nil, discardLogger())
	_, err = p.Build(ctx, Request{From: "a@example.org", To: "b@mail.test", ForceSigning: true})
	assert.True(t, model.IsTemporary(err))
}

// fakeSMTPServer は最小限のSMTP対話を行い、受信したDATAを記録する。
type fakeSMTPServer struct {
	ln       net.Listener
	mu       sync.Mutex
	data     string
	rcpt     string
	rcptCode string
}

func startFakeSMTP(t *testing.T, rcptCode string) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSMTPServer{ln: ln, rcptCode: rcptCode}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *fakeSMTPServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }

	reply("220 localhost ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 localhost")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			reply("250 OK")
		case strings.HasPrefix(cmd, "RCPT TO"):
			s.mu.Lock()
			s.rcpt = strings.TrimSpace(line)
			s.mu.Unlock()
			reply(s.rcptCode)
		case cmd == "DATA":
			reply("354 go ahead")
			var buf strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				buf.WriteString(l)
			}
			s.mu.Lock()
			s.data = buf.String()
			s.mu.Unlock()
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func TestSMTPSender_Send(t *testing.T) {
	srv := startFakeSMTP(t, "250 OK")
	sender := NewSMTPSender(srv.ln.Addr().String(), "", "", discardLogger())

	msg := NewMessage("Example <noreply@example.org>", "alice@mail.test", "hi", Alternative("body", "<p>body</p>"), time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sender.Send(ctx, msg))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Contains(t, srv.rcpt, "<alice@mail.test>")
	assert.Contains(t, srv.data, "Subject: hi")
	assert.Contains(t, srv.data, "multipart/alternative")
}

func TestSMTPSender_TransientRejectionIsTemporary(t *testing.T) {
	srv := startFakeSMTP(t, "451 try again later")
	sender := NewSMTPSender(srv.ln.Addr().String(), "", "", discardLogger())

	msg := NewMessage("noreply@example.org", "alice@mail.test", "hi", Alternative("b", "<p>b</p>"), time.Now())
	err := sender.Send(context.Background(), msg)
	assert.True(t, model.IsTemporary(err))
}

func TestSMTPSender_PermanentRejection(t *testing.T) {
	srv := startFakeSMTP(t, "550 no such user")
	sender := NewSMTPSender(srv.ln.Addr().String(), "", "", discardLogger())

	msg := NewMessage("noreply@example.org", "ghost@mail.test", "hi", Alternative("b", "<p>b</p>"), time.Now())
	err := sender.Send(context.Background(), msg)
	require.Error(t, err)
	assert.False(t, model.IsTemporary(err))
}

func TestSMTPSender_ConnectionRefusedIsTemporary(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	err = NewSMTPSender(addr, "", "", discardLogger()).Send(context.Background(),
		NewMessage("noreply@example.org", "alice@mail.test", "hi", Alternative("b", "<p>b</p>"), time.Now()))
	assert.True(t, model.IsTemporary(err))
}

func TestLogSender_Send(t *testing.T) {
	var buf bytes.Buffer
	sender := NewLogSender(slog.New(slog.NewJSONHandler(&buf, nil)))
	msg := NewMessage("noreply@example.org", "alice@mail.test", "hi", Alternative("b", "<p>b</p>"), time.Now())

	require.NoError(t, sender.Send(context.Background(), msg))
	assert.Contains(t, buf.String(), `"to":"alice@mail.test"`)
	assert.Contains(t, buf.String(), `"subject":"hi"`)
}
