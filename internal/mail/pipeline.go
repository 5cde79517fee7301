package mail

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/hitoshi/xmppaccount/internal/gpg"
	"github.com/hitoshi/xmppaccount/internal/metrics"
	"github.com/hitoshi/xmppaccount/internal/model"
)

// Mode は送信するメールの暗号化・署名の形態。
type Mode string

const (
	ModePlain           Mode = "plain"
	ModeSigned          Mode = "signed"
	ModeEncrypted       Mode = "encrypted"
	ModeSignedEncrypted Mode = "signed_encrypted"
)

// KeyFetcher は鍵サーバーから公開鍵を取得する。gpg.Keyserverが実装する。
type KeyFetcher interface {
	Fetch(ctx context.Context, fpr string) (string, error)
}

// Request はメール構築の入力。
type Request struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string

	// SignerFingerprint はサイトの署名鍵。空の場合は署名しない。
	SignerFingerprint string
	// ForceSigning は暗号化しない場合も署名する。
	ForceSigning bool
	// Payload は受信者のフィンガープリントまたはアップロードされた鍵を持つ。
	Payload model.Payload
	// FallbackFingerprint はアカウントに登録済みのフィンガープリント。
	FallbackFingerprint string
	// Strict がtrueの場合、署名・暗号化の失敗を平文送信で代替せずエラーにする。
	Strict bool
}

// Result は構築したメールと、その形態。
type Result struct {
	Message *Message
	Mode    Mode
	// RecipientFingerprint は暗号化に使った鍵のフィンガープリント。
	// 鍵がアップロードされた場合は取り込んだ鍵のものになる。
	RecipientFingerprint string
}

// Pipeline はリクエストごとに平文・署名・暗号化・署名付き暗号化のいずれで送るかを判定し、
// メールを構築する。鍵束の操作はすべてKeyring.Openのロック内で行う。
type Pipeline struct {
	keyring *gpg.Keyring
	keys    KeyFetcher
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time
}

// NewPipeline はPipelineの新しいインスタンスを生成する。
// keyringがnilの場合は暗号機能を使わず、常に平文のmultipart/alternativeを構築する。
func NewPipeline(keyring *gpg.Keyring, keys KeyFetcher, m metrics.MetricsCollector, logger *slog.Logger) *Pipeline {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Pipeline{
		keyring: keyring,
		keys:    keys,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Build はメールを構築する。
func (p *Pipeline) Build(ctx context.Context, req Request) (*Result, error) {
	alt := Alternative(req.Text, req.HTML)
	plain := func() *Result {
		return &Result{Message: NewMessage(req.From, req.To, req.Subject, alt, p.now()), Mode: ModePlain}
	}

	if p.keyring == nil {
		return plain(), nil
	}

	var result *Result
	err := p.keyring.Open(ctx, func(s *gpg.Session) error {
		recipient, err := p.resolveRecipient(ctx, s, req)
		if err != nil {
			if req.Strict {
				return err
			}
			p.metrics.RecordMailFailure("recipient_key")
			p.logger.Warn("受信者の鍵を利用できないため暗号化せずに送信します",
				slog.String("to", req.To),
				slog.String("error", err.Error()),
			)
			recipient = ""
		}

		encrypt := recipient != ""
		sign := req.SignerFingerprint != "" && s.HasSecretKey(req.SignerFingerprint) && (encrypt || req.ForceSigning)

		switch {
		case encrypt:
			signer := ""
			mode := ModeEncrypted
			if sign {
				signer = req.SignerFingerprint
				mode = ModeSignedEncrypted
			}
			ciphertext, err := s.Encrypt(recipient, signer, alt.Bytes())
			if err != nil || len(ciphertext) == 0 {
				if ferr := p.softFailure(req, "encrypt", "メッセージの暗号化に失敗しました", err); ferr != nil {
					return ferr
				}
				result = plain()
				return nil
			}
			root := EncryptedContainer(ciphertext)
			result = &Result{
				Message:              NewMessage(req.From, req.To, req.Subject, root, p.now()),
				Mode:                 mode,
				RecipientFingerprint: recipient,
			}
		case sign:
			signature, err := s.Sign(req.SignerFingerprint, alt.Bytes())
			if err != nil || len(signature) == 0 {
				if ferr := p.softFailure(req, "sign", "メッセージの署名に失敗しました", err); ferr != nil {
					return ferr
				}
				result = plain()
				return nil
			}
			root := SignedContainer(alt, signature)
			result = &Result{Message: NewMessage(req.From, req.To, req.Subject, root, p.now()), Mode: ModeSigned}
		default:
			result = plain()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// softFailure は署名・暗号化が出力を返さなかった場合の処理。
// strictモードでは型付きのエラーを返し、それ以外はnilを返して平文送信に切り替えさせる。
func (p *Pipeline) softFailure(req Request, op, message string, err error) error {
	p.metrics.RecordMailFailure(op)
	if req.Strict {
		return &model.GpgError{Message: message, Err: err}
	}
	attrs := []any{slog.String("op", op), slog.String("to", req.To)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	p.logger.Warn("暗号処理に失敗したため平文で送信します", attrs...)
	return nil
}

// resolveRecipient は暗号化に使う受信者のフィンガープリントを決める。
// 暗号化しない場合は空文字列を返す。
func (p *Pipeline) resolveRecipient(ctx context.Context, s *gpg.Session, req Request) (string, error) {
	switch {
	case req.Payload.GPGKey != "":
		fprs, err := s.Import(req.Payload.GPGKey)
		if err != nil {
			return "", err
		}
		return fprs[0], nil
	case req.Payload.GPGFingerprint != "":
		return p.refresh(ctx, s, req.Payload.GPGFingerprint)
	case req.FallbackFingerprint != "":
		return p.refresh(ctx, s, req.FallbackFingerprint)
	}
	return "", nil
}

// refresh は鍵サーバーから鍵を取得して鍵束を更新する。
// 取得できなくても鍵束に既にあればその鍵を使う。
func (p *Pipeline) refresh(ctx context.Context, s *gpg.Session, raw string) (string, error) {
	fpr, err := gpg.NormalizeFingerprint(raw)
	if err != nil {
		return "", model.NewGpgFingerprintError("フィンガープリントの形式が正しくありません", err)
	}

	if p.keys != nil {
		armored, err := p.keys.Fetch(ctx, fpr)
		if err == nil {
			imported, err := s.Import(armored)
			if err != nil || !slices.Contains(imported, fpr) {
				p.logger.Warn("鍵サーバーの応答に指定の鍵が含まれていません", slog.String("fingerprint", fpr))
			}
		} else {
			p.logger.Info("鍵サーバーから鍵を取得できませんでした",
				slog.String("fingerprint", fpr),
				slog.String("error", err.Error()),
			)
		}
	}

	if !s.HasPublicKey(fpr) {
		return "", model.NewGpgFingerprintError("指定されたフィンガープリントの鍵が見つかりません", nil)
	}
	return fpr, nil
}
