package gpg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	// maxKeySize は鍵サーバーから受け取る鍵の最大サイズ。
	maxKeySize         = 1 * 1024 * 1024
	keyserverUserAgent = "xmppaccount/1.0"
)

// ErrKeyNotFound は鍵サーバーに該当する鍵がないことを示す。
var ErrKeyNotFound = errors.New("key not found on keyserver")

// Keyserver はHKPプロトコルで公開鍵を取得するクライアント。
type Keyserver struct {
	baseURL string
	client  *retryablehttp.Client
	logger  *slog.Logger
}

// NewKeyserver はKeyserverの新しいインスタンスを生成する。
// httpClientにはSSRF防止機能付きのクライアントを渡す想定。
func NewKeyserver(baseURL string, httpClient *http.Client, logger *slog.Logger) *Keyserver {
	client := retryablehttp.NewClient()
	if httpClient != nil {
		client.HTTPClient = httpClient
	}
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 3 * time.Second
	client.Logger = nil

	return &Keyserver{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

// Fetch はフィンガープリントに一致する公開鍵をASCII armor形式で取得する。
// 鍵が存在しない場合はErrKeyNotFoundを返す。
func (k *Keyserver) Fetch(ctx context.Context, fpr string) (string, error) {
	q := url.Values{}
	q.Set("op", "get")
	q.Set("options", "mr")
	q.Set("search", "0x"+fpr)
	reqURL := k.baseURL + "/pks/lookup?" + q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("鍵サーバーへのリクエスト作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", keyserverUserAgent)
	req.Header.Set("Accept", "application/pgp-keys")

	resp, err := k.client.Do(req)
	if err != nil {
		k.logger.Warn("鍵サーバーからの取得に失敗しました",
			slog.String("fingerprint", fpr),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("鍵サーバーからの取得に失敗しました: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrKeyNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("鍵サーバーがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySize))
	if err != nil {
		return "", fmt.Errorf("鍵サーバーのレスポンス読み取りに失敗しました: %w", err)
	}
	if !strings.Contains(string(body), "BEGIN PGP PUBLIC KEY BLOCK") {
		return "", ErrKeyNotFound
	}
	return string(body), nil
}
