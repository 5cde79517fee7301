// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// requestInfoContextKey はリクエスト単位の付帯情報を格納するためのキー。
var requestInfoContextKey = contextKey("request_info")

// requestInfo はハンドラーがアクセスログに残したい情報を保持する。
// ロギングミドルウェアが生成し、ハンドラーの処理後に読み出す。
type requestInfo struct {
	mu  sync.Mutex
	jid string
}

// withRequestInfo はコンテキストに空のrequestInfoを注入する。
func withRequestInfo(ctx context.Context) (context.Context, *requestInfo) {
	info := &requestInfo{}
	return context.WithValue(ctx, requestInfoContextKey, info), info
}

// SetJID は処理対象のJIDをリクエストに記録する。
// ロギングミドルウェアを通過していないリクエストでは何もしない。
func SetJID(ctx context.Context, jid string) {
	info, ok := ctx.Value(requestInfoContextKey).(*requestInfo)
	if !ok {
		return
	}
	info.mu.Lock()
	info.jid = jid
	info.mu.Unlock()
}

// JIDFromContext はリクエストに記録されたJIDを取得する。
func JIDFromContext(ctx context.Context) (string, error) {
	info, ok := ctx.Value(requestInfoContextKey).(*requestInfo)
	if !ok {
		return "", fmt.Errorf("request info not found in context")
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	if info.jid == "" {
		return "", fmt.Errorf("jid not found in context")
	}
	return info.jid, nil
}

// ClientAddr は要求元のIPアドレスを返す。
// chiのRealIPミドルウェアの後ではX-Forwarded-For等が反映されたRemoteAddrを使う。
func ClientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
