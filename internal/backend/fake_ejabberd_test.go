package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
)

// fakeEjabberd はejabberdのアカウント状態を模したテスト用サーバー。
// ejabberdctlの終了コードとHTTP APIの応答の両方を返せる。
type fakeEjabberd struct {
	mu       sync.Mutex
	users    map[string]string // "user@host" -> password
	banned   map[string]bool   // unban_accountまで解除されない
	lastSet  map[string]int64
	messages []string
	commands []string
}

func newFakeEjabberd() *fakeEjabberd {
	return &fakeEjabberd{
		users:   make(map[string]string),
		banned:  make(map[string]bool),
		lastSet: make(map[string]int64),
	}
}

func (f *fakeEjabberd) record(cmd string) {
	f.commands = append(f.commands, cmd)
}

func (f *fakeEjabberd) commandCount(cmd string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if c == cmd {
			n++
		}
	}
	return n
}

// exec はコマンドを実行し、ejabberdの結果コード（0/1）を返す。
func (f *fakeEjabberd) exec(cmd string, args map[string]string) (int, any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(cmd)

	key := args["user"] + "@" + args["host"]
	_, exists := f.users[key]

	switch cmd {
	case "check_account":
		if exists {
			return 0, 0
		}
		return 1, 1
	case "register":
		if exists {
			return 1, 1
		}
		f.users[key] = args["password"]
		return 0, "User " + key + " successfully registered"
	case "check_password":
		if exists && !f.banned[key] && f.users[key] == args["password"] {
			return 0, 0
		}
		return 1, 1
	case "change_password":
		if !exists {
			return 1, 1
		}
		f.users[key] = args["newpass"]
		return 0, 0
	case "ban_account":
		if !exists {
			return 1, 1
		}
		f.banned[key] = true
		return 0, 0
	case "unregister":
		if !exists {
			return 1, 1
		}
		delete(f.users, key)
		delete(f.banned, key)
		return 0, 0
	case "set_last":
		f.lastSet[key] = 1
		return 0, 0
	case "send_message":
		f.messages = append(f.messages, args["to"]+"|"+args["subject"])
		return 0, 0
	case "registered_users":
		users := make([]string, 0)
		for k := range f.users {
			node, host, _ := strings.Cut(k, "@")
			if host == args["host"] {
				users = append(users, node)
			}
		}
		sort.Strings(users)
		return 0, users
	}
	return 3, "unknown command"
}

// runner はejabberdctlの呼び出しを模したrunFuncを返す。
func (f *fakeEjabberd) runner() runFunc {
	return func(_ context.Context, _ string, args ...string) (int, []byte, error) {
		cmd, rest := args[0], args[1:]
		m := map[string]string{}
		switch cmd {
		case "check_account", "unregister":
			m["user"], m["host"] = rest[0], rest[1]
		case "register", "check_password":
			m["user"], m["host"], m["password"] = rest[0], rest[1], rest[2]
		case "change_password":
			m["user"], m["host"], m["newpass"] = rest[0], rest[1], rest[2]
		case "ban_account":
			m["user"], m["host"], m["reason"] = rest[0], rest[1], rest[2]
		case "registered_users":
			m["host"] = rest[0]
		}
		code, result := f.exec(cmd, m)
		if users, ok := result.([]string); ok {
			return code, []byte(strings.Join(users, "\n") + "\n"), nil
		}
		return code, nil, nil
	}
}

// server はejabberd HTTP APIを模したhttptest.Serverを起動する。
func (f *fakeEjabberd) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cmd := strings.TrimPrefix(r.URL.Path, "/api/")
		raw := map[string]any{}
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		args := map[string]string{}
		for k, v := range raw {
			if s, ok := v.(string); ok {
				args[k] = s
			}
		}

		code, result := f.exec(cmd, args)
		w.Header().Set("Content-Type", "application/json")
		if cmd == "register" && code == 1 {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(apiErrorBody{Status: "error", Code: 10090, Message: "User already registered"})
			return
		}
		_ = json.NewEncoder(w).Encode(result)
	}))
	t.Cleanup(srv.Close)
	return srv
}
