package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/xmppaccount/internal/config"
	"github.com/hitoshi/xmppaccount/internal/model"
)

func TestEjabberdAPI_SendsBasicAuthAndStampsLastActivity(t *testing.T) {
	fake := newFakeEjabberd()
	inner := fake.server(t)

	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		inner.Config.Handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	api, err := NewEjabberdAPI(srv.URL+"/", "admin@example.org", "secret", time.Second, 0, nil, srv.Client(), discardLogger())
	require.NoError(t, err)

	require.NoError(t, api.Create(context.Background(), mustJID(t, "alice@example.org"), "pw", ""))
	assert.Equal(t, "admin@example.org", gotUser)
	assert.Equal(t, "secret", gotPass)
	assert.Equal(t, 1, fake.commandCount("set_last"))
	assert.Equal(t, 0, fake.commandCount("ban_account"))
}

func TestEjabberdAPI_ServerErrorIsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	api, err := NewEjabberdAPI(srv.URL, "", "", time.Second, 0, nil, srv.Client(), discardLogger())
	require.NoError(t, err)

	_, err = api.Exists(context.Background(), mustJID(t, "alice@example.org"))
	require.Error(t, err)
	assert.True(t, model.IsTemporary(err))
}

func TestEjabberdAPI_TimeoutIsTemporary(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	api, err := NewEjabberdAPI(srv.URL, "", "", 50*time.Millisecond, 0, nil, srv.Client(), discardLogger())
	require.NoError(t, err)

	_, err = api.CheckPassword(context.Background(), mustJID(t, "alice@example.org"), "pw")
	require.Error(t, err)
	assert.True(t, model.IsTemporary(err))
}

func TestEjabberdAPI_ClientErrorIsBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(apiErrorBody{Status: "error", Code: 10, Message: "Nodeprep failed"})
	}))
	defer srv.Close()

	api, err := NewEjabberdAPI(srv.URL, "", "", time.Second, 0, nil, srv.Client(), discardLogger())
	require.NoError(t, err)

	err = api.Create(context.Background(), mustJID(t, "alice@example.org"), "pw", "")
	var be *model.BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, http.StatusBadRequest, be.Code)
	assert.Equal(t, "Nodeprep failed", be.Message)
}

func TestEjabberdAPI_UnexpectedResultCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("7"))
	}))
	defer srv.Close()

	api, err := NewEjabberdAPI(srv.URL, "", "", time.Second, 0, nil, srv.Client(), discardLogger())
	require.NoError(t, err)

	_, err = api.Exists(context.Background(), mustJID(t, "alice@example.org"))
	var be *model.BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 7, be.Code)
}

func TestEjabberdAPI_MessageUsesServerJID(t *testing.T) {
	fake := newFakeEjabberd()
	srv := fake.server(t)
	api, err := NewEjabberdAPI(srv.URL, "", "", time.Second, 0, nil, srv.Client(), discardLogger())
	require.NoError(t, err)

	require.NoError(t, api.Message(context.Background(), mustJID(t, "alice@example.org"), "Welcome", "hi"))
	assert.Equal(t, []string{"alice@example.org|Welcome"}, fake.messages)
}

func TestNewEjabberdAPI_RequiresURL(t *testing.T) {
	_, err := NewEjabberdAPI("  ", "", "", 0, 0, nil, nil, discardLogger())
	assert.Error(t, err)
}

func TestEjabberdctl_ExitCodeMapping(t *testing.T) {
	ctl := NewEjabberdctl("/opt/ejabberd/bin/ejabberdctl", time.Second, nil, discardLogger())
	var gotPath string
	var gotArgs []string
	ctl.run = func(_ context.Context, path string, args ...string) (int, []byte, error) {
		gotPath, gotArgs = path, args
		return 2, []byte("  Error: account is locked \n"), nil
	}

	err := ctl.Create(context.Background(), mustJID(t, "alice@example.org"), "pw", "")
	var be *model.BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 2, be.Code)
	assert.Equal(t, "register", be.Op)
	assert.Equal(t, "Error: account is locked", be.Message)
	assert.Equal(t, "/opt/ejabberd/bin/ejabberdctl", gotPath)
	assert.Equal(t, []string{"register", "alice", "example.org", "pw"}, gotArgs)
}

func TestEjabberdctl_SpawnFailureIsTemporary(t *testing.T) {
	ctl := NewEjabberdctl("", time.Second, nil, discardLogger())
	ctl.run = func(context.Context, string, ...string) (int, []byte, error) {
		return -1, nil, errors.New("exec: not found")
	}

	_, err := ctl.Exists(context.Background(), mustJID(t, "alice@example.org"))
	assert.True(t, model.IsTemporary(err))
}

func TestEjabberdctl_ReservationCompletesWithoutBan(t *testing.T) {
	ctx := context.Background()
	fake := newFakeEjabberd()
	ctl := NewEjabberdctl("", time.Second, testHosts(), discardLogger())
	ctl.run = fake.runner()
	carol := mustJID(t, "carol@reserve.example")

	require.NoError(t, ctl.Create(ctx, carol, "", ""))
	assert.Equal(t, 1, fake.commandCount("register"))
	assert.Equal(t, 0, fake.commandCount("ban_account"), "banはchange_passwordで解除されない")

	require.NoError(t, ctl.Create(ctx, carol, "s3cret", "carol@mail.test"))
	ok, err := ctl.CheckPassword(ctx, carol, "s3cret")
	require.NoError(t, err)
	assert.True(t, ok, "予約を完了したアカウントはログインできる")
}

func TestEjabberdAPI_ReservationCompletesWithoutBan(t *testing.T) {
	ctx := context.Background()
	fake := newFakeEjabberd()
	srv := fake.server(t)
	api, err := NewEjabberdAPI(srv.URL, "admin@example.org", "secret", time.Second, 0, testHosts(), srv.Client(), discardLogger())
	require.NoError(t, err)
	carol := mustJID(t, "carol@reserve.example")

	require.NoError(t, api.Create(ctx, carol, "", ""))
	assert.Equal(t, 0, fake.commandCount("ban_account"))

	require.NoError(t, api.Create(ctx, carol, "s3cret", "carol@mail.test"))
	ok, err := api.CheckPassword(ctx, carol, "s3cret")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEjabberdctl_SetUnusablePasswordBans(t *testing.T) {
	ctx := context.Background()
	fake := newFakeEjabberd()
	ctl := NewEjabberdctl("", time.Second, nil, discardLogger())
	ctl.run = fake.runner()
	alice := mustJID(t, "alice@example.org")

	require.NoError(t, ctl.Create(ctx, alice, "pw", ""))
	require.NoError(t, ctl.SetUnusablePassword(ctx, alice))
	assert.Equal(t, 1, fake.commandCount("ban_account"))

	ok, err := ctl.CheckPassword(ctx, alice, "pw")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecCommand_ReportsExitCode(t *testing.T) {
	code, _, err := execCommand(context.Background(), "sh", "-c", "exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	code, _, err = execCommand(context.Background(), "sh", "-c", "exit 0")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRegistry_Open(t *testing.T) {
	b, err := Open(config.BackendConfig{Name: NameMemory}, Deps{Policy: testHosts()})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)

	b, err = Open(config.BackendConfig{Name: NameEjabberdctl, Timeout: time.Second}, Deps{})
	require.NoError(t, err)
	assert.IsType(t, &Ejabberdctl{}, b)

	_, err = Open(config.BackendConfig{Name: NameEjabberdAPI}, Deps{})
	assert.Error(t, err, "URLなしのAPIバックエンドは起動時に失敗する")

	_, err = Open(config.BackendConfig{Name: "django"}, Deps{})
	assert.Error(t, err)
}

func TestRegistry_CustomFactory(t *testing.T) {
	r := NewRegistry()
	mem := NewMemory(nil)
	r.Register("shared", func(config.BackendConfig, Deps) (Backend, error) { return mem, nil })

	b, err := r.Open(config.BackendConfig{Name: "shared"}, Deps{})
	require.NoError(t, err)
	assert.Same(t, mem, b)
	assert.Contains(t, r.Names(), "shared")
}
