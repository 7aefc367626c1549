package helper

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/accountsetup.go/lib/accounts"
	"github.com/snowmerak/accountsetup.go/lib/channel"
	"github.com/snowmerak/accountsetup.go/lib/protocol"
)

func newStore() *accounts.MemoryStore {
	store := accounts.NewMemoryStore()
	store.AddProvider(&accounts.Provider{ID: "NutProvider"})
	return store
}

type exitRecorder struct {
	calls []int
}

func (e *exitRecorder) exit(code int) { e.calls = append(e.calls, code) }

func socketName(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "hl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s")
}

func TestNew_Create(t *testing.T) {
	rt := New([]string{"--create", "NutProvider", "--serviceType", "e-mail", "--windowId", "12"}, newStore(),
		WithLogger(zerolog.Nop()), WithExit(func(int) {}))

	assert.Equal(t, protocol.CreateNew, rt.SetupType())
	assert.Equal(t, "e-mail", rt.ServiceType())
	assert.Equal(t, uint64(12), rt.ParentWindowID())
	require.NotNil(t, rt.Account())
	assert.Equal(t, "NutProvider", rt.Account().ProviderName())
	assert.Equal(t, accounts.AccountID(0), rt.Account().ID)
	assert.Equal(t, protocol.Created(0), rt.Outcome().Result)
}

func TestNew_CreateWithoutStore(t *testing.T) {
	rt := New([]string{"--create", "Unknown"}, nil, WithLogger(zerolog.Nop()))
	require.NotNil(t, rt.Account())
	assert.Equal(t, "Unknown", rt.Account().Provider)
}

func TestNew_Edit(t *testing.T) {
	store := newStore()
	require.NoError(t, store.SaveAccount(&accounts.Account{Provider: "NutProvider", DisplayName: "me"}))

	rt := New([]string{"--edit", "1"}, store, WithLogger(zerolog.Nop()))
	assert.Equal(t, protocol.EditExisting, rt.SetupType())
	require.NotNil(t, rt.Account())
	assert.Equal(t, "me", rt.Account().DisplayName)
	assert.Equal(t, protocol.Created(1), rt.Outcome().Result)

	missing := New([]string{"--edit", "9"}, store, WithLogger(zerolog.Nop()))
	assert.Nil(t, missing.Account())
	assert.Equal(t, protocol.Created(0), missing.Outcome().Result)
}

func TestOutcomePrecedence(t *testing.T) {
	store := newStore()

	rt := New([]string{"--create", "NutProvider"}, store, WithLogger(zerolog.Nop()))
	require.NoError(t, store.SaveAccount(rt.Account()))
	assert.Equal(t, protocol.Created(1), rt.Outcome().Result)

	rt.cancelled = true
	assert.Equal(t, protocol.Cancelled(), rt.Outcome().Result)

	rt.ReportExisting(5)
	assert.Equal(t, protocol.Created(5), rt.Outcome().Result)
}

func TestTerminate_Stdout(t *testing.T) {
	var out bytes.Buffer
	exits := &exitRecorder{}
	rt := New([]string{"--edit", "3"}, nil, WithStdout(&out), WithExit(exits.exit), WithLogger(zerolog.Nop()))
	rt.ReportExisting(3)
	require.NoError(t, rt.SetExitData("ignored on stdout"))

	require.NoError(t, rt.Terminate(context.Background()))
	assert.Equal(t, "3", out.String())
	assert.Equal(t, []int{0}, exits.calls)

	assert.ErrorIs(t, rt.Terminate(context.Background()), ErrTerminated)
	assert.Equal(t, "3", out.String())
	assert.Equal(t, []int{0}, exits.calls)
}

func TestReportCancelled_Stdout(t *testing.T) {
	var out bytes.Buffer
	exits := &exitRecorder{}
	rt := New([]string{"--create", "NutProvider"}, newStore(), WithStdout(&out), WithExit(exits.exit), WithLogger(zerolog.Nop()))

	require.NoError(t, rt.ReportCancelled(context.Background()))
	assert.Equal(t, "-1", out.String())
	assert.Equal(t, []int{0}, exits.calls)
}

func TestTerminate_Channel(t *testing.T) {
	name := socketName(t)
	l, err := channel.Listen(name)
	require.NoError(t, err)

	received := make(chan []byte, 1)
	go func() {
		msg, _ := l.AcceptOnce(context.Background(), 5*time.Second)
		received <- msg
	}()

	var out bytes.Buffer
	exits := &exitRecorder{}
	rt := New([]string{"--socketName", name, "--create", "NutProvider"}, newStore(),
		WithStdout(&out), WithExit(exits.exit), WithLogger(zerolog.Nop()))
	rt.Account().ID = 42
	require.NoError(t, rt.SetExitData(map[string]any{"page": "accounts"}))

	require.NoError(t, rt.Terminate(context.Background()))
	assert.Empty(t, out.String())
	assert.Equal(t, []int{0}, exits.calls)

	var o protocol.Outcome
	require.NoError(t, o.UnmarshalBinary(<-received))
	assert.Equal(t, protocol.Created(42), o.Result)

	data, err := protocol.DecodeExitData(o.ExitPayload)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"page": "accounts"}, data)
}

func TestTerminate_ChannelUnavailable(t *testing.T) {
	exits := &exitRecorder{}
	rt := New([]string{"--socketName", socketName(t), "--create", "NutProvider"}, newStore(),
		WithExit(exits.exit), WithLogger(zerolog.Nop()), WithConnectTimeout(100*time.Millisecond))

	err := rt.Terminate(context.Background())
	assert.ErrorIs(t, err, channel.ErrConnectFailed)
	assert.Equal(t, []int{0}, exits.calls, "the helper exits even when nobody listens")
}

func TestArgs(t *testing.T) {
	args := []string{"--create", "NutProvider", "--config-file", "/tmp/dump"}
	rt := New(args, nil, WithLogger(zerolog.Nop()))
	assert.Equal(t, args, rt.Args())
	assert.Equal(t, "NutProvider", rt.Descriptor().ProviderName)
}
