package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/accountsetup.go/lib/accounts"
	"github.com/snowmerak/accountsetup.go/lib/protocol"
)

type recorder struct {
	mu    sync.Mutex
	calls []Completion
}

func (r *recorder) handle(c Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestOrchestrator(t *testing.T, dir string, rec *recorder, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithPluginDirectories(dir),
		WithLogger(zerolog.Nop()),
		WithDrainTimeout(200 * time.Millisecond),
	}
	if rec != nil {
		base = append(base, WithFinishedHandler(rec.handle))
	}
	return New(testStore(), append(base, opts...)...)
}

func wait(t *testing.T, s *Session) Completion {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	c, err := s.Wait(ctx)
	require.NoError(t, err)
	return c
}

func TestStart_PluginNotFound(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(t, t.TempDir(), rec)

	s, err := o.CreateAccount(context.Background(), "NutProvider", "")
	require.NoError(t, err)

	select {
	case <-s.Done():
	default:
		t.Fatal("completion should be available when Start returns")
	}

	c := s.Completion()
	assert.Equal(t, Failed, c.Phase)
	assert.Equal(t, PluginNotFound, c.Error)
	assert.ErrorIs(t, c.Err(), ErrPluginNotFound)
	assert.Empty(t, c.PluginName, "nothing was spawned")
	assert.False(t, c.AccountCreated())
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, PluginNotFound, o.Error())
	assert.False(t, o.IsPluginRunning())
}

func TestStart_UnknownProvider(t *testing.T) {
	o := newTestOrchestrator(t, pluginDir(t, "genericplugin"), nil)

	s, err := o.CreateAccount(context.Background(), "Nobody", "")
	require.NoError(t, err)
	assert.Equal(t, PluginNotFound, wait(t, s).Error)
}

func TestStart_OverrideHasNoFallback(t *testing.T) {
	o := newTestOrchestrator(t, pluginDir(t, "genericplugin"), nil)

	s, err := o.CreateAccount(context.Background(), "Overridden", "")
	require.NoError(t, err)
	assert.Equal(t, PluginNotFound, wait(t, s).Error)
}

func TestEditAccount_AccountNotFound(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(t, pluginDir(t, "NutProviderplugin"), rec)

	s, err := o.EditAccount(context.Background(), 99, "")
	require.NoError(t, err)

	c := wait(t, s)
	assert.Equal(t, Failed, c.Phase)
	assert.Equal(t, AccountNotFound, c.Error)
	assert.Equal(t, protocol.EditExisting, c.SetupType)
	assert.Empty(t, c.PluginName)
	assert.Equal(t, 1, rec.count())
}

func TestEditAccount_ZeroID(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(t, pluginDir(t, "NutProviderplugin", "genericplugin"), rec)

	s, err := o.EditAccount(context.Background(), 0, "")
	require.NoError(t, err)

	c := wait(t, s)
	assert.Equal(t, Failed, c.Phase)
	assert.Equal(t, AccountNotFound, c.Error)
	assert.ErrorIs(t, c.Err(), ErrAccountNotFound)
	assert.Equal(t, protocol.EditExisting, c.SetupType)
	assert.Empty(t, c.PluginName)
	assert.Equal(t, 1, rec.count())
}

func TestRequest_SetupType(t *testing.T) {
	assert.Equal(t, protocol.CreateNew, Request{ProviderName: "NutProvider"}.setupType())
	assert.Equal(t, protocol.EditExisting, Request{AccountID: 3}.setupType())
	assert.Equal(t, protocol.EditExisting, Request{Type: protocol.EditExisting}.setupType())
	assert.Equal(t, protocol.CreateNew, Request{Type: protocol.CreateNew, AccountID: 3}.setupType())
}

func TestStart_PluginNotExecutable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "NutProviderplugin"), []byte("#!/bin/sh\nexit 0\n"), 0o644))

	rec := &recorder{}
	o := newTestOrchestrator(t, dir, rec)

	s, err := o.CreateAccount(context.Background(), "NutProvider", "")
	require.NoError(t, err)

	c := wait(t, s)
	assert.Equal(t, Failed, c.Phase)
	assert.Equal(t, PluginCrashed, c.Error)
	assert.Equal(t, "NutProviderplugin", c.PluginName)
	assert.False(t, c.AccountCreated())
	assert.Equal(t, 1, rec.count())
	assert.False(t, o.IsPluginRunning())

	// The result channel was released with the failed start.
	next, err := New(testStore(), WithPluginDirectories(pluginDir(t, "NutProviderplugin")), WithLogger(zerolog.Nop())).
		CreateAccount(context.Background(), "NutProvider", "")
	require.NoError(t, err)
	assert.Equal(t, NoError, wait(t, next).Error)
}

func TestKillRunningPlugin_DuringStart(t *testing.T) {
	o := newTestOrchestrator(t, pluginDir(t, "NutProviderplugin"), nil,
		WithAdditionalParameters(flagTestMode, "sleep"))

	stop := make(chan struct{})
	killed := make(chan bool, 1)
	go func() {
		for {
			select {
			case <-stop:
				killed <- false
				return
			default:
			}
			if o.KillRunningPlugin() {
				killed <- true
				return
			}
		}
	}()

	_, err := o.CreateAccount(context.Background(), "NutProvider", "")
	require.NoError(t, err)

	select {
	case <-killed:
	case <-time.After(5 * time.Second):
		close(stop)
		<-killed
		o.KillRunningPlugin()
	}
	require.Eventually(t, func() bool { return !o.IsPluginRunning() }, 10*time.Second, 20*time.Millisecond)
}

func TestCreateAccount_Scenario(t *testing.T) {
	dump := filepath.Join(t.TempDir(), "args")
	o := newTestOrchestrator(t, pluginDir(t, "NutProviderplugin"), nil,
		WithAdditionalParameters(flagConfigFile, dump))

	s, err := o.CreateAccount(context.Background(), "NutProvider", "AnyServiceType")
	require.NoError(t, err)
	c := wait(t, s)

	assert.Equal(t, Completed, c.Phase)
	assert.Equal(t, NoError, c.Error)
	assert.Equal(t, "NutProviderplugin", c.PluginName)
	assert.Equal(t, protocol.Created(0), c.Result)
	assert.Equal(t, accounts.AccountID(0), c.CreatedAccountID())
	assert.False(t, c.AccountCreated())
	assert.Equal(t, []byte("payload"), c.ExitPayload)

	raw, err := os.ReadFile(dump)
	require.NoError(t, err)
	args := strings.Split(string(raw), "\n")
	assert.Equal(t, []string{
		"--socketName", fmt.Sprintf("NutProvider%d", os.Getpid()),
		"--create", "NutProvider",
		"--serviceType", "AnyServiceType",
		flagConfigFile, dump,
	}, args)
}

func TestCreateAccount_WindowID(t *testing.T) {
	dump := filepath.Join(t.TempDir(), "args")
	o := newTestOrchestrator(t, pluginDir(t, "NutProviderplugin"), nil, WithParentWindow(77))
	o.SetAdditionalParameters(flagConfigFile, dump)

	s, err := o.CreateAccount(context.Background(), "NutProvider", "")
	require.NoError(t, err)
	wait(t, s)

	raw, err := os.ReadFile(dump)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "--windowId\n77\n")
	assert.NotContains(t, string(raw), "--serviceType")
}

func TestGenericFallback(t *testing.T) {
	o := newTestOrchestrator(t, pluginDir(t, "genericplugin"), nil)

	s, err := o.CreateAccount(context.Background(), "Lonely", "")
	require.NoError(t, err)
	c := wait(t, s)
	assert.Equal(t, NoError, c.Error)
	assert.Equal(t, "genericplugin", c.PluginName)
	assert.Equal(t, "Lonely", c.ProviderName)
}

func TestOutcomes(t *testing.T) {
	dir := pluginDir(t, "NutProviderplugin")

	tests := []struct {
		name    string
		mode    string
		edit    accounts.AccountID
		phase   Phase
		code    ErrorCode
		result  protocol.Result
		created bool
	}{
		{name: "cancelled", mode: "cancel", phase: Completed, code: NoError, result: protocol.Cancelled()},
		{name: "saved", mode: "save", phase: Completed, code: NoError, result: protocol.Created(1), created: true},
		{name: "existing", mode: "existing", edit: 1, phase: Completed, code: NoError, result: protocol.Created(42), created: true},
		{name: "silent", mode: "silent", phase: Completed, code: NoError},
		{name: "malformed", mode: "garbage", phase: Completed, code: NoError},
		{name: "crash", mode: "crash", phase: Failed, code: PluginCrashed},
		{name: "crash after send", mode: "crash-after-send", phase: Failed, code: PluginCrashed},
		{name: "exit code", mode: "exit-code", phase: Failed, code: PluginCrashed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			o := newTestOrchestrator(t, dir, rec, WithAdditionalParameters(flagTestMode, tt.mode))

			s, err := o.Start(context.Background(), Request{ProviderName: "NutProvider", AccountID: tt.edit})
			require.NoError(t, err)
			c := wait(t, s)

			assert.Equal(t, tt.phase, c.Phase)
			assert.Equal(t, tt.code, c.Error)
			assert.Equal(t, tt.result, c.Result)
			assert.Equal(t, tt.created, c.AccountCreated())
			assert.Equal(t, 1, rec.count())
			assert.False(t, o.IsPluginRunning())
			assert.Equal(t, tt.code, o.Error())
			assert.Equal(t, tt.created, o.AccountCreated())
		})
	}
}

func TestEditAccount_UsesAccountProvider(t *testing.T) {
	o := newTestOrchestrator(t, pluginDir(t, "NutProviderplugin"), nil,
		WithAdditionalParameters(flagTestMode, "existing"))

	s, err := o.EditAccount(context.Background(), 1, "")
	require.NoError(t, err)
	c := wait(t, s)
	assert.Equal(t, "NutProvider", c.ProviderName)
	assert.Equal(t, protocol.EditExisting, c.SetupType)
	assert.Equal(t, accounts.AccountID(42), o.CreatedAccountID())
}

func TestSaveReturnsExitData(t *testing.T) {
	o := newTestOrchestrator(t, pluginDir(t, "NutProviderplugin"), nil,
		WithAdditionalParameters(flagTestMode, "save"))

	s, err := o.CreateAccount(context.Background(), "NutProvider", "")
	require.NoError(t, err)
	wait(t, s)

	data, err := protocol.DecodeExitData(o.ExitPayload())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"page": "done"}, data)
}

func TestStart_Busy(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(t, pluginDir(t, "NutProviderplugin"), rec,
		WithAdditionalParameters(flagTestMode, "sleep"))

	s, err := o.CreateAccount(context.Background(), "NutProvider", "")
	require.NoError(t, err)
	assert.Equal(t, Running, s.Phase())
	assert.True(t, o.IsPluginRunning())
	assert.Equal(t, "NutProviderplugin", o.PluginName())
	assert.Equal(t, "NutProvider", o.ProviderName())

	_, err = o.CreateAccount(context.Background(), "NutProvider", "")
	assert.ErrorIs(t, err, ErrBusy)

	require.True(t, o.KillRunningPlugin())
	require.Eventually(t, func() bool { return !o.IsPluginRunning() }, 10*time.Second, 20*time.Millisecond)
	assert.Empty(t, o.PluginName())
	assert.Empty(t, o.ProviderName())

	select {
	case <-s.Done():
		t.Fatal("a killed session must not complete")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, 0, rec.count())
	assert.False(t, o.KillRunningPlugin())

	o.SetAdditionalParameters()
	next, err := o.CreateAccount(context.Background(), "NutProvider", "")
	require.NoError(t, err)
	assert.Equal(t, NoError, wait(t, next).Error)
	assert.Equal(t, 1, rec.count())
}

func TestKillRunningPlugin_Idle(t *testing.T) {
	o := newTestOrchestrator(t, t.TempDir(), nil)
	assert.False(t, o.KillRunningPlugin())
	assert.Equal(t, protocol.Unset, o.SetupType())
	assert.Equal(t, NoError, o.Error())
}

func TestSession_WaitContext(t *testing.T) {
	o := newTestOrchestrator(t, pluginDir(t, "NutProviderplugin"), nil,
		WithAdditionalParameters(flagTestMode, "sleep"))

	s, err := o.CreateAccount(context.Background(), "NutProvider", "")
	require.NoError(t, err)
	t.Cleanup(func() {
		o.KillRunningPlugin()
		require.Eventually(t, func() bool { return !o.IsPluginRunning() }, 10*time.Second, 20*time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Len(t, s.ID(), 32)
}

func TestSettersCopy(t *testing.T) {
	o := New(nil, WithLogger(zerolog.Nop()))
	assert.Equal(t, []string{"/usr/lib/AccountSetup"}, o.PluginDirectories())

	dirs := []string{"/a", "/b"}
	o.SetPluginDirectories(dirs...)
	dirs[0] = "/changed"
	assert.Equal(t, []string{"/a", "/b"}, o.PluginDirectories())

	o.SetAdditionalParameters("--x", "1")
	assert.Equal(t, []string{"--x", "1"}, o.AdditionalParameters())
}

func TestErrorCode(t *testing.T) {
	assert.NoError(t, NoError.Err())
	assert.ErrorIs(t, AccountNotFound.Err(), ErrAccountNotFound)
	assert.ErrorIs(t, PluginNotFound.Err(), ErrPluginNotFound)
	assert.ErrorIs(t, PluginCrashed.Err(), ErrPluginCrashed)
	assert.Equal(t, "plugin crashed", PluginCrashed.String())
	assert.True(t, Running.Active())
	assert.False(t, Completed.Active())
}
