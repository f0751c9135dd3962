package extension

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dshills/tidysave/internal/cleanup"
	"github.com/dshills/tidysave/internal/extension/command"
	"github.com/dshills/tidysave/internal/extension/gate"
	"github.com/dshills/tidysave/internal/host"
	"github.com/dshills/tidysave/internal/host/local"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// store is an in-memory persister.
type store struct {
	mu    sync.Mutex
	files map[string]string
}

func newStore() *store {
	return &store{files: make(map[string]string)}
}

func (s *store) persist(path, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = text
	return nil
}

func (s *store) get(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[path]
}

type fixture struct {
	host  *local.Host
	ext   *Extension
	store *store
	logs  *observer.ObservedLogs
	reg   *prometheus.Registry
}

func newFixture(t *testing.T, publishAll bool, opts ...Option) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	st := newStore()
	reg := prometheus.NewRegistry()

	h := local.New(local.WithPersister(st.persist))
	t.Cleanup(func() { h.Close() })
	if publishAll {
		h.PublishAll()
	}

	opts = append([]Option{
		WithLogger(zap.New(core)),
		WithRegisterer(reg),
		WithServiceRetries(2),
		WithServiceRetryInterval(time.Millisecond),
	}, opts...)
	ext := New(h, nil, opts...)
	t.Cleanup(func() {
		_ = ext.Stop()
		ext.Action().Close()
	})

	return &fixture{host: h, ext: ext, store: st, logs: logs, reg: reg}
}

// blockUI occupies the host UI goroutine until the returned func is called.
func blockUI(t *testing.T, h *local.Host) func() {
	t.Helper()
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, h.Post(func() {
		close(started)
		<-release
	}))
	<-started
	var once sync.Once
	return func() { once.Do(func() { close(release) }) }
}

func waitPhase(t *testing.T, e *Extension, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return e.Phase() == want },
		2*time.Second, time.Millisecond, "phase never reached %s", want)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "starting", PhaseStarting.String())
	assert.Equal(t, "running", PhaseRunning.String())
	assert.Equal(t, "stopping", PhaseStopping.String())
	assert.Equal(t, "unknown", Phase(42).String())
}

func TestStartBindsCommandsAndArmsGate(t *testing.T) {
	f := newFixture(t, true)

	require.NoError(t, f.ext.Start(context.Background()))

	assert.Equal(t, PhaseRunning, f.ext.Phase())
	assert.False(t, f.ext.Inert())
	assert.Equal(t, command.StatusRegistered, f.ext.CommandStatus())
	assert.Equal(t, []string{CommandCleanActiveDocument, CommandToggleCleanOnSave}, f.ext.BoundCommands())
	assert.Equal(t, []string{CommandCleanActiveDocument, CommandToggleCleanOnSave}, f.host.Commands().List())
	assert.Equal(t, gate.StateArmed, f.ext.GateState())
	assert.False(t, f.ext.Listening(), "listener attached before shell ready")
	assert.Equal(t, 1, f.host.Shell().ReadySubscribers())
	assert.Equal(t, 1, f.host.Shell().FaultSubscribers())

	assert.Equal(t, float64(PhaseRunning), testutil.ToFloat64(f.ext.metrics.phase))
	assert.Equal(t, float64(2), testutil.ToFloat64(f.ext.metrics.commandsBound))
}

func TestCleanOnSaveLifecycle(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	docs := f.host.Documents()

	require.NoError(t, f.ext.Start(ctx))
	require.NoError(t, f.host.Shell().SignalShellReady(ctx))

	assert.True(t, f.ext.Listening())
	assert.Equal(t, gate.StateFired, f.ext.GateState())
	assert.Equal(t, 0, f.host.Shell().ReadySubscribers())
	assert.Equal(t, 1, docs.BeforeSaveSubscribers())

	docs.OpenText("/mem/a.txt", "hello   \n\n\n\nworld")
	require.NoError(t, docs.Save(ctx, "/mem/a.txt", host.SaveExplicit))

	// Cleanup ran before the persister saw the text.
	assert.Equal(t, "hello\n\n\nworld\n", f.store.get("/mem/a.txt"))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.ext.metrics.saves.WithLabelValues("explicit")))

	// A second shell-ready does not attach a second listener.
	require.NoError(t, f.host.Shell().SignalShellReady(ctx))
	assert.Equal(t, 1, docs.BeforeSaveSubscribers())

	require.NoError(t, f.ext.Stop())

	assert.Equal(t, PhaseIdle, f.ext.Phase())
	assert.False(t, f.ext.Listening())
	assert.Empty(t, f.ext.BoundCommands())
	assert.Empty(t, f.host.Commands().List())
	assert.Equal(t, 0, docs.BeforeSaveSubscribers())
	assert.Equal(t, 0, f.host.Shell().FaultSubscribers())
	assert.Equal(t, float64(0), testutil.ToFloat64(f.ext.metrics.commandsBound))

	// After Stop a save goes through untouched.
	docs.OpenText("/mem/b.txt", "dirty   ")
	require.NoError(t, docs.Save(ctx, "/mem/b.txt", host.SaveExplicit))
	assert.Equal(t, "dirty   ", f.store.get("/mem/b.txt"))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.ext.metrics.saves.WithLabelValues("explicit")))
}

func TestShellReadyBeforeStart(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	require.NoError(t, f.host.Shell().SignalShellReady(ctx))
	require.NoError(t, f.ext.Start(ctx))

	// The replayed event attached the listener during Start.
	assert.True(t, f.ext.Listening())
	assert.Equal(t, gate.StateFired, f.ext.GateState())
}

func TestStopIdempotent(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	require.NoError(t, f.ext.Stop(), "Stop without Start")

	require.NoError(t, f.ext.Start(ctx))
	require.NoError(t, f.ext.Start(ctx), "Start while running")
	assert.Len(t, f.host.Commands().List(), 2)

	require.NoError(t, f.ext.Stop())
	require.NoError(t, f.ext.Stop())
	assert.Equal(t, PhaseIdle, f.ext.Phase())
}

func TestRestartAfterStop(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	docs := f.host.Documents()

	require.NoError(t, f.ext.Start(ctx))
	require.NoError(t, f.host.Shell().SignalShellReady(ctx))
	require.NoError(t, f.ext.Stop())

	require.NoError(t, f.ext.Start(ctx))
	assert.Equal(t, command.StatusRegistered, f.ext.CommandStatus())
	assert.Len(t, f.host.Commands().List(), 2)
	// The shell is already ready, so the new gate fires at once.
	assert.True(t, f.ext.Listening())
	assert.Equal(t, 1, docs.BeforeSaveSubscribers())

	docs.OpenText("/mem/a.txt", "x\t ")
	require.NoError(t, docs.Save(ctx, "/mem/a.txt", host.SaveAuto))
	assert.Equal(t, "x\n", f.store.get("/mem/a.txt"))
}

func TestStartCancelledBeforeUIHop(t *testing.T) {
	f := newFixture(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.ext.Start(ctx)
	require.ErrorIs(t, err, ErrStartupAborted)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StepUIHop, se.Step)
	assert.Equal(t, PhaseIdle, f.ext.Phase())
}

func TestStartCancelledDuringUIHop(t *testing.T) {
	f := newFixture(t, true)
	release := blockUI(t, f.host)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.ext.Start(ctx) }()

	waitPhase(t, f.ext, PhaseStarting)
	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-errCh
	require.ErrorIs(t, err, ErrStartupAborted)
	assert.ErrorIs(t, err, context.Canceled)

	release()
	// Flush the UI queue; the queued startup job must not have run.
	require.NoError(t, f.host.UIThread().Invoke(context.Background(), func() {}))

	assert.Equal(t, PhaseIdle, f.ext.Phase())
	assert.Empty(t, f.host.Commands().List())
	assert.Equal(t, 0, f.host.Shell().ReadySubscribers())
	assert.Equal(t, gate.StateIdle, f.ext.GateState())

	// The extension can start again.
	require.NoError(t, f.ext.Start(context.Background()))
	assert.Len(t, f.host.Commands().List(), 2)
}

func TestStopCancelsInFlightStart(t *testing.T) {
	f := newFixture(t, true)
	release := blockUI(t, f.host)
	defer release()

	errCh := make(chan error, 1)
	go func() { errCh <- f.ext.Start(context.Background()) }()

	waitPhase(t, f.ext, PhaseStarting)
	time.Sleep(10 * time.Millisecond)

	// Stop returns while the UI thread is still busy.
	require.NoError(t, f.ext.Stop())
	require.ErrorIs(t, <-errCh, ErrStartupAborted)
	assert.Equal(t, PhaseIdle, f.ext.Phase())

	release()
	require.NoError(t, f.host.UIThread().Invoke(context.Background(), func() {}))
	assert.Empty(t, f.host.Commands().List())
}

func TestStartCancelledDuringAcquire(t *testing.T) {
	// Nothing is published and the retry budget is large, so Start sits in
	// the acquire loop until cancelled.
	f := newFixture(t, false, WithServiceRetries(1000), WithServiceRetryInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.ext.Start(ctx) }()

	missing := f.ext.metrics.acquireTries.WithLabelValues("commands", "missing")
	require.Eventually(t, func() bool { return testutil.ToFloat64(missing) >= 1 },
		2*time.Second, time.Millisecond)
	cancel()

	err := <-errCh
	require.ErrorIs(t, err, ErrStartupAborted)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StepAcquire, se.Step)
	assert.Equal(t, PhaseIdle, f.ext.Phase())
	assert.Empty(t, f.host.Commands().List())
}

func TestInertWithoutRequiredServices(t *testing.T) {
	tests := []struct {
		name    string
		publish []host.ServiceKind
	}{
		{"nothing", nil},
		{"no shell", []host.ServiceKind{host.ServiceCommands, host.ServiceDocuments}},
		{"no documents", []host.ServiceKind{host.ServiceCommands, host.ServiceShell}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			for _, kind := range tt.publish {
				publish(f.host, kind)
			}

			require.NoError(t, f.ext.Start(context.Background()))

			assert.Equal(t, PhaseRunning, f.ext.Phase())
			assert.True(t, f.ext.Inert())
			assert.Empty(t, f.host.Commands().List())
			assert.Equal(t, gate.StateIdle, f.ext.GateState())
			assert.Equal(t, 1, f.logs.FilterMessage("extension inert").Len())

			require.NoError(t, f.ext.Stop())
			assert.False(t, f.ext.Inert())
		})
	}
}

func publish(h *local.Host, kind host.ServiceKind) {
	switch kind {
	case host.ServiceCommands:
		h.Publish(kind, h.Commands())
	case host.ServiceDocuments:
		h.Publish(kind, h.Documents())
	case host.ServiceShell:
		h.Publish(kind, h.Shell())
	}
}

// manualShell hands shell-ready to the test instead of a UI thread, so a
// callback that lets a panic through fails the test directly.
type manualShell struct {
	mu    sync.Mutex
	ready []func()
}

func (s *manualShell) SubscribeShellReady(fn func()) host.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = append(s.ready, fn)
	return host.Handle("ready")
}

func (s *manualShell) SubscribeFault(func(host.FaultEvent) bool) host.Handle {
	return host.Handle("fault")
}

func (s *manualShell) Unsubscribe(host.Handle) bool { return true }

func (s *manualShell) signal() {
	s.mu.Lock()
	ready := append([]func(){}, s.ready...)
	s.mu.Unlock()
	for _, fn := range ready {
		fn()
	}
}

// tornDownTable refuses new save subscriptions.
type tornDownTable struct {
	*local.Documents
}

func (tornDownTable) SubscribeBeforeSave(func(host.SaveEvent)) host.Handle {
	panic("doc table torn down")
}

func TestShellReadyFaultContained(t *testing.T) {
	f := newFixture(t, false)
	shell := &manualShell{}
	publish(f.host, host.ServiceCommands)
	f.host.Publish(host.ServiceDocuments, tornDownTable{f.host.Documents()})
	f.host.Publish(host.ServiceShell, shell)

	require.NoError(t, f.ext.Start(context.Background()))
	require.Equal(t, gate.StateArmed, f.ext.GateState())

	assert.NotPanics(t, shell.signal)

	assert.Equal(t, int64(1), f.ext.Sink().Faults())
	assert.Equal(t, 1, f.logs.FilterMessage("callback panicked").
		FilterField(zap.String("callback", "shell-ready")).Len())

	failed := f.logs.FilterMessage("save listener not attached").All()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].ContextMap()["error"], StepListen)

	assert.False(t, f.ext.Listening())
	assert.Equal(t, gate.StateFired, f.ext.GateState())
	assert.Equal(t, PhaseRunning, f.ext.Phase())
	assert.Equal(t, 0, f.host.Documents().BeforeSaveSubscribers())
	assert.NoError(t, f.host.Err())

	require.NoError(t, f.ext.Stop())
	assert.Equal(t, PhaseIdle, f.ext.Phase())
}

func TestCommandsDeferredWithoutCommandService(t *testing.T) {
	f := newFixture(t, false)
	publish(f.host, host.ServiceDocuments)
	publish(f.host, host.ServiceShell)
	ctx := context.Background()

	require.NoError(t, f.ext.Start(ctx))

	assert.False(t, f.ext.Inert())
	assert.Equal(t, command.StatusDeferred, f.ext.CommandStatus())
	assert.Empty(t, f.ext.BoundCommands())

	// Clean on save still works.
	require.NoError(t, f.host.Shell().SignalShellReady(ctx))
	f.host.Documents().OpenText("/mem/a.txt", "a  ")
	require.NoError(t, f.host.Documents().Save(ctx, "/mem/a.txt", host.SaveExplicit))
	assert.Equal(t, "a\n", f.store.get("/mem/a.txt"))
}

func TestServicesPublishedLate(t *testing.T) {
	f := newFixture(t, false, WithServiceRetries(50), WithServiceRetryInterval(2*time.Millisecond))

	go func() {
		time.Sleep(5 * time.Millisecond)
		publish(f.host, host.ServiceCommands)
		time.Sleep(5 * time.Millisecond)
		publish(f.host, host.ServiceDocuments)
		time.Sleep(5 * time.Millisecond)
		publish(f.host, host.ServiceShell)
	}()

	require.NoError(t, f.ext.Start(context.Background()))
	assert.False(t, f.ext.Inert())
	assert.Equal(t, command.StatusRegistered, f.ext.CommandStatus())
	assert.GreaterOrEqual(t,
		testutil.ToFloat64(f.ext.metrics.acquireTries.WithLabelValues("commands", "missing")), float64(1))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(f.ext.metrics.acquireTries.WithLabelValues("shell", "ok")))
}

func TestDuplicateCommandWarnsOnce(t *testing.T) {
	f := newFixture(t, true)
	f.host.Commands().RegisterCommand(host.Command{
		ID:      CommandToggleCleanOnSave,
		Handler: func(context.Context, map[string]any) error { return nil },
	})

	require.NoError(t, f.ext.Start(context.Background()))

	assert.Equal(t, command.StatusPartial, f.ext.CommandStatus())
	assert.Equal(t, []string{CommandCleanActiveDocument}, f.ext.BoundCommands())
	assert.Equal(t, 1, f.logs.FilterLevelExact(zapcore.WarnLevel).Len())

	// Stop releases only what this session bound.
	require.NoError(t, f.ext.Stop())
	assert.Equal(t, []string{CommandToggleCleanOnSave}, f.host.Commands().List())
}

func TestAutoSaveSkipsScripts(t *testing.T) {
	script := filepath.Join(t.TempDir(), "upper.lua")
	require.NoError(t, os.WriteFile(script, []byte(`
		function cleanup(text)
			return string.upper(text)
		end
	`), 0644))

	rules := cleanup.DefaultRules()
	rules.Scripts = []string{script}
	action, err := cleanup.New(rules)
	require.NoError(t, err)

	f := newFixture(t, true)
	ext := New(f.host, action, WithRegisterer(prometheus.NewRegistry()))
	t.Cleanup(func() {
		_ = ext.Stop()
		action.Close()
	})
	ctx := context.Background()

	require.NoError(t, ext.Start(ctx))
	require.NoError(t, f.host.Shell().SignalShellReady(ctx))
	// The fixture's own extension is idle; only ext listens.
	docs := f.host.Documents()

	docs.OpenText("/mem/auto.txt", "quiet  ")
	require.NoError(t, docs.Save(ctx, "/mem/auto.txt", host.SaveAuto))
	assert.Equal(t, "quiet\n", f.store.get("/mem/auto.txt"))

	docs.OpenText("/mem/explicit.txt", "loud  ")
	require.NoError(t, docs.Save(ctx, "/mem/explicit.txt", host.SaveExplicit))
	assert.Equal(t, "LOUD\n", f.store.get("/mem/explicit.txt"))
}

func TestCleanActiveDocumentCommand(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	docs := f.host.Documents()

	require.NoError(t, f.ext.Start(ctx))

	err := f.host.Commands().Execute(ctx, CommandCleanActiveDocument, nil)
	assert.ErrorIs(t, err, ErrNoActiveDocument)
	assert.Equal(t, int64(1), f.ext.Sink().Faults())

	doc := docs.OpenText("/mem/a.txt", "one  \ntwo")
	require.NoError(t, f.host.Commands().Execute(ctx, CommandCleanActiveDocument, nil))
	assert.Equal(t, "one\ntwo\n", doc.Text())
	// The command edits the buffer; it does not save.
	assert.Empty(t, f.store.get("/mem/a.txt"))
	assert.True(t, doc.IsModified())

	// The command ignores the clean-on-save switch.
	f.ext.Action().SetEnabled(false)
	doc.SetText("three  ")
	require.NoError(t, f.host.Commands().Execute(ctx, CommandCleanActiveDocument, nil))
	assert.Equal(t, "three\n", doc.Text())
}

func TestToggleCleanOnSaveCommand(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	docs := f.host.Documents()

	require.NoError(t, f.ext.Start(ctx))
	require.NoError(t, f.host.Shell().SignalShellReady(ctx))

	require.NoError(t, f.host.Commands().Execute(ctx, CommandToggleCleanOnSave, nil))
	assert.False(t, f.ext.Action().Enabled())

	docs.OpenText("/mem/a.txt", "raw  ")
	require.NoError(t, docs.Save(ctx, "/mem/a.txt", host.SaveExplicit))
	assert.Equal(t, "raw  ", f.store.get("/mem/a.txt"))

	require.NoError(t, f.host.Commands().Execute(ctx, CommandToggleCleanOnSave, nil))
	assert.True(t, f.ext.Action().Enabled())

	require.NoError(t, docs.Save(ctx, "/mem/a.txt", host.SaveExplicit))
	assert.Equal(t, "raw\n", f.store.get("/mem/a.txt"))
}

func TestSaveHandlerFaultDoesNotBlockSave(t *testing.T) {
	rules := cleanup.DefaultRules()
	rules.FormatGo = true
	action, err := cleanup.New(rules)
	require.NoError(t, err)

	f := newFixture(t, true)
	ext := New(f.host, action, WithRegisterer(prometheus.NewRegistry()))
	t.Cleanup(func() {
		_ = ext.Stop()
		action.Close()
	})
	ctx := context.Background()

	require.NoError(t, ext.Start(ctx))
	require.NoError(t, f.host.Shell().SignalShellReady(ctx))

	f.host.Documents().OpenText("/mem/bad.go", "package x  \nfunc {")
	require.NoError(t, f.host.Documents().Save(ctx, "/mem/bad.go", host.SaveExplicit))

	// gofmt failed; whitespace cleanup still landed and the save completed.
	assert.Equal(t, "package x\nfunc {\n", f.store.get("/mem/bad.go"))
	assert.Equal(t, int64(1), ext.Sink().Faults())
	assert.NoError(t, f.host.Err())
}

func TestFaultHookLifetime(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	ui := f.host.UIThread()

	require.NoError(t, f.ext.Start(ctx))

	require.NoError(t, f.host.Post(func() { panic("stray") }))
	require.NoError(t, ui.Invoke(ctx, func() {}))
	assert.NoError(t, f.host.Err(), "running extension should absorb UI faults")
	assert.Equal(t, int64(1), f.ext.Sink().Faults())
	n, err := testutil.GatherAndCount(f.reg, "tidysave_callback_faults_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, f.ext.Stop())

	_ = ui.Invoke(ctx, func() { panic("after stop") })
	assert.ErrorIs(t, f.host.Err(), local.ErrHostCrashed)
}

func TestStartAfterHostClosed(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.host.Close())

	err := f.ext.Start(context.Background())
	require.ErrorIs(t, err, ErrStartupAborted)
	assert.True(t, errors.Is(err, host.ErrHostClosed))
	assert.Equal(t, PhaseIdle, f.ext.Phase())
}

func TestMetricsReuseRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := local.New()
	defer h.Close()
	h.PublishAll()

	a := New(h, nil, WithRegisterer(reg))
	b := New(h, nil, WithRegisterer(reg))
	defer a.Action().Close()
	defer b.Action().Close()

	assert.Same(t, a.metrics.phase, b.metrics.phase)
	assert.Same(t, a.metrics.saves, b.metrics.saves)
}
