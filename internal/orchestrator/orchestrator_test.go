package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/booklore-runner/internal/events"
	"github.com/loykin/booklore-runner/internal/jre"
)

type stopLog struct {
	mu    sync.Mutex
	order []string
}

func (l *stopLog) add(s string) {
	l.mu.Lock()
	l.order = append(l.order, s)
	l.mu.Unlock()
}

func (l *stopLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

type fakeService struct {
	name    string
	log     *stopLog
	startFn func(ctx context.Context) error
	stopErr error
	starts  atomic.Int32
	stops   atomic.Int32
	running atomic.Bool
}

func (f *fakeService) Start(ctx context.Context) error {
	f.starts.Add(1)
	if f.startFn != nil {
		if err := f.startFn(ctx); err != nil {
			return err
		}
	}
	f.running.Store(true)
	return nil
}

func (f *fakeService) Stop(context.Context) error {
	f.stops.Add(1)
	f.log.add(f.name)
	f.running.Store(false)
	return f.stopErr
}

func (f *fakeService) Running() bool { return f.running.Load() }

type fakeBackend struct {
	fakeService
	got jre.Runtime
}

func (f *fakeBackend) Start(ctx context.Context, rt jre.Runtime) error {
	f.got = rt
	return f.fakeService.Start(ctx)
}

type fakeGateway struct{ fakeService }

func (f *fakeGateway) Start() error { return f.fakeService.Start(context.Background()) }

type fakeRuntime struct {
	fn    func(ctx context.Context) error
	calls atomic.Int32
}

func (f *fakeRuntime) Ensure(ctx context.Context) (jre.Runtime, error) {
	f.calls.Add(1)
	if f.fn != nil {
		if err := f.fn(ctx); err != nil {
			return jre.Runtime{}, err
		}
	}
	return jre.Runtime{JavaPath: "/jre/bin/java", Home: "/jre", Version: 21, Source: "bundled"}, nil
}

type harness struct {
	orc     *Orchestrator
	db      *fakeService
	rt      *fakeRuntime
	backend *fakeBackend
	gw      *fakeGateway
	rec     *events.Recorder
	log     *stopLog
	gwErr   error
}

func newHarness(t *testing.T, mutate func(h *harness, o *Options)) *harness {
	t.Helper()
	log := &stopLog{}
	h := &harness{
		db:      &fakeService{name: "database", log: log},
		rt:      &fakeRuntime{},
		backend: &fakeBackend{fakeService: fakeService{name: "backend", log: log}},
		gw:      &fakeGateway{fakeService: fakeService{name: "gateway", log: log}},
		rec:     &events.Recorder{},
		log:     log,
	}
	o := Options{
		Database: h.db,
		Runtime:  h.rt,
		Backend:  h.backend,
		NewGateway: func() (Gateway, error) {
			if h.gwErr != nil {
				return nil, h.gwErr
			}
			return h.gw, nil
		},
		Events: h.rec,
		Ports:  Ports{Gateway: 18088, Backend: 18080, Database: 13306},
	}
	if mutate != nil {
		mutate(h, &o)
	}
	h.orc = New(o)
	return h
}

func find(evs []events.Event, phase events.Phase, stage events.Stage, state events.State) (int, bool) {
	for i, e := range evs {
		if e.Phase == phase && e.Stage == stage && e.State == state {
			return i, true
		}
	}
	return -1, false
}

func TestStartRunsDependenciesThenBackend(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.startFn = func(context.Context) error {
		if !h.db.Running() {
			return errors.New("database not up")
		}
		return nil
	}

	require.NoError(t, h.orc.Start(context.Background()))
	assert.Equal(t, Running, h.orc.State())
	assert.Equal(t, 21, h.backend.got.Version)
	assert.True(t, h.gw.Running())

	evs := h.rec.Events()
	dbDone, ok := find(evs, events.Startup, events.StageDatabase, events.Complete)
	require.True(t, ok)
	rtDone, ok := find(evs, events.Startup, events.StageRuntime, events.Complete)
	require.True(t, ok)
	beStart, ok := find(evs, events.Startup, events.StageBackend, events.Active)
	require.True(t, ok)
	assert.Less(t, dbDone, beStart)
	assert.Less(t, rtDone, beStart)
	assert.Equal(t, 30, evs[dbDone].Progress)
	assert.Equal(t, 60, evs[rtDone].Progress)

	last := evs[len(evs)-1]
	assert.Equal(t, events.StageReady, last.Stage)
	assert.Equal(t, 100, last.Progress)
}

func TestDependenciesStartConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(3)
	all := make(chan struct{})
	go func() { arrived.Wait(); close(all) }()
	barrier := func(context.Context) error {
		arrived.Done()
		select {
		case <-all:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("ran sequentially")
		}
	}
	h := newHarness(t, nil)
	h.db.startFn = barrier
	h.rt.fn = barrier
	h.gw.startFn = barrier

	require.NoError(t, h.orc.Start(context.Background()))
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orc.Start(context.Background()))
	require.NoError(t, h.orc.Start(context.Background()))
	assert.EqualValues(t, 1, h.db.starts.Load())
	assert.EqualValues(t, 1, h.backend.starts.Load())
}

func TestDatabaseFailureAbortsStartup(t *testing.T) {
	h := newHarness(t, nil)
	h.db.startFn = func(context.Context) error { return errors.New("mariadb-install-db failed") }

	err := h.orc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mariadb-install-db failed")
	assert.Equal(t, Failed, h.orc.State())
	assert.Zero(t, h.backend.starts.Load())

	i, ok := find(h.rec.Events(), events.Startup, events.StageDatabase, events.Error)
	require.True(t, ok)
	assert.Equal(t, "mariadb-install-db failed", h.rec.Events()[i].Message)
	assert.Equal(t, "database: mariadb-install-db failed", h.orc.Status().Error)
}

func TestRuntimeFailureAbortsStartup(t *testing.T) {
	h := newHarness(t, nil)
	h.rt.fn = func(context.Context) error { return jre.ErrRuntimeNotFound }

	err := h.orc.Start(context.Background())
	assert.ErrorIs(t, err, jre.ErrRuntimeNotFound)
	assert.Zero(t, h.backend.starts.Load())
	_, ok := find(h.rec.Events(), events.Startup, events.StageRuntime, events.Error)
	assert.True(t, ok)
}

func TestGatewayFailureIsReportedButNotFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.gwErr = errors.New("static root missing")

	require.NoError(t, h.orc.Start(context.Background()))
	assert.Equal(t, Running, h.orc.State())
	assert.EqualValues(t, 1, h.backend.starts.Load())
	_, ok := find(h.rec.Events(), events.Startup, events.StageGateway, events.Error)
	assert.True(t, ok)
	assert.False(t, h.orc.Status().GatewayRunning)
}

func TestRequiredGatewayFailureAborts(t *testing.T) {
	h := newHarness(t, func(_ *harness, o *Options) { o.GatewayRequired = true })
	h.gwErr = errors.New("address already in use")

	err := h.orc.Start(context.Background())
	require.Error(t, err)
	assert.Zero(t, h.backend.starts.Load())
}

func TestBackendFailureEmitsError(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.startFn = func(context.Context) error { return errors.New("health timeout") }

	require.Error(t, h.orc.Start(context.Background()))
	assert.Equal(t, Failed, h.orc.State())
	_, ok := find(h.rec.Events(), events.Startup, events.StageBackend, events.Error)
	assert.True(t, ok)
	_, ok = find(h.rec.Events(), events.Startup, events.StageReady, events.Complete)
	assert.False(t, ok)
}

func TestRetryAfterFailedStart(t *testing.T) {
	h := newHarness(t, nil)
	var fail atomic.Bool
	fail.Store(true)
	h.backend.startFn = func(context.Context) error {
		if fail.Load() {
			return errors.New("first attempt fails")
		}
		return nil
	}
	require.Error(t, h.orc.Start(context.Background()))
	fail.Store(false)
	require.NoError(t, h.orc.Start(context.Background()))
	assert.Equal(t, Running, h.orc.State())
	assert.Empty(t, h.orc.Status().Error)
}

func TestShutdownOrder(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orc.Start(context.Background()))
	require.NoError(t, h.orc.Shutdown(context.Background()))

	assert.Equal(t, []string{"gateway", "backend", "database"}, h.log.get())
	assert.Equal(t, Stopped, h.orc.State())

	evs := h.rec.Events()
	gw, _ := find(evs, events.Shutdown, events.StageGateway, events.Complete)
	be, _ := find(evs, events.Shutdown, events.StageBackend, events.Complete)
	db, _ := find(evs, events.Shutdown, events.StageDatabase, events.Complete)
	assert.True(t, gw >= 0 && gw < be && be < db, "gateway=%d backend=%d database=%d", gw, be, db)
	for _, want := range []struct {
		stage    events.Stage
		from, to int
	}{
		{events.StageGateway, 10, 30},
		{events.StageBackend, 40, 60},
		{events.StageDatabase, 70, 90},
	} {
		a, _ := find(evs, events.Shutdown, want.stage, events.Active)
		c, _ := find(evs, events.Shutdown, want.stage, events.Complete)
		assert.Equal(t, want.from, evs[a].Progress, want.stage)
		assert.Equal(t, want.to, evs[c].Progress, want.stage)
	}
	last := evs[len(evs)-1]
	assert.Equal(t, events.StageDone, last.Stage)
	assert.Equal(t, 100, last.Progress)
}

func TestConcurrentShutdownRunsOnce(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orc.Start(context.Background()))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.orc.RequestShutdown(context.Background()) {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	select {
	case <-h.orc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	assert.EqualValues(t, 1, winners.Load())
	assert.EqualValues(t, 1, h.gw.stops.Load())
	assert.EqualValues(t, 1, h.backend.stops.Load())
	assert.EqualValues(t, 1, h.db.stops.Load())
}

func TestStageFailureDoesNotBlockTeardown(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.stopErr = errors.New("not reaped")
	require.NoError(t, h.orc.Start(context.Background()))

	err := h.orc.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reaped")
	assert.Equal(t, []string{"gateway", "backend", "database"}, h.log.get())
	assert.Equal(t, Failed, h.orc.State())
	_, ok := find(h.rec.Events(), events.Shutdown, events.StageBackend, events.Error)
	assert.True(t, ok)
	_, ok = find(h.rec.Events(), events.Shutdown, events.StageDone, events.Complete)
	assert.True(t, ok)
}

func TestStartAfterShutdownIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orc.Shutdown(context.Background()))
	assert.ErrorIs(t, h.orc.Start(context.Background()), ErrShuttingDown)
	assert.Zero(t, h.db.starts.Load())
}

func TestShutdownDuringStartupReclaimsChildren(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	h := newHarness(t, nil)
	h.db.startFn = func(context.Context) error {
		close(entered)
		<-release
		return nil
	}

	errc := make(chan error, 1)
	go func() { errc <- h.orc.Start(context.Background()) }()
	<-entered
	require.True(t, h.orc.RequestShutdown(context.Background()))
	<-h.orc.Done()
	close(release)

	assert.ErrorIs(t, <-errc, ErrShuttingDown)
	assert.Zero(t, h.backend.starts.Load())
	assert.False(t, h.db.Running())
	assert.EqualValues(t, 2, h.db.stops.Load())
}

func TestSafetyNet(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orc.Start(context.Background()))
	require.NoError(t, h.orc.SafetyNet(context.Background()))
	assert.Equal(t, []string{"gateway", "backend", "database"}, h.log.get())
	_, ok := find(h.rec.Events(), events.Shutdown, events.StageGateway, events.Active)
	assert.False(t, ok, "safety net must not emit events")

	h2 := newHarness(t, nil)
	require.NoError(t, h2.orc.Start(context.Background()))
	require.NoError(t, h2.orc.Shutdown(context.Background()))
	require.NoError(t, h2.orc.SafetyNet(context.Background()))
	assert.EqualValues(t, 1, h2.db.stops.Load())
}

func TestStatus(t *testing.T) {
	h := newHarness(t, nil)
	st := h.orc.Status()
	assert.Equal(t, Idle, st.State)
	assert.Equal(t, 18088, st.Ports.Gateway)

	require.NoError(t, h.orc.Start(context.Background()))
	st = h.orc.Status()
	assert.Equal(t, Running, st.State)
	assert.True(t, st.GatewayRunning)
	assert.Equal(t, 21, st.JavaVersion)
	assert.False(t, st.StartedAt.IsZero())
}
