package beancore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"
)

// testBean is a component instance that records its lifecycle callbacks.
type testBean struct {
	serial int

	constructed atomic.Int32
	destroyed   atomic.Int32
	passivated  atomic.Int32
	activated   atomic.Int32
	calls       atomic.Int64

	mu          sync.Mutex
	state       []byte
	completions []bool
}

func (b *testBean) PostConstruct(context.Context) error {
	b.constructed.Add(1)
	return nil
}

func (b *testBean) PreDestroy(context.Context) error {
	b.destroyed.Add(1)
	return nil
}

func (b *testBean) PrePassivate(context.Context) ([]byte, error) {
	b.passivated.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.state...), nil
}

func (b *testBean) PostActivate(_ context.Context, state []byte) error {
	b.activated.Add(1)
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
	return nil
}

func (b *testBean) AfterCompletion(committed bool) {
	b.mu.Lock()
	b.completions = append(b.completions, committed)
	b.mu.Unlock()
}

func (b *testBean) setState(s string) {
	b.mu.Lock()
	b.state = []byte(s)
	b.mu.Unlock()
}

func (b *testBean) getState() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.state)
}

func (b *testBean) getCompletions() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bool(nil), b.completions...)
}

// plainBean implements no lifecycle hooks.
type plainBean struct{ serial int }

// beanTracker is an InstanceFactory that remembers every instance it built.
type beanTracker struct {
	mu    sync.Mutex
	beans []*testBean
	fail  error
}

func (f *beanTracker) New(context.Context) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	b := &testBean{serial: len(f.beans)}
	f.beans = append(f.beans, b)
	return b, nil
}

func (f *beanTracker) all() []*testBean {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*testBean(nil), f.beans...)
}

func (f *beanTracker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.beans)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testConfig disables background goroutines so tests stay deterministic.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.SweepInterval = 0
	cfg.ReaperWorkers = 0
	return cfg
}

func newTestContainer(t *testing.T, opts ...Option) *Container {
	t.Helper()
	base := []Option{WithConfig(testConfig()), WithLogger(testr.New(t))}
	c, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.Close(context.Background()))
	})
	return c
}

func installHome(t *testing.T, c *Container, cfg HomeConfig) (*Home, *beanTracker) {
	t.Helper()
	tracker := &beanTracker{}
	if cfg.Factory == nil {
		cfg.Factory = tracker
	}
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	h, err := c.Install(context.Background(), cfg)
	require.NoError(t, err)
	return h, tracker
}

var (
	errChecked      = errors.New("insufficient funds")
	errCheckedNoRb  = errors.New("validation failed")
	errUndeclared   = errors.New("undeclared failure")
	testMethodOK    = MethodInfo{ID: "work"}
	testMethodRb    = MethodInfo{ID: "withdraw", ApplicationErrors: []ApplicationError{{Target: errChecked, Rollback: true}, {Target: errCheckedNoRb}}}
	testMethodNew   = MethodInfo{ID: "audit", TxAttribute: TxRequiresNew}
	testMethodMand  = MethodInfo{ID: "mandatory", TxAttribute: TxMandatory}
	testMethodNever = MethodInfo{ID: "never", TxAttribute: TxNever}
	testMethodNS    = MethodInfo{ID: "notSupported", TxAttribute: TxNotSupported}
	testMethodSupp  = MethodInfo{ID: "supports", TxAttribute: TxSupports}
	testMethodRead  = MethodInfo{ID: "read", Lock: LockRead}
)

func allTestMethods() []MethodInfo {
	return []MethodInfo{testMethodOK, testMethodRb, testMethodNew, testMethodMand, testMethodNever, testMethodNS, testMethodSupp, testMethodRead}
}

// noop is a business function that only counts the call.
func noop(_ context.Context, instance any) error {
	if b, ok := instance.(*testBean); ok {
		b.calls.Add(1)
	}
	return nil
}

func failWith(err error) BusinessFunc {
	return func(context.Context, any) error { return err }
}
