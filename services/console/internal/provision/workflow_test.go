package provision

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vgold/heatwatch/services/console/internal/apierr"
	"github.com/vgold/heatwatch/services/console/internal/push"
	"github.com/vgold/heatwatch/services/console/internal/upstream"
)

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	emitErr   error
	emitted   []string
	handlers  map[string]map[int]push.Handler
	next      int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{connected: true, handlers: make(map[string]map[int]push.Handler)}
}

func (c *fakeChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) Emit(event string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emitErr != nil {
		return c.emitErr
	}
	c.emitted = append(c.emitted, event)
	return nil
}

func (c *fakeChannel) On(event string, h push.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := c.next
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]push.Handler)
	}
	c.handlers[event][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

func (c *fakeChannel) deliver(event, data string) {
	c.mu.Lock()
	hs := make([]push.Handler, 0, len(c.handlers[event]))
	for _, h := range c.handlers[event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(json.RawMessage(data))
	}
}

func (c *fakeChannel) listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, hs := range c.handlers {
		n += len(hs)
	}
	return n
}

func (c *fakeChannel) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.emitted {
		if e == event {
			n++
		}
	}
	return n
}

type fakeSaver struct {
	err   error
	id    string
	saved upstream.SensorUpdate
}

func (s *fakeSaver) UpdateSensor(_ context.Context, id string, upd upstream.SensorUpdate) error {
	s.id, s.saved = id, upd
	return s.err
}

type fakeRefresher struct{ calls int }

func (r *fakeRefresher) FetchAll(context.Context) error {
	r.calls++
	return nil
}

func newWorkflow(ch *fakeChannel, saver *fakeSaver, refresher *fakeRefresher) *Workflow {
	return New(ch, saver, refresher, zap.NewNop())
}

func TestHappyPath(t *testing.T) {
	ch := newFakeChannel()
	saver := &fakeSaver{}
	refresher := &fakeRefresher{}
	w := newWorkflow(ch, saver, refresher)

	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, StepRequesting, w.Snapshot().Step)
	assert.Equal(t, 1, ch.count(push.EventStartProvisioning))

	ch.deliver(push.EventPairingCode, `{"code":"4821"}`)
	snap := w.Snapshot()
	assert.Equal(t, StepPairing, snap.Step)
	assert.Equal(t, "4821", snap.PairingCode)
	assert.Equal(t, 120, snap.ExpiresIn)

	ch.deliver(push.EventPairingCode, `{"code":"9932","expiresIn":60}`)
	snap = w.Snapshot()
	assert.Equal(t, "9932", snap.PairingCode)
	assert.Equal(t, 60, snap.ExpiresIn)

	ch.deliver(push.EventAgentConnected, `{}`)
	assert.Equal(t, StepFlashing, w.Snapshot().Step)

	ch.deliver(push.EventProvisionSuccess, `{"uuid":"new-1","mac":"aa:bb"}`)
	snap = w.Snapshot()
	assert.Equal(t, StepSuccess, snap.Step)
	require.NotNil(t, snap.NewSensor)
	assert.Equal(t, "new-1", snap.NewSensor.UUID)

	require.NoError(t, w.Save(context.Background(), "Boiler-TASH-9", "Sergeli-8"))
	assert.Equal(t, "new-1", saver.id)
	assert.Equal(t, upstream.SensorUpdate{Name: "Boiler-TASH-9", Description: "Sergeli-8", Status: "active"}, saver.saved)
	assert.Equal(t, 1, refresher.calls)
	assert.Equal(t, StepIdle, w.Snapshot().Step)
	assert.Equal(t, 1, ch.count(push.EventStopProvisioning))
	assert.Zero(t, ch.listeners())
}

func TestStart_RequiresConnection(t *testing.T) {
	ch := newFakeChannel()
	ch.connected = false
	w := newWorkflow(ch, &fakeSaver{}, &fakeRefresher{})

	err := w.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoConnection)
	snap := w.Snapshot()
	assert.Equal(t, StepIdle, snap.Step)
	assert.NotEmpty(t, snap.Error)
	assert.Empty(t, ch.emitted)
}

func TestStart_RejectsSecondSession(t *testing.T) {
	ch := newFakeChannel()
	w := newWorkflow(ch, &fakeSaver{}, &fakeRefresher{})

	require.NoError(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), ErrAlreadyActive)
	assert.Equal(t, 1, ch.count(push.EventStartProvisioning))
	assert.Equal(t, 3, ch.listeners())
}

func TestBind_StopsOnceWhenViewCloses(t *testing.T) {
	ch := newFakeChannel()
	w := newWorkflow(ch, &fakeSaver{}, &fakeRefresher{})
	require.NoError(t, w.Start(context.Background()))
	ch.deliver(push.EventPairingCode, `{"code":"1111"}`)

	ctx, cancel := context.WithCancel(context.Background())
	release := w.Bind(ctx)
	defer release()
	cancel()

	assert.Eventually(t, func() bool { return w.Snapshot().Step == StepIdle }, time.Second, 5*time.Millisecond)
	w.Stop()
	assert.Equal(t, 1, ch.count(push.EventStopProvisioning))
	assert.Zero(t, ch.listeners())

	ch.deliver(push.EventProvisionSuccess, `{"uuid":"late"}`)
	assert.Nil(t, w.Snapshot().NewSensor)
}

func TestBind_StaleViewLeavesNewerSessionAlone(t *testing.T) {
	ch := newFakeChannel()
	w := newWorkflow(ch, &fakeSaver{}, &fakeRefresher{})

	first, closeFirst := context.WithCancel(context.Background())
	w.Bind(first)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()

	second, closeSecond := context.WithCancel(context.Background())
	defer closeSecond()
	w.Bind(second)
	require.NoError(t, w.Start(context.Background()))
	ch.deliver(push.EventPairingCode, `{"code":"2222"}`)

	closeFirst()
	assert.Never(t, func() bool { return w.Snapshot().Step != StepPairing }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, "2222", w.Snapshot().PairingCode)
	assert.Equal(t, 1, ch.count(push.EventStopProvisioning))

	closeSecond()
	assert.Eventually(t, func() bool { return w.Snapshot().Step == StepIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, ch.count(push.EventStopProvisioning))
}

func TestBind_IdleViewOwnsNextSession(t *testing.T) {
	ch := newFakeChannel()
	w := newWorkflow(ch, &fakeSaver{}, &fakeRefresher{})

	ctx, cancel := context.WithCancel(context.Background())
	w.Bind(ctx)
	require.NoError(t, w.Start(context.Background()))

	cancel()
	assert.Eventually(t, func() bool { return w.Snapshot().Step == StepIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ch.count(push.EventStopProvisioning))
}

func TestBind_ReleaseKeepsSession(t *testing.T) {
	ch := newFakeChannel()
	w := newWorkflow(ch, &fakeSaver{}, &fakeRefresher{})
	require.NoError(t, w.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	release := w.Bind(ctx)
	release()
	cancel()

	assert.Never(t, func() bool { return w.Snapshot().Step == StepIdle }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Zero(t, ch.count(push.EventStopProvisioning))
}

func TestStop_IdleIsNoop(t *testing.T) {
	ch := newFakeChannel()
	w := newWorkflow(ch, &fakeSaver{}, &fakeRefresher{})
	w.Stop()
	w.Stop()
	assert.Empty(t, ch.emitted)
}

func TestOutOfOrderEventsIgnored(t *testing.T) {
	ch := newFakeChannel()
	w := newWorkflow(ch, &fakeSaver{}, &fakeRefresher{})
	require.NoError(t, w.Start(context.Background()))

	ch.deliver(push.EventAgentConnected, `{}`)
	assert.Equal(t, StepRequesting, w.Snapshot().Step)
}

func TestSave_FailureReturnsToSuccess(t *testing.T) {
	ch := newFakeChannel()
	saver := &fakeSaver{err: &apierr.Error{Status: 422, Message: "district_id is invalid"}}
	refresher := &fakeRefresher{}
	w := newWorkflow(ch, saver, refresher)
	require.NoError(t, w.Start(context.Background()))
	ch.deliver(push.EventPairingCode, `{"code":"1"}`)
	ch.deliver(push.EventProvisionSuccess, `{"uuid":"n-2"}`)

	err := w.Save(context.Background(), "x", "y")
	require.Error(t, err)
	snap := w.Snapshot()
	assert.Equal(t, StepSuccess, snap.Step)
	assert.Equal(t, "district_id is invalid", snap.Error)
	assert.Zero(t, refresher.calls)

	saver.err = errors.New("dial tcp: connection refused")
	require.Error(t, w.Save(context.Background(), "x", "y"))
	assert.Equal(t, "Failed to save details", w.Snapshot().Error)
}

func TestSave_NothingToSave(t *testing.T) {
	w := newWorkflow(newFakeChannel(), &fakeSaver{}, &fakeRefresher{})
	assert.ErrorIs(t, w.Save(context.Background(), "a", "b"), ErrNothingToSave)
}

func TestSubscribe_ReceivesSnapshots(t *testing.T) {
	ch := newFakeChannel()
	w := newWorkflow(ch, &fakeSaver{}, &fakeRefresher{})
	snaps, cancel := w.Subscribe()
	defer cancel()

	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, StepRequesting, (<-snaps).Step)
}
