// Package provision drives the device pairing flow over the push channel.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/vgold/heatwatch/services/console/internal/apierr"
	"github.com/vgold/heatwatch/services/console/internal/push"
	"github.com/vgold/heatwatch/services/console/internal/upstream"
)

// Step is the workflow state.
type Step string

const (
	StepIdle       Step = "idle"
	StepRequesting Step = "requesting"
	StepPairing    Step = "pairing"
	StepFlashing   Step = "flashing"
	StepSuccess    Step = "success"
	StepSaving     Step = "saving"
)

const (
	evStart       = "start"
	evCode        = "code"
	evAgent       = "agent"
	evProvisioned = "provisioned"
	evSave        = "save"
	evSaveFailed  = "save_failed"
	evReset       = "reset"
)

const defaultExpiresIn = 120

var (
	ErrNoConnection  = errors.New("no connection to HQ (socket disconnected)")
	ErrAlreadyActive = errors.New("provisioning session already active")
	ErrNothingToSave = errors.New("no provisioned sensor to save")
)

// Channel is the push connection as seen by the workflow.
type Channel interface {
	Connected() bool
	Emit(event string, data any) error
	On(event string, h push.Handler) func()
}

// Saver stores the operator-supplied details of a new sensor.
type Saver interface {
	UpdateSensor(ctx context.Context, id string, upd upstream.SensorUpdate) error
}

// Refresher reloads the sensor list once a new sensor is saved.
type Refresher interface {
	FetchAll(ctx context.Context) error
}

// NewSensor is the identity reported by provision_success.
type NewSensor struct {
	UUID    string          `json:"uuid"`
	Name    string          `json:"name,omitempty"`
	Details upstream.Record `json:"details,omitempty"`
}

// Snapshot is a read-only copy of the workflow.
type Snapshot struct {
	Step        Step       `json:"step"`
	PairingCode string     `json:"pairing_code,omitempty"`
	ExpiresIn   int        `json:"expires_in,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at,omitempty"`
	NewSensor   *NewSensor `json:"new_sensor,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Workflow is the single provisioning session. The error field is an overlay
// that can be set in any step.
type Workflow struct {
	ch        Channel
	saver     Saver
	refresher Refresher
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	machine   *fsm.FSM
	session   uint64
	code      string
	expiresIn int
	expiresAt time.Time
	sensor    *NewSensor
	errMsg    string
	detach    []func()
	subs      map[int]chan Snapshot
	nextSub   int
}

func New(ch Channel, saver Saver, refresher Refresher, logger *zap.Logger) *Workflow {
	w := &Workflow{
		ch:        ch,
		saver:     saver,
		refresher: refresher,
		logger:    logger,
		now:       time.Now,
		subs:      make(map[int]chan Snapshot),
	}
	active := []string{string(StepRequesting), string(StepPairing), string(StepFlashing), string(StepSuccess), string(StepSaving)}
	w.machine = fsm.NewFSM(
		string(StepIdle),
		fsm.Events{
			{Name: evStart, Src: []string{string(StepIdle)}, Dst: string(StepRequesting)},
			{Name: evCode, Src: []string{string(StepRequesting)}, Dst: string(StepPairing)},
			{Name: evAgent, Src: []string{string(StepPairing)}, Dst: string(StepFlashing)},
			{Name: evProvisioned, Src: []string{string(StepPairing), string(StepFlashing)}, Dst: string(StepSuccess)},
			{Name: evSave, Src: []string{string(StepSuccess)}, Dst: string(StepSaving)},
			{Name: evSaveFailed, Src: []string{string(StepSaving)}, Dst: string(StepSuccess)},
			{Name: evReset, Src: active, Dst: string(StepIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				w.logger.Info("provisioning step changed",
					zap.String("from", e.Src), zap.String("to", e.Dst), zap.String("event", e.Event))
			},
		},
	)
	return w
}

// Start opens a pairing session. It fails without a live push connection
// and while another session is active.
func (w *Workflow) Start(ctx context.Context) error {
	w.mu.Lock()
	if !w.machine.Is(string(StepIdle)) {
		w.mu.Unlock()
		return ErrAlreadyActive
	}
	if !w.ch.Connected() {
		w.errMsg = "No connection to HQ (Socket Disconnected)"
		w.mu.Unlock()
		w.publish()
		return ErrNoConnection
	}
	w.errMsg = ""
	if err := w.machine.Event(ctx, evStart); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("start provisioning: %w", err)
	}
	w.session++
	w.attachLocked()
	w.mu.Unlock()

	if err := w.ch.Emit(push.EventStartProvisioning, nil); err != nil {
		w.logger.Error("failed to request pairing code", zap.Error(err))
		w.Stop()
		w.setError("No connection to HQ (Socket Disconnected)")
		return fmt.Errorf("start provisioning: %w", err)
	}
	w.publish()
	return nil
}

// Stop abandons the session: the server is told once, listeners are removed
// and the workflow returns to idle. Calling Stop while idle does nothing.
func (w *Workflow) Stop() {
	w.stopSession(0)
}

// stopSession stops the active session. A non-zero id stops it only if it
// is still that session.
func (w *Workflow) stopSession(id uint64) {
	w.mu.Lock()
	if w.machine.Is(string(StepIdle)) || (id != 0 && w.session != id) {
		w.mu.Unlock()
		return
	}
	w.detachLocked()
	if err := w.machine.Event(context.Background(), evReset); err != nil {
		w.logger.Warn("provisioning reset failed", zap.Error(err))
	}
	w.code, w.expiresIn, w.expiresAt, w.sensor, w.errMsg = "", 0, time.Time{}, nil, ""
	w.mu.Unlock()

	if err := w.ch.Emit(push.EventStopProvisioning, nil); err != nil {
		w.logger.Warn("failed to notify server of provisioning stop", zap.Error(err))
	}
	w.publish()
}

// Bind ties a session to the operator's view: when ctx ends, the session
// that was active at bind time is stopped, or, if the workflow was idle, the
// next one started. Sessions that came later are left alone. release
// cancels the binding without stopping.
func (w *Workflow) Bind(ctx context.Context) (release func()) {
	w.mu.Lock()
	owned := w.session
	if w.machine.Is(string(StepIdle)) {
		owned++
	}
	w.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { w.stopSession(owned) })
	return func() { stop() }
}

// Save stores name and location for the provisioned sensor, refreshes the
// sensor list and closes the workflow. On failure the workflow goes back to
// success with the error set so the operator can retry.
func (w *Workflow) Save(ctx context.Context, name, location string) error {
	w.mu.Lock()
	if !w.machine.Is(string(StepSuccess)) || w.sensor == nil || w.sensor.UUID == "" {
		w.mu.Unlock()
		return ErrNothingToSave
	}
	id := w.sensor.UUID
	if err := w.machine.Event(ctx, evSave); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("save sensor %s: %w", id, err)
	}
	w.errMsg = ""
	w.mu.Unlock()
	w.publish()

	// New sensors have no district or position yet.
	err := w.saver.UpdateSensor(ctx, id, upstream.SensorUpdate{
		Name:        name,
		Description: location,
		Status:      "active",
	})
	if err != nil {
		w.logger.Error("failed to save provisioned sensor", zap.String("uuid", id), zap.Error(err))
		w.mu.Lock()
		if w.machine.Can(evSaveFailed) {
			_ = w.machine.Event(context.Background(), evSaveFailed)
		}
		w.errMsg = apierr.UpstreamMessage(err, "Failed to save details")
		w.mu.Unlock()
		w.publish()
		return fmt.Errorf("save sensor %s: %w", id, err)
	}

	if err := w.refresher.FetchAll(ctx); err != nil {
		w.logger.Warn("sensor list refresh after provisioning failed", zap.Error(err))
	}
	w.Stop()
	return nil
}

// ClearError removes the error overlay.
func (w *Workflow) ClearError() {
	w.setError("")
}

func (w *Workflow) setError(msg string) {
	w.mu.Lock()
	w.errMsg = msg
	w.mu.Unlock()
	w.publish()
}

// Snapshot returns the current state.
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Workflow) snapshotLocked() Snapshot {
	s := Snapshot{
		Step:        Step(w.machine.Current()),
		PairingCode: w.code,
		ExpiresIn:   w.expiresIn,
		ExpiresAt:   w.expiresAt,
		Error:       w.errMsg,
	}
	if w.sensor != nil {
		cp := *w.sensor
		s.NewSensor = &cp
	}
	return s
}

// Subscribe delivers a snapshot after every change until cancel is called.
func (w *Workflow) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)

	w.mu.Lock()
	w.nextSub++
	id := w.nextSub
	w.subs[id] = ch
	w.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subs, id)
			w.mu.Unlock()
		})
	}
}

func (w *Workflow) publish() {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap := w.snapshotLocked()
	for _, ch := range w.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (w *Workflow) attachLocked() {
	w.detachLocked()
	w.detach = []func(){
		w.ch.On(push.EventPairingCode, w.onPairingCode),
		w.ch.On(push.EventAgentConnected, w.onAgentConnected),
		w.ch.On(push.EventProvisionSuccess, w.onProvisionSuccess),
	}
}

func (w *Workflow) detachLocked() {
	for _, off := range w.detach {
		off()
	}
	w.detach = nil
}

// onPairingCode also accepts a refreshed code while already pairing.
func (w *Workflow) onPairingCode(data json.RawMessage) {
	var r upstream.Record
	if err := json.Unmarshal(data, &r); err != nil {
		w.logger.Warn("malformed pairing_code event", zap.Error(err))
		return
	}
	expires, _ := r.Int("expiresIn", "expires_in")
	if expires <= 0 {
		expires = defaultExpiresIn
	}

	w.mu.Lock()
	switch {
	case w.machine.Is(string(StepPairing)):
	case w.machine.Can(evCode):
		_ = w.machine.Event(context.Background(), evCode)
	default:
		w.mu.Unlock()
		w.logger.Debug("pairing_code ignored", zap.String("step", w.machine.Current()))
		return
	}
	w.code = r.String("code", "pairing_code")
	w.expiresIn = int(expires)
	w.expiresAt = w.now().Add(time.Duration(expires) * time.Second)
	w.mu.Unlock()
	w.publish()
}

func (w *Workflow) onAgentConnected(json.RawMessage) {
	w.fire(evAgent, nil)
}

func (w *Workflow) onProvisionSuccess(data json.RawMessage) {
	var r upstream.Record
	if err := json.Unmarshal(data, &r); err != nil {
		w.logger.Warn("malformed provision_success event", zap.Error(err))
		return
	}
	w.fire(evProvisioned, func() {
		w.sensor = &NewSensor{UUID: r.String("uuid", "id"), Name: r.String("name"), Details: r}
	})
}

// fire runs event if the current step allows it, applying update under the
// lock on success.
func (w *Workflow) fire(event string, update func()) {
	w.mu.Lock()
	if !w.machine.Can(event) {
		step := w.machine.Current()
		w.mu.Unlock()
		w.logger.Debug("provisioning event ignored", zap.String("event", event), zap.String("step", step))
		return
	}
	if err := w.machine.Event(context.Background(), event); err != nil {
		w.mu.Unlock()
		w.logger.Warn("provisioning transition failed", zap.String("event", event), zap.Error(err))
		return
	}
	if update != nil {
		update()
	}
	w.mu.Unlock()
	w.publish()
}
