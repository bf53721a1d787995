// Package manager owns the device registry: one cached state and one command
// queue per whitelisted device, the periodic health check and network-wide
// discovery.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fbettag/kasa-web-controller/internal/connection"
	"github.com/fbettag/kasa-web-controller/internal/device"
	"github.com/fbettag/kasa-web-controller/internal/identity"
	"github.com/fbettag/kasa-web-controller/internal/queue"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTarget           = "255.255.255.255"
	DefaultHealthInterval   = 60 * time.Second
	DefaultDiscoveryTimeout = 5 * time.Second

	maxConcurrentProbes = 8
)

// Observer is told about every change to a cached state.
type Observer interface {
	StateChanged(device.State)
}

// Recorder persists activity events.
type Recorder interface {
	Record(device.Event) error
}

// AddressResolver is asked for a device's address when a broadcast sweep
// misses it.
type AddressResolver interface {
	LookupAddress(ctx context.Context, mac string) (string, error)
}

type Options struct {
	Transport        connection.Transport
	Queue            queue.Config
	HealthInterval   time.Duration
	DiscoveryTimeout time.Duration
	DefaultTarget    string
	Resolver         AddressResolver
	Recorder         Recorder
	Logger           *logrus.Logger
}

type slot struct {
	entry   device.Entry
	queue   *queue.Queue
	probing atomic.Bool

	mu    sync.RWMutex
	state device.State
}

func (s *slot) snapshot() device.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

type Manager struct {
	opts Options
	log  *logrus.Entry

	order []*slot
	byID  map[string]*slot
	byMAC map[string]*slot

	sweeps singleflight.Group

	obsMu     sync.RWMutex
	observers []Observer

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the registry. It fails on malformed or duplicate entries.
func New(entries []device.Entry, opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, errors.New("manager: transport is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Queue == (queue.Config{}) {
		opts.Queue = queue.DefaultConfig()
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if opts.DefaultTarget == "" {
		opts.DefaultTarget = DefaultTarget
	}

	m := &Manager{
		opts:  opts,
		log:   opts.Logger.WithField("component", "manager"),
		byID:  make(map[string]*slot, len(entries)),
		byMAC: make(map[string]*slot, len(entries)),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	st := store{m}
	for _, e := range entries {
		mac, err := identity.Normalize(e.MAC)
		if err != nil {
			return nil, err
		}
		e.MAC = mac
		e.ID = identity.DeriveID(mac)
		if e.Name == "" {
			e.Name = e.ID
		}
		if e.Target == "" {
			e.Target = opts.DefaultTarget
		}
		if _, dup := m.byMAC[mac]; dup {
			return nil, fmt.Errorf("duplicate device %s", mac)
		}
		if _, dup := m.byID[e.ID]; dup {
			return nil, fmt.Errorf("device id collision %s for %s", e.ID, mac)
		}

		s := &slot{entry: e, state: device.NewState(e)}
		s.queue = queue.New(e, opts.Transport, st, m, opts.Queue, opts.Logger)
		m.order = append(m.order, s)
		m.byID[e.ID] = s
		m.byMAC[mac] = s
	}

	return m, nil
}

// Subscribe registers an observer. Call before Start.
func (m *Manager) Subscribe(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

// Start launches one worker per device and the health loop. Only the first
// call has any effect.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		m.log.Warn("Device manager already started")
		return
	}

	prev := m.cancel
	m.ctx, m.cancel = context.WithCancel(ctx)
	prev()

	for _, s := range m.order {
		m.wg.Add(1)
		go func(s *slot) {
			defer m.wg.Done()
			s.queue.Run(m.ctx)
		}(s)
	}

	if m.opts.HealthInterval > 0 {
		m.wg.Add(1)
		go m.healthLoop()
	}

	m.log.Infof("Managing %d devices", len(m.order))
}

// Stop shuts down workers and closes open connections.
func (m *Manager) Stop() {
	m.cancel()
	for _, s := range m.order {
		s.queue.Close()
	}
	m.wg.Wait()
	m.log.Info("Device manager stopped")
}

func (m *Manager) Entries() []device.Entry {
	out := make([]device.Entry, len(m.order))
	for i, s := range m.order {
		out[i] = s.entry
	}
	return out
}

// List returns cached states in whitelist order. It never touches the network.
func (m *Manager) List() []device.State {
	out := make([]device.State, len(m.order))
	for i, s := range m.order {
		out[i] = s.snapshot()
	}
	return out
}

func (m *Manager) Get(id string) (device.State, error) {
	s, ok := m.byID[id]
	if !ok {
		return device.State{}, fmt.Errorf("%w: %s", device.ErrUnknownDevice, id)
	}
	return s.snapshot(), nil
}

// Busy reports whether id's queue is running or holding an operation.
func (m *Manager) Busy(id string) bool {
	s, ok := m.byID[id]
	return ok && s.queue.Busy()
}

// Control switches a device or one strip outlet. Validation happens against
// the cached topology before anything is queued; the cache only changes once
// the device confirms.
func (m *Manager) Control(ctx context.Context, id, action, childID string) (device.State, error) {
	s, ok := m.byID[id]
	if !ok {
		return device.State{}, fmt.Errorf("%w: %s", device.ErrUnknownDevice, id)
	}

	act, err := device.ParseAction(action)
	if err != nil {
		return s.snapshot(), fmt.Errorf("%w: %q", err, action)
	}
	if childID != "" {
		cur := s.snapshot()
		if !cur.IsStrip || !cur.HasChild(childID) {
			return cur, fmt.Errorf("%w: %q", device.ErrInvalidChildID, childID)
		}
	}

	cmd := device.Command{ID: uuid.NewString()[:8], Action: act, ChildID: childID}
	m.log.WithFields(logrus.Fields{"device": id, "cmd": cmd.ID}).Infof("Control %s %s", act, childID)

	state, err := s.queue.Submit(ctx, queue.OpControl, cmd)
	m.record(device.Event{
		DeviceID:   id,
		DeviceMAC:  s.entry.MAC,
		DeviceName: s.entry.Name,
		Kind:       device.EventControl,
		Action:     string(act),
		ChildID:    childID,
		Status:     state.Status,
		Success:    err == nil,
		Message:    errMessage(err),
	})
	return state, err
}

// Refresh forces a rediscovery of id and returns whatever state results.
// Device failures are reported through the state, not the error.
func (m *Manager) Refresh(ctx context.Context, id string) (device.State, error) {
	s, ok := m.byID[id]
	if !ok {
		return device.State{}, fmt.Errorf("%w: %s", device.ErrUnknownDevice, id)
	}

	state, err := s.queue.Submit(ctx, queue.OpRefresh, device.Command{ID: uuid.NewString()[:8]})
	m.record(device.Event{
		DeviceID:   id,
		DeviceMAC:  s.entry.MAC,
		DeviceName: s.entry.Name,
		Kind:       device.EventRefresh,
		Status:     state.Status,
		Success:    err == nil,
		Message:    errMessage(err),
	})
	if errors.Is(err, queue.ErrClosed) {
		return state, err
	}
	return state, nil
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (m *Manager) record(ev device.Event) {
	if m.opts.Recorder == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := m.opts.Recorder.Record(ev); err != nil {
		m.log.Errorf("Failed to record %s event for %s: %v", ev.Kind, ev.DeviceID, err)
	}
}

func (m *Manager) notify(st device.State) {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	for _, o := range m.observers {
		o.StateChanged(st.Clone())
	}
}

// update applies fn under the slot lock and fans the result out to observers.
func (m *Manager) update(s *slot, fn func(*device.State)) device.State {
	st, _ := m.updateIf(s, func(st *device.State) bool {
		fn(st)
		return true
	})
	return st
}

// updateIf is update for writers that decide under the slot lock whether to
// change anything. Observers only hear about changes fn reports as applied.
func (m *Manager) updateIf(s *slot, fn func(*device.State) bool) (device.State, bool) {
	s.mu.Lock()
	prev := s.state.Status
	if !fn(&s.state) {
		cur := s.state.Clone()
		s.mu.Unlock()
		return cur, false
	}
	after := s.state.Clone()
	s.mu.Unlock()

	if prev != after.Status {
		m.log.WithField("device", after.ID).Infof("%s is now %s", after.Name, after.Status)
		m.record(device.Event{
			DeviceID:   after.ID,
			DeviceMAC:  s.entry.MAC,
			DeviceName: s.entry.Name,
			Kind:       device.EventStatus,
			Status:     after.Status,
			Success:    after.Status == device.StatusOnline,
			Message:    fmt.Sprintf("%s -> %s", prev, after.Status),
		})
	}
	m.notify(after)
	return after, true
}

// store adapts the registry to queue.Store.
type store struct {
	m *Manager
}

func (st store) Get(id string) (device.State, bool) {
	s, ok := st.m.byID[id]
	if !ok {
		return device.State{}, false
	}
	return s.snapshot(), true
}

func (st store) Update(id string, fn func(*device.State)) device.State {
	s, ok := st.m.byID[id]
	if !ok {
		return device.State{}
	}
	return st.m.update(s, fn)
}
