// Package connectiontest provides a scripted in-memory Transport for tests of
// the queue, the manager and the HTTP layer.
package connectiontest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/fbettag/kasa-web-controller/internal/connection"
	"github.com/fbettag/kasa-web-controller/internal/device"
)

var ErrUnreachable = errors.New("no route to host")

// Device is the scripted behaviour of one address.
type Device struct {
	MAC      string
	Alias    string
	Model    string
	IsOn     bool
	Children []device.ChildState

	Unreachable  bool
	FailCommands bool
	RequireAuth  bool
	// Hidden devices do not answer broadcasts.
	Hidden bool
}

// Call is one SetPower invocation as seen by the transport.
type Call struct {
	Addr    string
	ChildID string
	On      bool
}

// Transport implements connection.Transport.
type Transport struct {
	mu         sync.Mutex
	devices    map[string]*Device
	dials      []string
	calls      []Call
	broadcasts []string
	closes     int

	// BeforeSetPower, if set, runs before every SetPower outside the lock.
	BeforeSetPower func(addr string, on bool)
}

func New() *Transport {
	return &Transport{devices: make(map[string]*Device)}
}

// Add places d at addr, replacing whatever was there.
func (t *Transport) Add(addr string, d Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d.Children = append([]device.ChildState(nil), d.Children...)
	t.devices[addr] = &d
}

func (t *Transport) Update(addr string, fn func(*Device)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.devices[addr]; ok {
		fn(d)
	}
}

// Move simulates a DHCP change.
func (t *Transport) Move(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.devices[from]; ok {
		delete(t.devices, from)
		t.devices[to] = d
	}
}

func (t *Transport) Remove(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.devices, addr)
}

// Power returns the relay state of the device at addr, or of one of its
// children when childID is set.
func (t *Transport) Power(addr, childID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[addr]
	if !ok {
		return false
	}
	if childID == "" {
		return d.IsOn
	}
	for _, c := range d.Children {
		if c.ID == childID {
			return c.IsOn
		}
	}
	return false
}

func (t *Transport) Dials() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.dials...)
}

func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// Broadcasts returns the targets of every sweep so far.
func (t *Transport) Broadcasts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.broadcasts...)
}

func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *Transport) Dial(ctx context.Context, addr string, creds *device.Credentials) (connection.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials = append(t.dials, addr)

	d, ok := t.devices[addr]
	if !ok || d.Unreachable {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrUnreachable)
	}
	if d.RequireAuth && creds == nil {
		return nil, connection.ErrAuthRequired
	}
	return &handle{t: t, addr: addr}, nil
}

func (t *Transport) Broadcast(ctx context.Context, target string) (map[string]device.Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcasts = append(t.broadcasts, target)

	out := make(map[string]device.Snapshot)
	for addr, d := range t.devices {
		if d.Hidden || d.Unreachable {
			continue
		}
		out[addr] = d.snapshot()
	}
	return out, nil
}

func (d *Device) snapshot() device.Snapshot {
	return device.Snapshot{
		MAC:      d.MAC,
		Alias:    d.Alias,
		Model:    d.Model,
		IsOn:     d.IsOn,
		Children: append([]device.ChildState(nil), d.Children...),
	}
}

type handle struct {
	t      *Transport
	addr   string
	closed bool
}

func (h *handle) device() (*Device, error) {
	if h.closed {
		return nil, errors.New("use of closed handle")
	}
	d, ok := h.t.devices[h.addr]
	if !ok || d.Unreachable {
		return nil, fmt.Errorf("%s: %w", h.addr, ErrUnreachable)
	}
	return d, nil
}

func (h *handle) Query(ctx context.Context) (device.Snapshot, error) {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	d, err := h.device()
	if err != nil {
		return device.Snapshot{}, err
	}
	return d.snapshot(), nil
}

func (h *handle) SetPower(ctx context.Context, childID string, on bool) error {
	if hook := h.t.BeforeSetPower; hook != nil {
		hook(h.addr, on)
	}

	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	h.t.calls = append(h.t.calls, Call{Addr: h.addr, ChildID: childID, On: on})

	d, err := h.device()
	if err != nil {
		return err
	}
	if d.FailCommands {
		return errors.New("device rejected command")
	}

	if childID == "" {
		d.IsOn = on
		for i := range d.Children {
			d.Children[i].IsOn = on
		}
		return nil
	}

	idx, err := strconv.Atoi(childID)
	if err != nil || idx < 0 || idx >= len(d.Children) {
		return fmt.Errorf("no child %q", childID)
	}
	d.Children[idx].IsOn = on
	d.IsOn = false
	for _, c := range d.Children {
		d.IsOn = d.IsOn || c.IsOn
	}
	return nil
}

func (h *handle) Close() error {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if !h.closed {
		h.closed = true
		h.t.closes++
	}
	return nil
}
