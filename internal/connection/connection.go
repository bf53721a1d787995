// Package connection holds the stateless helpers that open device sessions,
// send commands over them and sweep the network for devices. All device I/O
// in the repository goes through here.
package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/fbettag/kasa-web-controller/internal/device"
	"github.com/fbettag/kasa-web-controller/internal/identity"
)

var (
	// ErrAuthRequired is returned by a Transport when the device refuses an
	// unauthenticated session, and by Open when no credentials are available.
	ErrAuthRequired  = errors.New("authentication required")
	ErrConnectFailed = errors.New("connect failed")
	ErrCommandFailed = errors.New("command failed")
)

// Transport is the device-communication capability.
type Transport interface {
	Dial(ctx context.Context, addr string, creds *device.Credentials) (Handle, error)
	// Broadcast sends one discovery probe to target and collects replies
	// until ctx ends. Results are keyed by responder address.
	Broadcast(ctx context.Context, target string) (map[string]device.Snapshot, error)
}

// Handle is an open session to one device.
type Handle interface {
	Query(ctx context.Context) (device.Snapshot, error)
	SetPower(ctx context.Context, childID string, on bool) error
	Close() error
}

type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	// Timeout bounds each individual dial.
	Timeout time.Duration
}

// DefaultRetryPolicy matches what field devices tolerate: three tries half a
// second apart with a ten second dial timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 500 * time.Millisecond, Timeout: 10 * time.Second}
}

// Open connects to addr. An unauthenticated session is tried first; if the
// device demands authentication the same retry sequence is run again with
// creds. Without creds ErrAuthRequired is returned.
func Open(ctx context.Context, t Transport, addr string, creds *device.Credentials, p RetryPolicy) (Handle, error) {
	h, err := dial(ctx, t, addr, nil, p)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, ErrAuthRequired) {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, addr, err)
	}
	if creds == nil {
		return nil, fmt.Errorf("%s: %w", addr, ErrAuthRequired)
	}

	h, err = dial(ctx, t, addr, creds, p)
	if err != nil {
		if errors.Is(err, ErrAuthRequired) {
			return nil, fmt.Errorf("%s: %w", addr, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, addr, err)
	}
	return h, nil
}

func dial(ctx context.Context, t Transport, addr string, creds *device.Credentials, p RetryPolicy) (Handle, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var h Handle
	op := func() error {
		dctx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}

		var err error
		h, err = t.Dial(dctx, addr, creds)
		if err != nil {
			if errors.Is(err, ErrAuthRequired) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(attempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return h, nil
}

// Send applies cmd and reads the device back.
func Send(ctx context.Context, h Handle, cmd device.Command) (device.Snapshot, error) {
	if err := h.SetPower(ctx, cmd.ChildID, cmd.On()); err != nil {
		return device.Snapshot{}, fmt.Errorf("%w: set %s: %v", ErrCommandFailed, cmd.Action, err)
	}
	return Query(ctx, h)
}

// Query reads a snapshot without changing anything on the device.
func Query(ctx context.Context, h Handle) (device.Snapshot, error) {
	snap, err := h.Query(ctx)
	if err != nil {
		return device.Snapshot{}, fmt.Errorf("%w: query: %v", ErrCommandFailed, err)
	}
	return snap, nil
}

// dialSnapshotter is implemented by handles that read the device while
// connecting.
type dialSnapshotter interface {
	DialSnapshot() (device.Snapshot, bool)
}

// Identify returns what a freshly opened handle already learned about the
// device, falling back to a Query when the transport read nothing on dial.
func Identify(ctx context.Context, h Handle) (device.Snapshot, error) {
	if ds, ok := h.(dialSnapshotter); ok {
		if snap, ok := ds.DialSnapshot(); ok {
			return snap, nil
		}
	}
	return Query(ctx, h)
}

// Discovered is one device answering a sweep.
type Discovered struct {
	Addr     string
	Snapshot device.Snapshot
}

// Discover runs a single broadcast sweep on target bounded by timeout.
// Results are keyed by canonical MAC; replies with malformed MACs are
// dropped. Silence is not an error.
func Discover(ctx context.Context, t Transport, target string, timeout time.Duration) (map[string]Discovered, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	replies, err := t.Broadcast(ctx, target)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("discover on %s: %w", target, err)
	}

	found := make(map[string]Discovered, len(replies))
	for addr, snap := range replies {
		mac, err := identity.Normalize(snap.MAC)
		if err != nil {
			continue
		}
		snap.MAC = mac
		found[mac] = Discovered{Addr: addr, Snapshot: snap}
	}
	return found, nil
}
