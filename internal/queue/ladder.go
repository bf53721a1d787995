package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fbettag/kasa-web-controller/internal/connection"
	"github.com/fbettag/kasa-web-controller/internal/device"
	"github.com/fbettag/kasa-web-controller/internal/identity"
)

// attempt tracks what the ladder has learned so far about one request.
type attempt struct {
	connected bool
	lastErr   error
}

func (a *attempt) fail(connected bool, err error) {
	a.connected = a.connected || connected
	a.lastErr = err
}

// ladder runs req, escalating through the existing handle, a fresh
// connection to the cached address, rediscovery and a connection to the
// rediscovered address. Each step runs at most once.
func (q *Queue) ladder(ctx context.Context, req *request) (device.State, error) {
	var a attempt
	tried := ""

	if req.op != OpRefresh {
		if q.handle != nil {
			snap, err := q.onHandle(ctx, req)
			if err == nil {
				return q.succeed(snap, q.addr), nil
			}
			q.log.Warnf("%s on open connection failed: %v", req.op, err)
			// a stale session says nothing about whether the device is still there
			a.fail(false, err)
			q.disconnect()
			q.recovering()
		}

		if addr := q.current().LastIP; addr != "" && ctx.Err() == nil {
			tried = addr
			snap, connected, err := q.tryAt(ctx, addr, req)
			if err == nil {
				return q.succeed(snap, addr), nil
			}
			q.log.Warnf("%s at %s failed: %v", req.op, addr, err)
			a.fail(connected, err)
			q.recovering()
		}
	} else {
		q.disconnect()
	}

	if ctx.Err() == nil {
		q.setState(Recovering)
		addr, err := q.finder.Rediscover(ctx, q.entry)
		switch {
		case err != nil:
			q.log.Warnf("Rediscovery failed: %v", err)
		case addr == "":
			q.log.Infof("Not found during rediscovery")
		default:
			if addr != tried {
				q.log.Infof("Rediscovered at %s", addr)
			}
			snap, connected, err := q.tryAt(ctx, addr, req)
			if err == nil {
				return q.succeed(snap, addr), nil
			}
			tried = addr
			a.fail(connected, err)
		}
	}

	// a refresh whose sweep came back empty still tries the cached address
	if req.op == OpRefresh && tried == "" && ctx.Err() == nil {
		if addr := q.current().LastIP; addr != "" {
			snap, connected, err := q.tryAt(ctx, addr, req)
			if err == nil {
				return q.succeed(snap, addr), nil
			}
			a.fail(connected, err)
		}
	}

	return q.fail(ctx, req, a)
}

// onHandle runs req on the connection left open by a previous request.
func (q *Queue) onHandle(ctx context.Context, req *request) (device.Snapshot, error) {
	q.setState(Executing)
	sctx, cancel := context.WithTimeout(ctx, q.cfg.StepTimeout)
	defer cancel()
	return q.execute(sctx, q.handle, req)
}

func (q *Queue) execute(ctx context.Context, h connection.Handle, req *request) (device.Snapshot, error) {
	if req.op == OpControl {
		return connection.Send(ctx, h, req.cmd)
	}
	return connection.Query(ctx, h)
}

// tryAt opens a fresh connection to addr, checks that the device answering
// is the one we expect and runs req on it. connected reports whether a
// session to the right device was established.
func (q *Queue) tryAt(ctx context.Context, addr string, req *request) (snap device.Snapshot, connected bool, err error) {
	q.disconnect()
	q.setState(Recovering)

	policy := connection.RetryPolicy{
		Attempts: q.cfg.ConnectAttempts,
		Delay:    q.cfg.ConnectRetryDelay,
		Timeout:  q.cfg.StepTimeout,
	}
	h, err := connection.Open(ctx, q.transport, addr, q.entry.Credentials, policy)
	if err != nil {
		return device.Snapshot{}, false, err
	}

	sctx, cancel := context.WithTimeout(ctx, q.cfg.StepTimeout)
	defer cancel()

	snap, err = connection.Identify(sctx, h)
	if err != nil {
		h.Close()
		return device.Snapshot{}, true, err
	}
	if mac, nerr := identity.Normalize(snap.MAC); nerr != nil || mac != q.entry.MAC {
		h.Close()
		return device.Snapshot{}, false, fmt.Errorf("%w: %s answered as %q", connection.ErrConnectFailed, addr, snap.MAC)
	}

	q.handle, q.addr = h, addr
	q.setState(Connected)

	if req.op != OpControl {
		return snap, true, nil
	}

	q.setState(Executing)
	snap, err = q.execute(sctx, h, req)
	if err != nil {
		q.disconnect()
		return device.Snapshot{}, true, err
	}
	return snap, true, nil
}

// recovering marks an online device temp_unavailable while further ladder
// steps are still pending. Offline devices stay offline until they answer.
func (q *Queue) recovering() {
	q.setState(Recovering)
	q.store.Update(q.entry.ID, func(s *device.State) {
		if s.Status == device.StatusOnline {
			s.MarkUnavailable(device.StatusTempUnavailable, nil)
		}
	})
}

func (q *Queue) succeed(snap device.Snapshot, addr string) device.State {
	return q.store.Update(q.entry.ID, func(s *device.State) {
		s.Apply(snap, addr)
	})
}

// fail maps a finished ladder to its terminal error. Only status, error and
// last_updated are touched; the last known topology stays in the cache.
func (q *Queue) fail(ctx context.Context, req *request, a attempt) (device.State, error) {
	if errors.Is(ctx.Err(), context.Canceled) {
		return q.current(), ErrClosed
	}

	var (
		err    error
		status device.Status
	)
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w: gave up after %s", device.ErrQueueTimeout, q.cfg.LadderTimeout)
		status = device.StatusTempUnavailable
	case a.connected:
		err = fmt.Errorf("%w: %v", device.ErrOperationFailed, a.lastErr)
		status = device.StatusTempUnavailable
	default:
		err = device.ErrDeviceOffline
		if a.lastErr != nil {
			err = fmt.Errorf("%w: %v", device.ErrDeviceOffline, a.lastErr)
		}
		status = device.StatusOffline
	}

	q.log.Warnf("%s %s failed: %v", req.op, req.cmd.ID, err)

	state := q.store.Update(q.entry.ID, func(s *device.State) {
		s.MarkUnavailable(status, err)
		if req.op == OpRefresh {
			s.LastUpdated = time.Now()
		}
	})
	return state, err
}
