package manager

import (
	"context"
	"sync/atomic"

	"github.com/fbettag/kasa-web-controller/internal/connection"
	"github.com/fbettag/kasa-web-controller/internal/device"
	"golang.org/x/sync/errgroup"
)

// sweep runs one broadcast on target. Concurrent callers for the same target
// share a single sweep, which runs on the manager's lifetime context so one
// impatient caller cannot cut it short for the others.
func (m *Manager) sweep(ctx context.Context, target string) (map[string]connection.Discovered, error) {
	ch := m.sweeps.DoChan(target, func() (any, error) {
		found, err := connection.Discover(m.ctx, m.opts.Transport, target, m.opts.DiscoveryTimeout)
		if err != nil {
			return nil, err
		}
		m.learnAddresses(found)
		return found, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[string]connection.Discovered), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// learnAddresses records where every whitelisted device seen in a sweep now
// lives.
func (m *Manager) learnAddresses(found map[string]connection.Discovered) {
	for mac, d := range found {
		s, ok := m.byMAC[mac]
		if !ok {
			continue
		}
		if s.snapshot().LastIP == d.Addr {
			continue
		}
		m.update(s, func(st *device.State) {
			st.LastIP = d.Addr
		})
	}
}

// Rediscover implements queue.Rediscoverer.
func (m *Manager) Rediscover(ctx context.Context, entry device.Entry) (string, error) {
	found, err := m.sweep(ctx, entry.Target)
	if d, ok := found[entry.MAC]; ok {
		return d.Addr, nil
	}
	if err != nil {
		m.log.WithField("device", entry.ID).Warnf("Sweep on %s failed: %v", entry.Target, err)
	}

	if m.opts.Resolver != nil && ctx.Err() == nil {
		addr, rerr := m.opts.Resolver.LookupAddress(ctx, entry.MAC)
		if rerr != nil {
			m.log.WithField("device", entry.ID).Debugf("Resolver lookup failed: %v", rerr)
		} else if addr != "" {
			m.log.WithField("device", entry.ID).Infof("Resolver places %s at %s", entry.MAC, addr)
			return addr, nil
		}
	}
	return "", err
}

// DiscoverAll sweeps every distinct target once and folds the replies into
// offline and temp_unavailable cache entries. Devices whose queue is busy and
// devices already online only get their address updated, so in-flight and
// completed writes win over the sweep. It returns the number of whitelisted
// devices seen.
func (m *Manager) DiscoverAll(ctx context.Context) (int, error) {
	targets := make(map[string][]*slot)
	for _, s := range m.order {
		targets[s.entry.Target] = append(targets[s.entry.Target], s)
	}

	var seen atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for target, slots := range targets {
		g.Go(func() error {
			found, err := m.sweep(gctx, target)
			if err != nil {
				return err
			}
			for _, s := range slots {
				d, ok := found[s.entry.MAC]
				if !ok {
					continue
				}
				seen.Add(1)
				if s.queue.Busy() {
					continue
				}
				// a control that finished since the Busy check already wrote
				// a newer state and left the device online
				_, applied := m.updateIf(s, func(st *device.State) bool {
					if st.Status == device.StatusOnline {
						return false
					}
					st.Apply(d.Snapshot, d.Addr)
					return true
				})
				if !applied {
					continue
				}
				m.record(device.Event{
					DeviceID:   s.entry.ID,
					DeviceMAC:  s.entry.MAC,
					DeviceName: s.entry.Name,
					Kind:       device.EventDiscover,
					Status:     device.StatusOnline,
					Success:    true,
					Message:    "found at " + d.Addr,
				})
			}
			return nil
		})
	}

	err := g.Wait()
	m.log.Infof("Discovery found %d of %d devices", seen.Load(), len(m.order))
	return int(seen.Load()), err
}
