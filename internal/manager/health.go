package manager

import (
	"context"
	"time"

	"github.com/fbettag/kasa-web-controller/internal/device"
	"github.com/fbettag/kasa-web-controller/internal/queue"
	"golang.org/x/sync/errgroup"
)

func (m *Manager) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			// a slow probe must not hold back the next tick
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.CheckHealth(m.ctx)
			}()
		}
	}
}

// CheckHealth probes every device that is online or temp_unavailable through
// its own queue. Offline devices and devices whose previous probe has not
// finished are skipped. It returns once all probes started here are done.
func (m *Manager) CheckHealth(ctx context.Context) {
	g := new(errgroup.Group)
	g.SetLimit(maxConcurrentProbes)

	for _, s := range m.order {
		if s.snapshot().Status == device.StatusOffline {
			continue
		}
		if !s.probing.CompareAndSwap(false, true) {
			m.log.WithField("device", s.entry.ID).Debug("Previous probe still pending")
			continue
		}

		g.Go(func() error {
			defer s.probing.Store(false)
			if _, err := s.queue.Submit(ctx, queue.OpProbe, device.Command{}); err != nil {
				m.log.WithField("device", s.entry.ID).Debugf("Health probe failed: %v", err)
			}
			return nil
		})
	}

	_ = g.Wait()
}
