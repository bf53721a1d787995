// Package kasa speaks the legacy TP-Link Kasa protocol: XOR-obfuscated JSON
// over TCP and UDP port 9999.
package kasa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/fbettag/kasa-web-controller/internal/connection"
	"github.com/fbettag/kasa-web-controller/internal/device"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPort    = 9999
	defaultTimeout = 10 * time.Second
	// probes sent per sweep; UDP replies get lost on busy networks
	discoveryPackets = 3
)

// Transport implements connection.Transport. Credentials are accepted and
// ignored since the legacy protocol has no authentication.
type Transport struct {
	Port    int
	Timeout time.Duration
	log     *logrus.Entry
}

func New(logger *logrus.Logger) *Transport {
	return &Transport{
		Port:    DefaultPort,
		Timeout: defaultTimeout,
		log:     logger.WithField("component", "kasa"),
	}
}

func (t *Transport) hostPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(t.Port))
}

func (t *Transport) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(t.Timeout)
}

// Dial opens a session to addr and reads sysinfo once to make sure something
// Kasa-shaped answers there. The socket stays open until Close.
func (t *Transport) Dial(ctx context.Context, addr string, _ *device.Credentials) (connection.Handle, error) {
	h := &handle{t: t, addr: addr}
	snap, err := h.Query(ctx)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.dialed = &snap
	return h, nil
}

type handle struct {
	t    *Transport
	addr string

	mu       sync.Mutex
	conn     net.Conn
	childIDs []string
	dialed   *device.Snapshot
}

// roundTrip sends one request over the session socket. Plugs drop idle
// sockets on their own, so a failure on a reused socket is retried once on a
// fresh one.
func (h *handle) roundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	reused := h.conn != nil
	resp, err := h.exchange(ctx, payload)
	if err != nil && reused && ctx.Err() == nil {
		h.t.log.WithField("addr", h.addr).Debugf("Reconnecting after %v", err)
		resp, err = h.exchange(ctx, payload)
	}
	return resp, err
}

func (h *handle) exchange(ctx context.Context, payload []byte) ([]byte, error) {
	if h.conn == nil {
		d := net.Dialer{Timeout: h.t.Timeout}
		conn, err := d.DialContext(ctx, "tcp", h.t.hostPort(h.addr))
		if err != nil {
			return nil, err
		}
		h.conn = conn
	}
	conn := h.conn

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})

	resp, err := func() ([]byte, error) {
		if err := conn.SetDeadline(h.t.deadline(ctx)); err != nil {
			return nil, err
		}
		if err := writeFrame(conn, payload); err != nil {
			return nil, fmt.Errorf("write: %w", err)
		}
		resp, err := readFrame(conn)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		return resp, nil
	}()

	// a cancellation that fired mid-request leaves the deadline unusable
	if !stop() || err != nil {
		h.dropConn()
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
	if err != nil {
		return nil, err
	}

	h.t.log.WithField("addr", h.addr).Debugf("<- %s", resp)
	return resp, nil
}

func (h *handle) dropConn() {
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
}

// DialSnapshot hands out the sysinfo read while dialing, once.
func (h *handle) DialSnapshot() (device.Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dialed == nil {
		return device.Snapshot{}, false
	}
	snap := *h.dialed
	h.dialed = nil
	return snap, true
}

func (h *handle) Query(ctx context.Context) (device.Snapshot, error) {
	raw, err := h.roundTrip(ctx, sysinfoRequest)
	if err != nil {
		return device.Snapshot{}, err
	}
	info, err := parseSysinfo(raw)
	if err != nil {
		return device.Snapshot{}, err
	}
	h.mu.Lock()
	h.childIDs = info.childIDs()
	h.dialed = nil
	h.mu.Unlock()
	return info.snapshot(), nil
}

func (h *handle) SetPower(ctx context.Context, childID string, on bool) error {
	var target string
	if childID != "" {
		h.mu.Lock()
		ids := h.childIDs
		h.mu.Unlock()
		idx, err := strconv.Atoi(childID)
		if err != nil || idx < 0 || idx >= len(ids) {
			return fmt.Errorf("outlet %q not present", childID)
		}
		target = ids[idx]
	}

	req, err := relayRequest(target, on)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.dialed = nil
	h.mu.Unlock()

	raw, err := h.roundTrip(ctx, req)
	if err != nil {
		return err
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode relay response: %w", err)
	}
	res := resp.System.SetRelayState
	if res == nil {
		return errors.New("relay response missing")
	}
	if res.ErrCode != 0 {
		return fmt.Errorf("relay error %d: %s", res.ErrCode, res.ErrMsg)
	}
	return nil
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropConn()
	return nil
}

// Broadcast sends the sysinfo probe to target:port and gathers replies until
// ctx ends. Results are keyed by responder IP.
func (t *Transport) Broadcast(ctx context.Context, target string) (map[string]device.Snapshot, error) {
	dst, err := net.ResolveUDPAddr("udp4", t.hostPort(target))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", target, err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()
	_ = conn.SetReadDeadline(t.deadline(ctx))

	probe := encrypt(sysinfoRequest)
	for i := 0; i < discoveryPackets; i++ {
		if _, err := conn.WriteToUDP(probe, dst); err != nil {
			return nil, fmt.Errorf("send probe to %s: %w", dst, err)
		}
	}

	out := make(map[string]device.Snapshot)
	buf := make([]byte, 64*1024)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			// deadline or cancellation ends the sweep
			break
		}
		if raddr == nil || bytes.Equal(buf[:n], probe) {
			continue
		}
		info, err := parseSysinfo(decrypt(buf[:n]))
		if err != nil {
			t.log.Debugf("Ignoring reply from %s: %v", raddr, err)
			continue
		}
		out[raddr.IP.String()] = info.snapshot()
	}

	t.log.Debugf("Sweep on %s found %d devices", target, len(out))
	return out, nil
}
