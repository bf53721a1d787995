package kasa

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fbettag/kasa-web-controller/internal/connection"
	"github.com/fbettag/kasa-web-controller/internal/device"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestCipher(t *testing.T) {
	enc := encrypt(sysinfoRequest)
	if got := hex.EncodeToString(enc[:2]); got != "d0f2" {
		t.Errorf("encrypted prefix = %s, want d0f2", got)
	}
	if !bytes.Equal(decrypt(enc), sysinfoRequest) {
		t.Error("decrypt(encrypt(x)) != x")
	}
}

func TestFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, sysinfoRequest); err != nil {
		t.Fatalf("writeFrame returned error: %v", err)
	}
	if buf.Len() != 4+len(sysinfoRequest) {
		t.Fatalf("frame length = %d", buf.Len())
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame returned error: %v", err)
	}
	if !bytes.Equal(got, sysinfoRequest) {
		t.Errorf("readFrame = %s", got)
	}

	bad := bytes.NewReader([]byte{0, 0, 0, 0})
	if _, err := readFrame(bad); err == nil {
		t.Error("zero length frame should be rejected")
	}
}

// fakePlug answers the legacy protocol on loopback.
type fakePlug struct {
	mu       sync.Mutex
	mac      string
	children []childInfo
	relay    int
	requests []map[string]any

	// persistent plugs answer many frames per socket
	persistent bool
	accepts    int
}

func (p *fakePlug) accepted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepts
}

func (p *fakePlug) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakePlug) sysinfo() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := map[string]any{
		"alias":       "Desk",
		"model":       "HS300(US)",
		"mac":         p.mac,
		"deviceId":    "8006ABCD",
		"relay_state": p.relay,
		"err_code":    0,
	}
	if len(p.children) > 0 {
		info["children"] = p.children
	}
	b, _ := json.Marshal(map[string]any{"system": map[string]any{"get_sysinfo": info}})
	return b
}

func (p *fakePlug) handle(req []byte) []byte {
	var m map[string]any
	_ = json.Unmarshal(req, &m)

	p.mu.Lock()
	p.requests = append(p.requests, m)
	p.mu.Unlock()

	sys, _ := m["system"].(map[string]any)
	if relay, ok := sys["set_relay_state"].(map[string]any); ok {
		state := int(relay["state"].(float64))
		p.mu.Lock()
		if ctx, ok := m["context"].(map[string]any); ok {
			ids := ctx["child_ids"].([]any)
			for i := range p.children {
				if p.children[i].ID == ids[0].(string) {
					p.children[i].State = state
				}
			}
		} else {
			p.relay = state
		}
		p.mu.Unlock()
		return []byte(`{"system":{"set_relay_state":{"err_code":0}}}`)
	}
	return p.sysinfo()
}

func (p *fakePlug) serveTCP(t *testing.T) (port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			p.mu.Lock()
			p.accepts++
			persistent := p.persistent
			p.mu.Unlock()

			go func(c net.Conn) {
				defer c.Close()
				for {
					req, err := readFrame(c)
					if err != nil {
						return
					}
					if err := writeFrame(c, p.handle(req)); err != nil || !persistent {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func (p *fakePlug) serveUDP(t *testing.T) (port int) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if !bytes.Equal(decrypt(buf[:n]), sysinfoRequest) {
				continue
			}
			_, _ = conn.WriteToUDP(encrypt(p.sysinfo()), raddr)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestDialQueryAndSetPower(t *testing.T) {
	plug := &fakePlug{
		mac: "aa:bb:cc:dd:ee:ff",
		children: []childInfo{
			{ID: "00", Alias: "Lamp"},
			{ID: "8006ABCD01", Alias: "Fan"},
		},
	}
	port := plug.serveTCP(t)

	tr := New(quietLogger())
	tr.Port = port
	tr.Timeout = 2 * time.Second

	ctx := context.Background()
	h, err := tr.Dial(ctx, "127.0.0.1", nil)
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer h.Close()

	snap, err := h.Query(ctx)
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if snap.MAC != "aa:bb:cc:dd:ee:ff" || snap.Model != "HS300(US)" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if len(snap.Children) != 2 || snap.Children[0].ID != "0" || snap.Children[1].ID != "1" {
		t.Fatalf("children should be exposed by index: %+v", snap.Children)
	}

	t.Run("child by index", func(t *testing.T) {
		if err := h.SetPower(ctx, "0", true); err != nil {
			t.Fatalf("SetPower returned error: %v", err)
		}
		plug.mu.Lock()
		last := plug.requests[len(plug.requests)-1]
		plug.mu.Unlock()
		ids := last["context"].(map[string]any)["child_ids"].([]any)
		if ids[0] != "8006ABCD00" {
			t.Errorf("child id = %v, want short id expanded with device id", ids[0])
		}

		snap, err := h.Query(ctx)
		if err != nil {
			t.Fatalf("Query returned error: %v", err)
		}
		if !snap.Children[0].IsOn || snap.Children[1].IsOn || !snap.IsOn {
			t.Errorf("unexpected state after child on: %+v", snap)
		}
	})

	t.Run("unknown child", func(t *testing.T) {
		if err := h.SetPower(ctx, "7", true); err == nil {
			t.Error("expected error for missing outlet")
		}
	})
}

func TestDialUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tr := New(quietLogger())
	tr.Timeout = time.Second
	if _, err := tr.Dial(context.Background(), net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil); err == nil {
		t.Error("expected dial to a closed port to fail")
	}
}

func TestBroadcast(t *testing.T) {
	plug := &fakePlug{mac: "AA:BB:CC:DD:EE:01", relay: 1}
	port := plug.serveUDP(t)

	tr := New(quietLogger())
	tr.Port = port

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	found, err := tr.Broadcast(ctx, "127.0.0.1")
	if err != nil {
		t.Fatalf("Broadcast returned error: %v", err)
	}
	snap, ok := found["127.0.0.1"]
	if !ok {
		t.Fatalf("no reply collected: %+v", found)
	}
	if snap.MAC != "AA:BB:CC:DD:EE:01" || !snap.IsOn {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestSessionKeepsOneSocket(t *testing.T) {
	plug := &fakePlug{mac: "aa:bb:cc:dd:ee:ff", persistent: true}
	port := plug.serveTCP(t)

	tr := New(quietLogger())
	tr.Port = port
	tr.Timeout = 2 * time.Second

	ctx := context.Background()
	h, err := connection.Open(ctx, tr, "127.0.0.1", nil, connection.RetryPolicy{Attempts: 1, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer h.Close()

	if got := plug.accepted(); got != 1 {
		t.Fatalf("accepts after Open = %d, want 1", got)
	}

	snap, err := connection.Identify(ctx, h)
	if err != nil {
		t.Fatalf("Identify returned error: %v", err)
	}
	if snap.MAC != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("Identify MAC = %q", snap.MAC)
	}
	if got := plug.requestCount(); got != 1 {
		t.Errorf("Identify should reuse the dial read, requests = %d", got)
	}

	for i, action := range []device.Action{device.ActionOn, device.ActionOff, device.ActionOn} {
		snap, err := connection.Send(ctx, h, device.Command{Action: action})
		if err != nil {
			t.Fatalf("Send #%d returned error: %v", i, err)
		}
		if snap.IsOn != (action == device.ActionOn) {
			t.Errorf("Send #%d read back is_on=%v", i, snap.IsOn)
		}
	}
	if got := plug.accepted(); got != 1 {
		t.Errorf("accepts after 3 Sends on the same handle = %d, want 1", got)
	}

	t.Run("fresh read after a command", func(t *testing.T) {
		before := plug.requestCount()
		if _, err := connection.Identify(ctx, h); err != nil {
			t.Fatalf("Identify returned error: %v", err)
		}
		if plug.requestCount() != before+1 {
			t.Error("Identify after a command must query the device")
		}
	})

	t.Run("close ends the session", func(t *testing.T) {
		if err := h.Close(); err != nil {
			t.Fatalf("Close returned error: %v", err)
		}
		if _, err := h.Query(ctx); err != nil {
			t.Fatalf("Query after Close returned error: %v", err)
		}
		if got := plug.accepted(); got != 2 {
			t.Errorf("accepts = %d, want a new socket after Close", got)
		}
	})
}

func TestSessionRedialsDroppedSocket(t *testing.T) {
	// this plug hangs up after every answer
	plug := &fakePlug{mac: "aa:bb:cc:dd:ee:ff"}
	port := plug.serveTCP(t)

	tr := New(quietLogger())
	tr.Port = port
	tr.Timeout = 2 * time.Second

	ctx := context.Background()
	h, err := tr.Dial(ctx, "127.0.0.1", nil)
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer h.Close()

	for i := 0; i < 2; i++ {
		if _, err := h.Query(ctx); err != nil {
			t.Fatalf("Query #%d returned error: %v", i, err)
		}
	}
	if got := plug.accepted(); got != 3 {
		t.Errorf("accepts = %d, want one per request", got)
	}
}
