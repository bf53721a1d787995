package connection_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fbettag/kasa-web-controller/internal/connection"
	"github.com/fbettag/kasa-web-controller/internal/connection/connectiontest"
	"github.com/fbettag/kasa-web-controller/internal/device"
)

var fastRetry = connection.RetryPolicy{Attempts: 3, Delay: time.Millisecond, Timeout: time.Second}

func TestOpenRetriesThenFails(t *testing.T) {
	tr := connectiontest.New()

	_, err := connection.Open(context.Background(), tr, "10.0.0.9", nil, fastRetry)
	if !errors.Is(err, connection.ErrConnectFailed) {
		t.Fatalf("Open error = %v, want ErrConnectFailed", err)
	}
	if got := len(tr.Dials()); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}
}

func TestOpenAuthFallback(t *testing.T) {
	t.Run("without credentials", func(t *testing.T) {
		tr := connectiontest.New()
		tr.Add("10.0.0.2", connectiontest.Device{MAC: "AA:BB:CC:DD:EE:02", RequireAuth: true})

		_, err := connection.Open(context.Background(), tr, "10.0.0.2", nil, fastRetry)
		if !errors.Is(err, connection.ErrAuthRequired) {
			t.Fatalf("Open error = %v, want ErrAuthRequired", err)
		}
		if got := len(tr.Dials()); got != 1 {
			t.Errorf("auth refusal should not be retried, dials = %d", got)
		}
	})

	t.Run("with credentials", func(t *testing.T) {
		tr := connectiontest.New()
		tr.Add("10.0.0.2", connectiontest.Device{MAC: "AA:BB:CC:DD:EE:02", RequireAuth: true})

		creds := &device.Credentials{Username: "user", Password: "pass"}
		h, err := connection.Open(context.Background(), tr, "10.0.0.2", creds, fastRetry)
		if err != nil {
			t.Fatalf("Open returned error: %v", err)
		}
		defer h.Close()

		if got := len(tr.Dials()); got != 2 {
			t.Errorf("dials = %d, want 2", got)
		}
	})
}

func TestSendAndQuery(t *testing.T) {
	tr := connectiontest.New()
	tr.Add("10.0.0.3", connectiontest.Device{
		MAC:      "AA:BB:CC:DD:EE:03",
		Children: []device.ChildState{{ID: "0"}, {ID: "1"}},
	})

	h, err := connection.Open(context.Background(), tr, "10.0.0.3", nil, fastRetry)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer h.Close()

	snap, err := connection.Send(context.Background(), h, device.Command{Action: device.ActionOn, ChildID: "1"})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if snap.Children[0].IsOn || !snap.Children[1].IsOn {
		t.Errorf("unexpected children after send: %+v", snap.Children)
	}

	tr.Update("10.0.0.3", func(d *connectiontest.Device) { d.FailCommands = true })
	_, err = connection.Send(context.Background(), h, device.Command{Action: device.ActionOff})
	if !errors.Is(err, connection.ErrCommandFailed) {
		t.Errorf("Send error = %v, want ErrCommandFailed", err)
	}

	tr.Update("10.0.0.3", func(d *connectiontest.Device) { d.Unreachable = true })
	if _, err := connection.Query(context.Background(), h); !errors.Is(err, connection.ErrCommandFailed) {
		t.Errorf("Query error = %v, want ErrCommandFailed", err)
	}
}

func TestDiscover(t *testing.T) {
	tr := connectiontest.New()
	tr.Add("10.0.0.4", connectiontest.Device{MAC: "aa-bb-cc-dd-ee-04", Alias: "plug"})
	tr.Add("10.0.0.5", connectiontest.Device{MAC: "not-a-mac"})
	tr.Add("10.0.0.6", connectiontest.Device{MAC: "AA:BB:CC:DD:EE:06", Hidden: true})

	found, err := connection.Discover(context.Background(), tr, "255.255.255.255", time.Second)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("found %d devices, want 1: %+v", len(found), found)
	}
	d, ok := found["AA:BB:CC:DD:EE:04"]
	if !ok {
		t.Fatalf("device not keyed by canonical MAC: %+v", found)
	}
	if d.Addr != "10.0.0.4" || d.Snapshot.Alias != "plug" {
		t.Errorf("unexpected discovery result %+v", d)
	}
}
