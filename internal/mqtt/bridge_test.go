package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fbettag/kasa-web-controller/internal/device"
	"github.com/sirupsen/logrus"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *fakePublisher) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic, retained, payload.([]byte)})
	return doneToken{}
}

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type call struct {
	id, action, child string
}

type fakeController struct {
	calls chan call
}

func (c *fakeController) Control(_ context.Context, id, action, childID string) (device.State, error) {
	c.calls <- call{id, action, childID}
	return device.State{ID: id}, nil
}

func (c *fakeController) List() []device.State {
	return []device.State{{ID: "aaaa1111", Status: device.StatusOnline}, {ID: "bbbb2222", Status: device.StatusOffline}}
}

func newTestBridge() (*Bridge, *fakePublisher, *fakeController) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	ctrl := &fakeController{calls: make(chan call, 4)}
	b := newBridge(ctrl, "home/kasa/", logger)
	pub := &fakePublisher{}
	b.pub = pub
	return b, pub, ctrl
}

func TestParseSet(t *testing.T) {
	tests := []struct {
		payload string
		action  string
		child   string
		wantErr bool
	}{
		{"on", "on", "", false},
		{" OFF\n", "off", "", false},
		{`{"action":"on","child_id":"1"}`, "on", "1", false},
		{`{"state":"OFF"}`, "off", "", false},
		{`{"child_id":"1"}`, "", "", true},
		{"toggle", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			action, child, err := parseSet([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSet(%q) error = %v, wantErr %v", tt.payload, err, tt.wantErr)
			}
			if action != tt.action || child != tt.child {
				t.Errorf("parseSet(%q) = %q, %q", tt.payload, action, child)
			}
		})
	}
}

func TestHandleSetRoutesToController(t *testing.T) {
	b, _, ctrl := newTestBridge()
	defer b.Stop()

	b.handleSet(nil, fakeMessage{topic: "home/kasa/aaaa1111/set", payload: []byte(`{"action":"on","child_id":"0"}`)})

	select {
	case c := <-ctrl.calls:
		if c != (call{"aaaa1111", "on", "0"}) {
			t.Errorf("unexpected call %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("controller was not called")
	}
}

func TestHandleSetIgnoresForeignTopics(t *testing.T) {
	b, _, ctrl := newTestBridge()
	defer b.Stop()

	for _, topic := range []string{"home/kasa/bridge/state", "other/aaaa1111/set", "home/kasa/a/b/set", "home/kasa//set"} {
		b.handleSet(nil, fakeMessage{topic: topic, payload: []byte("on")})
	}
	b.handleSet(nil, fakeMessage{topic: "home/kasa/aaaa1111/set", payload: []byte("blink")})

	select {
	case c := <-ctrl.calls:
		t.Errorf("unexpected call %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStateChangedPublishesRetained(t *testing.T) {
	b, pub, _ := newTestBridge()
	b.Start()

	b.StateChanged(device.State{ID: "aaaa1111", Status: device.StatusTempUnavailable})

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.Stop()

	msgs := pub.all()
	if len(msgs) == 0 {
		t.Fatal("nothing published")
	}
	if msgs[0].topic != "home/kasa/aaaa1111/state" || !msgs[0].retained {
		t.Errorf("unexpected publish %+v", msgs[0])
	}
	var st device.State
	if err := json.Unmarshal(msgs[0].payload, &st); err != nil {
		t.Fatalf("payload is not a state: %v", err)
	}
	if st.Status != device.StatusTempUnavailable {
		t.Errorf("status = %s", st.Status)
	}
}

func TestPublishAll(t *testing.T) {
	b, pub, _ := newTestBridge()
	b.publishAll()

	msgs := pub.all()
	if len(msgs) != 2 || msgs[1].topic != "home/kasa/bbbb2222/state" {
		t.Errorf("unexpected publishes %+v", msgs)
	}
}
