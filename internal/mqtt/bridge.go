// Package mqtt mirrors cached device states to an MQTT broker and accepts
// on/off commands from it.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fbettag/kasa-web-controller/internal/device"
	"github.com/sirupsen/logrus"
)

const (
	commandTimeout = 35 * time.Second
	updateBuffer   = 256
)

type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// Controller is the part of the device manager the bridge drives.
type Controller interface {
	Control(ctx context.Context, id, action, childID string) (device.State, error)
	List() []device.State
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Bridge publishes retained state to <prefix>/<id>/state and listens on
// <prefix>/+/set.
type Bridge struct {
	client pahomqtt.Client
	pub    publisher
	ctrl   Controller
	prefix string
	log    *logrus.Entry

	updates chan device.State
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newBridge(ctrl Controller, prefix string, logger *logrus.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		ctrl:    ctrl,
		prefix:  strings.TrimRight(prefix, "/"),
		log:     logger.WithField("component", "mqtt"),
		updates: make(chan device.State, updateBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// NewBridge connects to the broker. The connection is retried in the
// background by the client library after the first success.
func NewBridge(ctrl Controller, cfg Config, logger *logrus.Logger) (*Bridge, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "kasa"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "kasa-web-controller"
	}
	b := newBridge(ctrl, cfg.TopicPrefix, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.bridgeTopic(), "offline", 1, true).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			b.log.Info("MQTT connected")
			b.publish(b.bridgeTopic(), []byte("online"), true)
			b.publishAll()
			b.subscribe(c)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.log.Warnf("MQTT connection lost: %v", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	b.pub = client

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start begins forwarding state changes.
func (b *Bridge) Start() {
	b.wg.Add(1)
	go b.run()
	b.log.Infof("MQTT bridge started with prefix %s", b.prefix)
}

// Stop publishes the offline marker and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	b.wg.Wait()
	if b.client != nil {
		b.publish(b.bridgeTopic(), []byte("offline"), true)
		b.client.Disconnect(1000)
	}
	b.log.Info("MQTT bridge stopped")
}

// StateChanged implements manager.Observer. It never blocks the caller; when
// the broker falls behind, intermediate updates are dropped.
func (b *Bridge) StateChanged(st device.State) {
	select {
	case b.updates <- st:
	default:
		b.log.Warnf("Dropping state update for %s, publisher is behind", st.ID)
	}
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case st := <-b.updates:
			b.publishState(st)
		}
	}
}

func (b *Bridge) bridgeTopic() string {
	return b.prefix + "/bridge/state"
}

func (b *Bridge) stateTopic(id string) string {
	return b.prefix + "/" + id + "/state"
}

func (b *Bridge) publishAll() {
	for _, st := range b.ctrl.List() {
		b.publishState(st)
	}
}

func (b *Bridge) publishState(st device.State) {
	payload, err := json.Marshal(st)
	if err != nil {
		b.log.Errorf("Failed to encode state for %s: %v", st.ID, err)
		return
	}
	b.publish(b.stateTopic(st.ID), payload, true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.pub == nil {
		return
	}
	token := b.pub.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.log.Warnf("MQTT publish timeout on %s", topic)
		} else if err := token.Error(); err != nil {
			b.log.Warnf("MQTT publish error on %s: %v", topic, err)
		}
	}()
}

func (b *Bridge) subscribe(c pahomqtt.Client) {
	topic := b.prefix + "/+/set"
	token := c.Subscribe(topic, 1, b.handleSet)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			b.log.Errorf("Subscribe to %s failed: %v", topic, token.Error())
		}
	}()
}

type setCommand struct {
	Action  string `json:"action"`
	State   string `json:"state"`
	ChildID string `json:"child_id"`
}

var errBadPayload = errors.New("unrecognised command payload")

// parseSet accepts "on", "off", {"action":"on","child_id":"1"} and the Home
// Assistant style {"state":"ON"}.
func parseSet(payload []byte) (action, childID string, err error) {
	raw := strings.TrimSpace(string(payload))
	switch strings.ToLower(raw) {
	case "on", "off":
		return strings.ToLower(raw), "", nil
	}

	var cmd setCommand
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		return "", "", errBadPayload
	}
	action = cmd.Action
	if action == "" {
		action = cmd.State
	}
	action = strings.ToLower(action)
	if action == "" {
		return "", "", errBadPayload
	}
	return action, cmd.ChildID, nil
}

// deviceFromTopic extracts <id> from <prefix>/<id>/set.
func (b *Bridge) deviceFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/set")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// handleSet runs the command off the client's delivery goroutine since a
// command can wait on a whole recovery ladder.
func (b *Bridge) handleSet(_ pahomqtt.Client, msg pahomqtt.Message) {
	id, ok := b.deviceFromTopic(msg.Topic())
	if !ok {
		return
	}
	action, childID, err := parseSet(msg.Payload())
	if err != nil {
		b.log.Warnf("Ignoring command on %s: %v", msg.Topic(), err)
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
		defer cancel()

		if _, err := b.ctrl.Control(ctx, id, action, childID); err != nil {
			b.log.Warnf("MQTT command %s for %s failed: %s (%v)", action, id, device.Kind(err), err)
		}
	}()
}
