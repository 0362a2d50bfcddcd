package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/workout-coach/config"
	"github.com/maastricht-university/workout-coach/orchestrator"
	"github.com/maastricht-university/workout-coach/session"
)

var ErrNotConnected = errors.New("mqtt not connected")

// idleSession names the topic segment used while no session is running.
const idleSession = "idle"

// Command is a control-plane message on <prefix>/control.
type Command struct {
	Command string `json:"command"`
}

const CommandToggle = "toggle"

func ParseCommand(b []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return Command{}, fmt.Errorf("parse control command: %w", err)
	}
	switch c.Command {
	case CommandToggle:
		return c, nil
	case "":
		return Command{}, errors.New("control command missing")
	default:
		return Command{}, fmt.Errorf("unknown control command %q", c.Command)
	}
}

type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// MQTT publishes pipeline output as JSON, one topic per kind of event,
// and listens for control commands.
type MQTT struct {
	cfg    config.MQTT
	log    logrus.FieldLogger
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

func NewMQTT(c config.MQTT, log logrus.FieldLogger) *MQTT {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MQTT{cfg: c, log: log.WithField("broker", c.Broker), published: make(map[string]uint64)}
}

func (e *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.log.Info("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.log.WithError(err).Warn("mqtt connection lost, will auto-reconnect")
	}

	e.client = mqtt.NewClient(opts)
	e.log.Info("connecting to mqtt broker")

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

func (e *MQTT) Topic(sessionID, kind string) string {
	if sessionID == "" {
		sessionID = idleSession
	}
	return fmt.Sprintf("%s/%s/%s", e.cfg.TopicPrefix, sessionID, kind)
}

func (e *MQTT) ControlTopic() string { return e.cfg.TopicPrefix + "/control" }

// OnControl subscribes to the control topic and calls fn for every valid
// command. Malformed commands are logged and dropped.
func (e *MQTT) OnControl(fn func(Command)) error {
	if !e.isConnected() {
		return ErrNotConnected
	}
	topic := e.ControlTopic()
	token := e.client.Subscribe(topic, e.qos("control"), e.controlHandler(fn))
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control subscription failed: %w", err)
	}
	e.log.WithField("topic", topic).Info("listening for control commands")
	return nil
}

func (e *MQTT) controlHandler(fn func(Command)) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		cmd, err := ParseCommand(msg.Payload())
		if err != nil {
			e.log.WithError(err).Warn("ignoring control message")
			return
		}
		e.log.WithField("command", cmd.Command).Info("control command received")
		fn(cmd)
	}
}

func (e *MQTT) publish(sessionID, kind string, v any) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}
	payload, err := json.Marshal(v)
	if err != nil {
		e.countError()
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	topic := e.Topic(sessionID, kind)
	token := e.client.Publish(topic, e.qos(kind), false, payload)

	// Sink calls come from the session clock; the ack is awaited off it.
	go func() {
		if !token.WaitTimeout(2 * time.Second) {
			e.countError()
			e.log.WithField("topic", topic).Warn("publish timeout")
			return
		}
		if err := token.Error(); err != nil {
			e.countError()
			e.log.WithField("topic", topic).WithError(err).Warn("publish failed")
			return
		}
		e.mu.Lock()
		e.published[topic]++
		e.mu.Unlock()
	}()
	return nil
}

func (e *MQTT) emit(sessionID, kind string, v any) {
	if err := e.publish(sessionID, kind, v); err != nil {
		e.log.WithField("kind", kind).WithError(err).Debug("mqtt publish skipped")
	}
}

func (e *MQTT) Prediction(r orchestrator.LiveResult) { e.emit(r.SessionID, "prediction", r) }

func (e *MQTT) Cue(sessionID string, c session.Cue) { e.emit(sessionID, "cue", c) }

func (e *MQTT) Progress(p orchestrator.Progress) { e.emit(p.SessionID, "progress", p) }

func (e *MQTT) Phase(sessionID string, t session.Transition) { e.emit(sessionID, "phase", t) }

func (e *MQTT) Summary(s orchestrator.Summary) { e.emit(s.SessionID, "summary", s) }

func (e *MQTT) SessionError(sessionID string, err error) {
	e.emit(sessionID, "error", map[string]string{"error": err.Error()})
}

func (e *MQTT) Disconnect() error {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.log.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

func (e *MQTT) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTT) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTT) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTT) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func (e *MQTT) qos(kind string) byte {
	if q, ok := e.cfg.QoS[kind]; ok {
		return q
	}
	return 0
}
