package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/pipeline"
)

var ErrTimeout = errors.New("mqtt operation timed out")

// Client is the subset of mqtt.Client the relay uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Controller receives remote control commands.
type Controller interface {
	SetMode(m pipeline.Mode)
	SetRunning(running bool)
	CancelRegister()
}

// Relay publishes decisions to <prefix>/decisions/<kind> and accepts control commands on
// <prefix>/control/{mode,running,cancel}.
type Relay struct {
	client  Client
	prefix  string
	qos     byte
	timeout time.Duration
	log     *logger.Logger
}

func New(client Client, prefix string, qos byte, timeout time.Duration, log *logger.Logger) *Relay {
	return &Relay{
		client:  client,
		prefix:  strings.TrimSuffix(prefix, "/"),
		qos:     qos,
		timeout: timeout,
		log:     log,
	}
}

// Connect dials the broker. An empty clientID gets a random one.
func Connect(broker, clientID string, timeout time.Duration, log *logger.Logger) (mqtt.Client, error) {
	if clientID == "" {
		clientID = "facegate-" + uuid.New().String()
	}
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts.SetKeepAlive(10 * time.Second)
	opts.SetConnectTimeout(timeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connect to %s: %w", broker, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", broker, err)
	}
	log.Info("connected to mqtt", "broker", broker, "client_id", clientID)
	return client, nil
}

type message struct {
	Kind     string            `json:"kind"`
	Decision pipeline.Decision `json:"decision"`
}

func (r *Relay) DecisionTopic(kind string) string {
	return r.prefix + "/decisions/" + kind
}

// Publish sends one decision and waits for the broker to take it.
func (r *Relay) Publish(d pipeline.Decision) error {
	payload, err := json.Marshal(message{Kind: d.Kind(), Decision: d})
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	topic := r.DecisionTopic(d.Kind())
	token := r.client.Publish(topic, r.qos, false, payload)
	if !token.WaitTimeout(r.timeout) {
		return fmt.Errorf("publish %s: %w", topic, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Listen subscribes to the control topics and forwards commands to ctl.
func (r *Relay) Listen(ctl Controller) error {
	topic := r.prefix + "/control/+"
	token := r.client.Subscribe(topic, r.qos, func(_ mqtt.Client, m mqtt.Message) {
		if err := r.HandleControl(ctl, m.Topic(), m.Payload()); err != nil {
			r.log.Warn("ignoring control message", "topic", m.Topic(), "error", err)
		}
	})
	if !token.WaitTimeout(r.timeout) {
		return fmt.Errorf("subscribe %s: %w", topic, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// HandleControl applies one control message. Payloads are plain text: a mode name, a
// boolean, or anything for cancel.
func (r *Relay) HandleControl(ctl Controller, topic string, payload []byte) error {
	value := strings.TrimSpace(string(payload))
	switch strings.TrimPrefix(topic, r.prefix+"/control/") {
	case "mode":
		m, err := pipeline.ParseMode(value)
		if err != nil {
			return err
		}
		ctl.SetMode(m)
	case "running":
		running, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("running: %w", err)
		}
		ctl.SetRunning(running)
	case "cancel":
		ctl.CancelRegister()
	default:
		return fmt.Errorf("unknown control topic %q", topic)
	}
	r.log.Debug("control command applied", "topic", topic, "value", value)
	return nil
}
