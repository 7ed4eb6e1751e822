package ingest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"signalhub/internal/broadcast"
	"signalhub/internal/pipeline"
	"signalhub/internal/projection"
	"signalhub/internal/rules"
	"signalhub/internal/signal"
	"signalhub/internal/webhook"
)

// Config holds MQTT broker configuration for the ingest worker.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// Deps are the collaborators the worker drives for each incoming message.
type Deps struct {
	Mapper     *signal.Mapper
	Projection *projection.Service
	Repo       projection.Repository
	Engine     *rules.Engine
	Bus        *broadcast.Broadcaster
	Hooks      *webhook.Notifier
	Pool       *Pool
}

// Worker subscribes to the device topic tree and runs each message through
// mapping, projection, rule evaluation, broadcast, and webhook delivery.
type Worker struct {
	client pahomqtt.Client
	cfg    Config
	deps   Deps
	logger *slog.Logger

	// Per-device property accumulator.
	mu     sync.Mutex
	states map[string]map[string]any
}

// NewWorker builds an ingest worker. Call Start to connect.
func NewWorker(cfg Config, deps Deps, logger *slog.Logger) *Worker {
	if cfg.ClientID == "" {
		cfg.ClientID = "signalhub"
	}
	return &Worker{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "ingest"),
		states: make(map[string]map[string]any),
	}
}

// Start connects to the broker and subscribes to the device topic tree.
func (w *Worker) Start() error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(w.cfg.Broker).
		SetClientID(w.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			w.logger.Info("MQTT connected", "broker", w.cfg.Broker)
			w.subscribe(c)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			w.logger.Warn("MQTT connection lost", "err", err)
		})

	if w.cfg.Username != "" {
		opts.SetUsername(w.cfg.Username)
		opts.SetPassword(w.cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	w.client = client
	w.logger.Info("ingest worker started", "prefix", w.cfg.TopicPrefix)
	return nil
}

// Stop disconnects from the broker.
func (w *Worker) Stop() {
	if w.client != nil {
		w.client.Disconnect(1000)
	}
	w.logger.Info("ingest worker stopped")
}

func (w *Worker) subscribe(c pahomqtt.Client) {
	topic := w.cfg.TopicPrefix + "/#"
	token := c.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		w.handleMessage(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(10 * time.Second) {
			w.logger.Error("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			w.logger.Error("MQTT subscribe", "topic", topic, "err", err)
		}
	}()
}

// handleMessage filters out bridge meta topics and non-JSON payloads, then
// runs the ingest pipeline.
func (w *Worker) handleMessage(topic string, payload []byte) {
	bridge := w.cfg.TopicPrefix + "/bridge"
	if topic == bridge || strings.HasPrefix(topic, bridge+"/") {
		return
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		w.logger.Debug("dropping non-JSON payload", "topic", topic, "err", err)
		return
	}

	w.process(topic, fields)
}

func (w *Worker) process(topic string, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("ingest pipeline panic", "topic", topic, "panic", r)
		}
	}()

	tr := pipeline.Begin("")

	tr.Stage("Parse", pipeline.CategorySignal)
	ev := w.deps.Mapper.Map(topic, payload)
	tr.SetDeviceID(ev.DeviceID)

	tr.Stage("Projection", pipeline.CategorySignal)
	res := w.deps.Projection.Project(ev)

	tr.Stage("Database", pipeline.CategoryDB)
	w.deps.Pool.Submit("persist projection", func() {
		w.deps.Projection.Persist(res)
	})

	tr.Stage("Automation", pipeline.CategoryAutomation)
	var fired []rules.Firing
	for _, r := range res.Readings {
		for _, f := range w.deps.Engine.Evaluate(r) {
			// Synthesized triggers trace back to the event whose reading
			// matched the rule, same as directly projected triggers.
			f.Trigger.SourceEventID = ev.ID
			fired = append(fired, f)
		}
	}
	if len(fired) > 0 {
		tr.SetAutomationName(fired[0].Rule.Name)
		triggers := make([]signal.TriggerEvent, 0, len(fired))
		for _, f := range fired {
			triggers = append(triggers, f.Trigger)
		}
		w.deps.Pool.Submit("persist rule triggers", func() {
			if err := w.deps.Repo.InsertTriggerEvents(triggers); err != nil {
				w.logger.Error("persist rule triggers", "err", err)
			}
		})
	}

	tr.Stage("Broadcast", pipeline.CategoryBroadcast)
	w.deps.Bus.Publish(ev)
	for _, r := range res.Readings {
		w.deps.Bus.Publish(r)
	}
	for _, t := range res.Triggers {
		w.deps.Bus.Publish(t)
	}
	for _, f := range fired {
		w.deps.Bus.Publish(f.Trigger)
	}
	w.deps.Bus.Publish(w.accumulateState(ev, payload))

	if w.deps.Hooks.Enabled() && (len(res.Triggers) > 0 || len(fired) > 0) {
		tr.Stage("Webhook", pipeline.CategoryWebhook)
		source := ev
		for _, t := range res.Triggers {
			trigger := t
			w.deps.Pool.Submit("webhook", func() {
				w.deps.Hooks.NotifyTrigger(trigger, &source)
			})
		}
		for _, f := range fired {
			trigger := f.Trigger
			w.deps.Pool.Submit("webhook", func() {
				w.deps.Hooks.NotifyTrigger(trigger, &source)
			})
		}
	}

	if len(fired) > 0 && w.client != nil {
		tr.Stage("MqttPublish", pipeline.CategoryMQTT)
		for _, f := range fired {
			w.publishRuleTrigger(f)
		}
	}

	w.deps.Bus.Publish(tr.Finish())
}

// accumulateState merges the raw payload into the device's property map and
// returns a snapshot for broadcast.
func (w *Worker) accumulateState(ev signal.SignalEvent, payload map[string]any) signal.DeviceStateUpdate {
	w.mu.Lock()
	defer w.mu.Unlock()

	state, ok := w.states[ev.DeviceID]
	if !ok {
		state = make(map[string]any)
		w.states[ev.DeviceID] = state
	}
	for k, v := range payload {
		state[k] = v
	}

	props := make(map[string]any, len(state))
	for k, v := range state {
		props[k] = v
	}
	return signal.DeviceStateUpdate{
		DeviceID:   ev.DeviceID,
		Properties: props,
		LastSeen:   ev.TimestampUTC,
	}
}

// publishRuleTrigger republishes a rule-generated trigger on the bridge
// automation subtree, which handleMessage ignores on the way back in.
func (w *Worker) publishRuleTrigger(f rules.Firing) {
	topic := w.cfg.TopicPrefix + "/bridge/automation/" + f.Rule.Name
	data, err := json.Marshal(f.Trigger)
	if err != nil {
		w.logger.Error("marshal rule trigger", "rule", f.Rule.Name, "err", err)
		return
	}
	token := w.client.Publish(topic, 1, false, data)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			w.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			w.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
