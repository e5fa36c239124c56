package ingest

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"npt-ingest-backend/config"
)

// Transport owns the MQTT session: it subscribes to the two telemetry
// topics, decodes payloads, and hands decoded events to the dispatcher.
// paho handles reconnects with backoff between 1s and the configured cap;
// the queues and writers never notice a reconnect.
type Transport struct {
	cfg        config.BrokerConfig
	dispatcher *Dispatcher
	stats      *Stats
	client     mqtt.Client
}

// NewTransport builds the transport; Connect establishes the session.
func NewTransport(cfg config.BrokerConfig, dispatcher *Dispatcher, stats *Stats) *Transport {
	t := &Transport{cfg: cfg, dispatcher: dispatcher, stats: stats}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("npt-ingestor-%d", time.Now().Unix())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL()).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(false).
		SetKeepAlive(time.Duration(cfg.KeepAliveSecs) * time.Second).
		SetAutoReconnect(true).
		SetConnectRetryInterval(1 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(t.onConnectionLost)

	t.client = mqtt.NewClient(opts)
	return t
}

// Connect performs the initial broker connection, retrying up to the
// configured attempt count. Exhausting the attempts is a fatal startup
// condition for the caller; once connected, reconnection is automatic.
func (t *Transport) Connect() error {
	var lastErr error
	for attempt := 1; attempt <= t.cfg.ConnectAttempts; attempt++ {
		token := t.client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			lastErr = err
			log.Printf("MQTT connect attempt %d/%d to %s failed: %v", attempt, t.cfg.ConnectAttempts, t.cfg.URL(), err)
			time.Sleep(time.Duration(attempt) * time.Second)
			continue
		}
		return nil
	}
	return fmt.Errorf("could not connect to broker %s after %d attempts: %w", t.cfg.URL(), t.cfg.ConnectAttempts, lastErr)
}

// Connected reports whether the MQTT session is currently up.
func (t *Transport) Connected() bool {
	return t.client.IsConnectionOpen()
}

// Close disconnects from the broker, allowing in-flight handlers to finish.
func (t *Transport) Close() {
	t.client.Disconnect(250)
}

// onConnect runs on every (re)connect; with clean-session false the broker
// keeps the subscriptions, but re-subscribing is harmless and covers
// brokers that drop session state.
func (t *Transport) onConnect(client mqtt.Client) {
	log.Printf("Connected to MQTT broker %s", t.cfg.URL())

	qos := *t.cfg.QoS
	if token := client.Subscribe(t.cfg.StatusTopic, qos, t.handleStatusMessage); token.Wait() && token.Error() != nil {
		log.Printf("Failed to subscribe to %s: %v", t.cfg.StatusTopic, token.Error())
		return
	}
	if token := client.Subscribe(t.cfg.RotationTopic, qos, t.handleRotationMessage); token.Wait() && token.Error() != nil {
		log.Printf("Failed to subscribe to %s: %v", t.cfg.RotationTopic, token.Error())
		return
	}
	log.Printf("Subscribed to %s and %s (qos=%d)", t.cfg.StatusTopic, t.cfg.RotationTopic, qos)
}

func (t *Transport) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection lost: %v. Reconnecting automatically.", err)
}

func (t *Transport) handleStatusMessage(client mqtt.Client, msg mqtt.Message) {
	t.stats.StatusReceived.Add(1)

	var p StatusPayload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		t.stats.BadPayload.Add(1)
		log.Printf("Bad JSON on %s: %v", msg.Topic(), err)
		return
	}
	t.dispatcher.HandleStatus(p)
}

func (t *Transport) handleRotationMessage(client mqtt.Client, msg mqtt.Message) {
	t.stats.RotationReceived.Add(1)

	var p RotationPayload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		t.stats.BadPayload.Add(1)
		log.Printf("Bad JSON on %s: %v", msg.Topic(), err)
		return
	}
	t.dispatcher.HandleRotation(p)
}
