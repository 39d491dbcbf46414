package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/routemesh/route"
)

// CommandHandler receives remote control commands such as "cancel".
type CommandHandler func(command string)

// MQTTClient manages the broker connection and the command subscription.
type MQTTClient struct {
	client       mqtt.Client
	commandTopic string
	handler      CommandHandler
	isConnected  bool
	mu           sync.RWMutex
}

// InitMQTT connects to the configured broker in the background. It returns
// nil without error when no broker is configured.
func InitMQTT(cfg route.MQTTConfig, handler CommandHandler) (*MQTTClient, error) {
	if cfg.Broker == "" {
		Logf("[MQTT] disabled: no broker configured")
		return nil, nil
	}
	if handler == nil {
		return nil, fmt.Errorf("MQTT enabled but no command handler provided")
	}

	c := &MQTTClient{
		commandTopic: commandTopic(cfg.PublishPrefix),
		handler:      handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "routemesh"
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	go c.connectWithRetry()
	return c, nil
}

func commandTopic(prefix string) string {
	if prefix == "" {
		prefix = "routemesh"
	}
	return prefix + "/command"
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		Logf("[MQTT] connecting to broker...")
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				Logf("[MQTT] connected")
				c.setConnected(true)
				return
			}
			Logf("[MQTT] connection failed: %v", token.Error())
		} else {
			Logf("[MQTT] connection timeout")
		}

		Logf("[MQTT] retrying in %v", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect (re)subscribes to the command topic.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	token := client.Subscribe(c.commandTopic, 0, c.handleCommand)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		Logf("[MQTT] subscribing to %s: %v", c.commandTopic, token.Error())
		return
	}
	Logf("[MQTT] subscribed to %s", c.commandTopic)
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	Logf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	Logf("[MQTT] reconnecting...")
}

type commandPayload struct {
	Command string `json:"command"`
}

// parseCommand accepts {"command": "x"}, a JSON string "x" or raw text.
func parseCommand(payload []byte) string {
	var obj commandPayload
	if err := json.Unmarshal(payload, &obj); err == nil && obj.Command != "" {
		return strings.ToLower(obj.Command)
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return strings.ToLower(strings.TrimSpace(string(payload)))
}

func (c *MQTTClient) handleCommand(client mqtt.Client, msg mqtt.Message) {
	cmd := parseCommand(msg.Payload())
	if cmd == "" {
		Logf("[MQTT] empty command on %s, skipping", msg.Topic())
		return
	}
	Logf("[MQTT] command %q", cmd)
	c.handler(cmd)
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		Logf("[MQTT] disconnecting")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps an existing client, for tests.
func newMQTTClientWithMock(client mqtt.Client, prefix string, handler CommandHandler) *MQTTClient {
	return &MQTTClient{
		client:       client,
		commandTopic: commandTopic(prefix),
		handler:      handler,
	}
}
