// Package notify publishes relay events (feed changes, status snapshots) to
// collaborators outside the peer mesh.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/1ureka/depthrelay/internal/feed"
	"github.com/1ureka/depthrelay/internal/protocol"
	"github.com/1ureka/depthrelay/internal/util"
)

// Notifier receives relay events. Implementations must not block.
type Notifier interface {
	FeedChanged(s feed.State)
	Status(s protocol.Status)
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) FeedChanged(feed.State) {}
func (Nop) Status(protocol.Status) {}
func (Nop) Close() error           { return nil }

// MQTTConfig configures the MQTT notifier.
type MQTTConfig struct {
	Broker      string // host:port
	ClientID    string
	TopicPrefix string // e.g. depthrelay/<instance>
}

// publisher is the part of mqtt.Client the notifier uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

const publishTimeout = 2 * time.Second

// MQTT publishes JSON to <prefix>/feed and <prefix>/status. Status messages
// are retained so late subscribers see the last snapshot.
type MQTT struct {
	client mqtt.Client
	pub    publisher
	prefix string

	mu        sync.Mutex
	published map[string]uint64
	errors    uint64
}

// ConnectMQTT connects to the broker with auto-reconnect enabled.
func ConnectMQTT(ctx context.Context, cfg MQTTConfig) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		util.LogInfo("mqtt connected: %s", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		util.LogWarning("mqtt connection lost, reconnecting: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()

	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	n := newMQTT(client, cfg.TopicPrefix)
	n.client = client
	return n, nil
}

func newMQTT(pub publisher, prefix string) *MQTT {
	if prefix == "" {
		prefix = "depthrelay"
	}
	return &MQTT{pub: pub, prefix: prefix, published: make(map[string]uint64)}
}

func (n *MQTT) FeedChanged(s feed.State) {
	n.publish("feed", false, s)
}

func (n *MQTT) Status(s protocol.Status) {
	n.publish("status", true, s)
}

// publish marshals v and hands it to the client. Delivery is confirmed in
// the background; failures are counted and logged at debug level.
func (n *MQTT) publish(sub string, retained bool, v any) {
	topic := n.prefix + "/" + sub
	payload, err := json.Marshal(v)
	if err != nil {
		n.fail(topic, err)
		return
	}

	token := n.pub.Publish(topic, 0, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			n.fail(topic, fmt.Errorf("publish timeout"))
			return
		}
		if err := token.Error(); err != nil {
			n.fail(topic, err)
			return
		}
		n.mu.Lock()
		n.published[topic]++
		n.mu.Unlock()
	}()
}

func (n *MQTT) fail(topic string, err error) {
	n.mu.Lock()
	n.errors++
	n.mu.Unlock()
	util.LogDebug("mqtt publish %s: %v", topic, err)
}

// Stats returns per-topic publish counts and the failure count.
func (n *MQTT) Stats() (map[string]uint64, uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make(map[string]uint64, len(n.published))
	for k, v := range n.published {
		out[k] = v
	}
	return out, n.errors
}

// Close disconnects with a short grace period.
func (n *MQTT) Close() error {
	if n.client != nil && n.client.IsConnected() {
		n.client.Disconnect(250)
	}
	return nil
}
