package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher is the subset of mqtt.Client used for notifications.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTNotifier publishes each change to <TopicPrefix>/<component-id>. The message is
// retained so late subscribers see the latest difference.
type MQTTNotifier struct {
	Client      Publisher
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

var errPublishTimeout = errors.New("mqtt publish timed out")

func NewMQTTClient(broker, clientID string) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	return mqtt.NewClient(opts)
}

func (n *MQTTNotifier) Notify(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	topic := strings.TrimSuffix(n.TopicPrefix, "/") + "/" + c.ComponentID

	timeout := n.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}

	token := n.Client.Publish(topic, n.QoS, true, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("topic %s: %w", topic, errPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}
