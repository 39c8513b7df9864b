package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MQTTDispatcher publishes to <prefix>/<user id> so each client subscribes to
// its own topic.
type MQTTDispatcher struct {
	client mqtt.Client
	prefix string
	qos    byte
	log    *logrus.Entry
}

func NewMQTTDispatcher(ctx context.Context, broker, clientID, prefix string, log *logrus.Entry) (*MQTTDispatcher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		log.WithField("broker", broker).Info("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.WithError(err).WithField("broker", broker).Warn("mqtt connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()

	var err error
	select {
	case <-token.Done():
		if token.Error() != nil {
			err = fmt.Errorf("mqtt connection failed: %w", token.Error())
		}
	case <-ctx.Done():
		err = ctx.Err()
	case <-time.After(5 * time.Second):
		err = fmt.Errorf("mqtt connection timeout")
	}
	if err != nil {
		// stop the background connect retries
		client.Disconnect(0)
		return nil, err
	}

	return &MQTTDispatcher{client: client, prefix: prefix, qos: 1, log: log}, nil
}

func (d *MQTTDispatcher) Dispatch(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	topic := fmt.Sprintf("%s/%s", d.prefix, ev.UserID)
	token := d.client.Publish(topic, d.qos, false, payload)

	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			d.log.WithField("topic", topic).Warn("mqtt publish timeout")
			return
		}
		if err := token.Error(); err != nil {
			d.log.WithError(err).WithField("topic", topic).Warn("mqtt publish failed")
		}
	}()
	return nil
}

func (d *MQTTDispatcher) Close() error {
	if d.client.IsConnected() {
		d.client.Disconnect(250)
	}
	return nil
}
