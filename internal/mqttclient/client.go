// Package mqttclient wraps the paho MQTT client with the small publish
// surface the mirror sink needs.
package mqttclient

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

type Options struct {
	BrokerURL string
	// ClientID defaults to a generated id so two ingest processes can
	// mirror to the same broker.
	ClientID string
}

type Client struct {
	raw mqtt.Client
}

func New(opts Options) (*Client, error) {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "sedsprintf-ingest-" + uuid.NewString()
	}

	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(clientID)
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	c := mqtt.NewClient(o)

	token := c.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.BrokerURL, token.Error())
	}
	return &Client{raw: c}, nil
}

func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	token := c.raw.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

func (c *Client) Close() {
	c.raw.Disconnect(250)
}
