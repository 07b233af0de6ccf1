package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// maxPayloadSize bounds one message. State, value and ack payloads of a
// device are well under a kilobyte.
const maxPayloadSize = 256 << 10

// checkTopic validates the arguments Publish and Subscribe share.
func checkTopic(topic string, qos byte) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	}
	return nil
}

// await blocks on tok for at most defaultPublishTimeout and wraps a failure
// in kind.
func await(tok pahomqtt.Token, kind error) error {
	if !tok.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: no broker acknowledgement after %v", kind, defaultPublishTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return nil
}

// Publish sends payload on topic and waits for the broker to acknowledge it
// at the requested QoS. Command acks go out unretained through Publish;
// device state goes through PublishRetained.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %s payload is %d bytes, limit %d", ErrPublishFailed, topic, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return await(c.client.Publish(topic, qos, retained, payload), ErrPublishFailed)
}

// PublishRetained publishes payload as the retained value of topic at the
// configured QoS. A client subscribing later receives it immediately.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, c.qos(), true)
}

func (c *Client) qos() byte {
	return byte(c.cfg.QoS)
}
