package rabbitmq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/smallbiznis/tripsaga/internal/broker"
	"github.com/stretchr/testify/assert"
)

func TestToPublishingCarriesKeyAndHeaders(t *testing.T) {
	pub := toPublishing(broker.Message{
		Topic: "payment.Payment.events",
		Key:   "booking-1",
		Value: []byte(`{"a":1}`),
		Headers: map[string]string{
			broker.HeaderEventID:   "evt-1",
			broker.HeaderEventType: "PaymentFailed",
			broker.HeaderPriority:  "1",
		},
	})

	assert.Equal(t, "booking-1", pub.Headers["x-message-key"])
	assert.Equal(t, "evt-1", pub.MessageId)
	assert.Equal(t, "PaymentFailed", pub.Type)
	assert.Equal(t, uint8(9), pub.Priority)
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
}

func TestAmqpPriorityIgnoresInvalid(t *testing.T) {
	assert.Equal(t, uint8(0), amqpPriority(nil))
	assert.Equal(t, uint8(0), amqpPriority(map[string]string{broker.HeaderPriority: "x"}))
	assert.Equal(t, uint8(5), amqpPriority(map[string]string{broker.HeaderPriority: "5"}))
}

func TestFromDeliveryRestoresMessage(t *testing.T) {
	msg := fromDelivery("t", amqp.Delivery{
		Body:        []byte("v"),
		Redelivered: true,
		Headers:     amqp.Table{"x-message-key": "k", broker.HeaderEventID: "evt-1", "x-death": []interface{}{}},
	})

	assert.Equal(t, "k", msg.Key)
	assert.Equal(t, "evt-1", msg.Header(broker.HeaderEventID))
	assert.Equal(t, 2, msg.Delivery)
	assert.NotContains(t, msg.Headers, "x-death")
}

func TestNames(t *testing.T) {
	assert.Equal(t, "orchestrator.payment.Payment.events", QueueName("orchestrator", "payment.Payment.events"))
	assert.Equal(t, "tripsaga.events.dlx", DeadLetterExchange("tripsaga.events"))
	assert.Equal(t, "tripsaga.events.dlx", queueArgs("tripsaga.events")["x-dead-letter-exchange"])
}
