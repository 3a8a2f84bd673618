package submission

import (
	"context"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/quantforge/gpuscheduler/internal/scheduler/configuration"
)

// messageStream is the subset of pulsar.Consumer used to receive messages.
type messageStream interface {
	Chan() <-chan pulsar.ConsumerMessage
	Close()
}

// PulsarSource reads JSON submission records from a Pulsar topic through a shared durable subscription.
type PulsarSource struct {
	consumer messageStream
	ack      func(pulsar.Message)
	// Closed along with the consumer when the source owns it.
	client pulsar.Client
}

func NewPulsarSource(consumer pulsar.Consumer) *PulsarSource {
	return &PulsarSource{
		consumer: consumer,
		ack:      func(msg pulsar.Message) { consumer.Ack(msg) },
	}
}

func NewPulsarSourceFromConfig(config configuration.PulsarConfig) (*PulsarSource, error) {
	var authentication pulsar.Authentication
	if config.JwtTokenPath != "" {
		authentication = pulsar.NewAuthenticationTokenFromFile(config.JwtTokenPath)
	}
	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:                        config.URL,
		TLSTrustCertsFilePath:      config.TLSTrustCertsFilePath,
		TLSValidateHostname:        config.TLSValidateHostname,
		TLSAllowInsecureConnection: config.TLSAllowInsecureConnection,
		Authentication:             authentication,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "error creating pulsar client")
	}
	consumer, err := client.Subscribe(pulsar.ConsumerOptions{
		Topic:                       config.Topic,
		SubscriptionName:            config.SubscriptionName,
		Type:                        config.SubscriptionType,
		ReceiverQueueSize:           config.ReceiverQueueSize,
		SubscriptionInitialPosition: pulsar.SubscriptionPositionEarliest,
	})
	if err != nil {
		client.Close()
		return nil, errors.WithMessage(err, "error creating pulsar consumer")
	}
	source := NewPulsarSource(consumer)
	source.client = client
	return source, nil
}

func (s *PulsarSource) Receive(ctx context.Context, max int, wait time.Duration) ([]Record, error) {
	records := make([]Record, 0)
	if max <= 0 {
		return records, nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case msg, ok := <-s.consumer.Chan():
		if !ok {
			return records, errors.New("pulsar consumer closed")
		}
		records = s.appendDecoded(records, msg)
	case <-timer.C:
		return records, nil
	case <-ctx.Done():
		return records, ctx.Err()
	}
	for len(records) < max {
		select {
		case msg, ok := <-s.consumer.Chan():
			if !ok {
				return records, nil
			}
			records = s.appendDecoded(records, msg)
		default:
			return records, nil
		}
	}
	return records, nil
}

// appendDecoded acks msg and appends its record. Undecodable messages are acked and dropped so they are not
// redelivered forever.
func (s *PulsarSource) appendDecoded(records []Record, msg pulsar.ConsumerMessage) []Record {
	s.ack(msg.Message)
	record, err := DecodeRecord(msg.Payload())
	if err != nil {
		log.WithError(err).Warnf("discarding undecodable submission %v", msg.ID())
		return records
	}
	return append(records, record)
}

func (s *PulsarSource) Close() error {
	s.consumer.Close()
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
