package submission

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/quantforge/gpuscheduler/internal/scheduler/configuration"
)

// JetStream pull requests need a positive expiry.
const minFetchWait = 10 * time.Millisecond

// NatsSource reads JSON submission records from a JetStream stream through a durable pull consumer.
type NatsSource struct {
	conn *nats.Conn
	sub  *nats.Subscription
	// Whether Close should also close conn.
	ownsConn bool
}

// NewNatsSource binds a durable pull consumer to the configured stream, creating the stream and consumer if they
// don't exist.
func NewNatsSource(conn *nats.Conn, config configuration.NatsConfig) (*NatsSource, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := js.StreamInfo(config.Stream); errors.Is(err, nats.ErrStreamNotFound) {
		storage := nats.FileStorage
		if config.InMemory {
			storage = nats.MemoryStorage
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     config.Stream,
			Subjects: []string{config.Subject},
			Storage:  storage,
			MaxAge:   config.MaxAge,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "error creating stream %s", config.Stream)
		}
		log.Infof("created jetstream stream %s for subject %s", config.Stream, config.Subject)
	} else if err != nil {
		return nil, errors.Wrapf(err, "error looking up stream %s", config.Stream)
	}
	// Creating the consumer here, rather than through PullSubscribe, stops Unsubscribe from deleting it.
	if _, err := js.ConsumerInfo(config.Stream, config.Durable); errors.Is(err, nats.ErrConsumerNotFound) {
		_, err = js.AddConsumer(config.Stream, &nats.ConsumerConfig{
			Durable:       config.Durable,
			FilterSubject: config.Subject,
			AckPolicy:     nats.AckExplicitPolicy,
			DeliverPolicy: nats.DeliverAllPolicy,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "error creating consumer %s", config.Durable)
		}
	} else if err != nil {
		return nil, errors.Wrapf(err, "error looking up consumer %s", config.Durable)
	}
	sub, err := js.PullSubscribe(config.Subject, config.Durable, nats.Bind(config.Stream, config.Durable))
	if err != nil {
		return nil, errors.Wrapf(err, "error subscribing to %s", config.Subject)
	}
	return &NatsSource{conn: conn, sub: sub}, nil
}

func NewNatsSourceFromConfig(config configuration.NatsConfig) (*NatsSource, error) {
	conn, err := nats.Connect(strings.Join(config.Servers, ","))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	source, err := NewNatsSource(conn, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	source.ownsConn = true
	return source, nil
}

func (s *NatsSource) Receive(ctx context.Context, max int, wait time.Duration) ([]Record, error) {
	records := make([]Record, 0)
	if max <= 0 {
		return records, nil
	}
	if err := ctx.Err(); err != nil {
		return records, err
	}
	if wait < minFetchWait {
		wait = minFetchWait
	}
	msgs, err := s.sub.Fetch(max, nats.MaxWait(wait))
	if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return records, nil
	}
	if err != nil {
		return records, errors.Wrapf(err, "error fetching from %s", s.sub.Subject)
	}
	for _, msg := range msgs {
		record, err := DecodeRecord(msg.Data)
		if err != nil {
			log.WithError(err).Warnf("discarding undecodable submission from %s", msg.Subject)
			if err := msg.Term(); err != nil {
				log.WithError(err).Warn("error terminating nats message")
			}
			continue
		}
		if err := msg.Ack(); err != nil {
			log.WithError(err).Warn("error acknowledging nats message")
		}
		records = append(records, record)
	}
	return records, nil
}

// Check returns an error if the connection to NATS has been lost.
func (s *NatsSource) Check() error {
	if !s.conn.IsConnected() {
		return errors.New("not connected to NATS")
	}
	return nil
}

func (s *NatsSource) Close() error {
	err := s.sub.Unsubscribe()
	if s.ownsConn {
		s.conn.Close()
	}
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return errors.WithStack(err)
	}
	return nil
}
