package submission

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/quantforge/gpuscheduler/internal/scheduler/configuration"
)

// Redis only supports whole-second blocking pops.
const minBlockingWait = time.Second

// RedisSource reads JSON submission records from a Redis list. Producers LPUSH onto the list and records are popped
// from the other end, so the list behaves as a FIFO.
type RedisSource struct {
	client        redis.UniversalClient
	key           string
	deadLetterKey string
}

func NewRedisSource(client redis.UniversalClient, key string, deadLetterKey string) *RedisSource {
	return &RedisSource{
		client:        client,
		key:           key,
		deadLetterKey: deadLetterKey,
	}
}

func NewRedisSourceFromConfig(config configuration.RedisConfig) *RedisSource {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return NewRedisSource(client, config.Key, config.DeadLetterKey)
}

func (s *RedisSource) Receive(ctx context.Context, max int, wait time.Duration) ([]Record, error) {
	records := make([]Record, 0)
	if max <= 0 {
		return records, nil
	}
	first, err := s.popFirst(ctx, wait)
	if err != nil || first == "" {
		return records, err
	}
	records = s.appendDecoded(ctx, records, first)

	for len(records) < max {
		value, err := s.rpop(ctx)
		if err != nil {
			// Records already popped are returned so they aren't lost.
			log.WithError(err).Warn("error reading further submissions")
			break
		}
		if value == "" {
			break
		}
		records = s.appendDecoded(ctx, records, value)
	}
	return records, nil
}

// popFirst returns the first available record, waiting up to wait. It returns the empty string if nothing arrived.
func (s *RedisSource) popFirst(ctx context.Context, wait time.Duration) (string, error) {
	if wait >= minBlockingWait {
		result, err := s.client.BRPop(ctx, wait, s.key).Result()
		if err == redis.Nil {
			return "", nil
		}
		if err != nil {
			return "", errors.Wrapf(err, "error reading from redis list %s", s.key)
		}
		// BRPop returns the key followed by the value.
		return result[1], nil
	}
	value, err := s.rpop(ctx)
	if err != nil || value != "" || wait <= 0 {
		return value, err
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return s.rpop(ctx)
}

func (s *RedisSource) rpop(ctx context.Context) (string, error) {
	value, err := s.client.RPop(ctx, s.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "error reading from redis list %s", s.key)
	}
	return value, nil
}

func (s *RedisSource) appendDecoded(ctx context.Context, records []Record, value string) []Record {
	record, err := DecodeRecord([]byte(value))
	if err != nil {
		log.WithError(err).Warnf("discarding undecodable submission from %s", s.key)
		if s.deadLetterKey != "" {
			if err := s.client.LPush(ctx, s.deadLetterKey, value).Err(); err != nil {
				log.WithError(err).Errorf("error moving submission to dead letter list %s", s.deadLetterKey)
			}
		}
		return records
	}
	return append(records, record)
}

func (s *RedisSource) Close() error {
	return s.client.Close()
}

// RedisProducer pushes submission records onto the list read by RedisSource.
type RedisProducer struct {
	client redis.UniversalClient
	key    string
}

func NewRedisProducer(client redis.UniversalClient, key string) *RedisProducer {
	return &RedisProducer{client: client, key: key}
}

func (p *RedisProducer) Submit(ctx context.Context, records ...Record) error {
	values := make([]any, 0, len(records))
	for _, record := range records {
		data, err := EncodeRecord(record)
		if err != nil {
			return err
		}
		values = append(values, data)
	}
	if len(values) == 0 {
		return nil
	}
	if err := p.client.LPush(ctx, p.key, values...).Err(); err != nil {
		return errors.Wrapf(err, "error pushing to redis list %s", p.key)
	}
	return nil
}

func (p *RedisProducer) Close() error {
	return p.client.Close()
}
