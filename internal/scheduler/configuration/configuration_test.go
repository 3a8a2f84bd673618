package configuration

import (
	"testing"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/gpuscheduler/internal/common"
)

func loadDefaultConfig(t *testing.T) Configuration {
	var config Configuration
	require.NoError(t, common.LoadConfig(&config, "../../../config/scheduler", nil))
	return config
}

func TestDefaultConfig(t *testing.T) {
	config := loadDefaultConfig(t)
	require.NoError(t, config.Validate())

	assert.Equal(t, 10, config.Scheduling.MaxConcurrentTasks)
	assert.Equal(t, 3, config.Scheduling.DefaultMaxRetries)
	assert.Equal(t, time.Hour, config.Scheduling.DefaultTimeout)
	assert.Equal(t, 5*time.Minute, config.Scheduling.RetryDelay)
	assert.Equal(t, 1000, config.Scheduling.HistorySize)
	assert.Equal(t, 60*time.Second, config.HealthMonitor.Interval)
	assert.Equal(t, 10, config.HealthMonitor.ErrorThreshold)
	assert.Equal(t, 1000, config.Analytics.BottleneckQueueDepth)
	assert.Len(t, config.Accelerators, 2)
	assert.Len(t, config.Handlers, 6)
	assert.Equal(t, "/opt/quant/bin/train", config.Handlers["ml_training"].Command)
	assert.Equal(t, SubmissionTypeRedis, config.Submission.Type)
	assert.Equal(t, "gpusched:submissions", config.Submission.Redis.Key)
	assert.Equal(t, pulsar.Shared, config.Submission.Pulsar.SubscriptionType)
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		modify  func(*Configuration)
		isValid bool
	}{
		"default": {
			modify:  func(*Configuration) {},
			isValid: true,
		},
		"zero workers": {
			modify:  func(c *Configuration) { c.Scheduling.MaxConcurrentTasks = 0 },
			isValid: false,
		},
		"negative retries": {
			modify:  func(c *Configuration) { c.Scheduling.DefaultMaxRetries = -1 },
			isValid: false,
		},
		"zero retries": {
			modify:  func(c *Configuration) { c.Scheduling.DefaultMaxRetries = 0 },
			isValid: true,
		},
		"capacity pressure ratio above one": {
			modify:  func(c *Configuration) { c.HealthMonitor.CapacityPressureRatio = 1.5 },
			isValid: false,
		},
		"accelerator without memory": {
			modify:  func(c *Configuration) { c.Accelerators[0].Memory = 0 },
			isValid: false,
		},
		"no accelerators": {
			modify:  func(c *Configuration) { c.Accelerators = nil },
			isValid: true,
		},
		"handler without command": {
			modify: func(c *Configuration) {
				backtest := c.Handlers["backtest"]
				backtest.Command = ""
				c.Handlers["backtest"] = backtest
			},
			isValid: false,
		},
		"unknown submission type": {
			modify:  func(c *Configuration) { c.Submission.Type = "kafka" },
			isValid: false,
		},
		"redis without key": {
			modify:  func(c *Configuration) { c.Submission.Redis.Key = "" },
			isValid: false,
		},
		"pulsar without subscription": {
			modify: func(c *Configuration) {
				c.Submission.Type = SubmissionTypePulsar
				c.Submission.Pulsar.SubscriptionName = ""
			},
			isValid: false,
		},
		"pulsar": {
			modify:  func(c *Configuration) { c.Submission.Type = SubmissionTypePulsar },
			isValid: true,
		},
		"nats without servers": {
			modify: func(c *Configuration) {
				c.Submission.Type = SubmissionTypeNats
				c.Submission.Nats.Servers = nil
			},
			isValid: false,
		},
		"nats ignores redis block": {
			modify: func(c *Configuration) {
				c.Submission.Type = SubmissionTypeNats
				c.Submission.Redis = RedisConfig{}
			},
			isValid: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			config := loadDefaultConfig(t)
			tc.modify(&config)
			err := config.Validate()
			if tc.isValid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
