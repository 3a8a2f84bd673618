package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/quantforge/gpuscheduler/internal/common/logging"
	"github.com/quantforge/gpuscheduler/internal/scheduler/configuration"
	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
	"github.com/quantforge/gpuscheduler/internal/scheduler/submission"
)

type submitFlags struct {
	taskId         string
	priority       string
	requiredMemory int64
	requiredGpu    bool
	payload        string
	maxRetries     int
	timeoutSeconds int64
}

func submitCmd() *cobra.Command {
	flags := &submitFlags{}
	cmd := &cobra.Command{
		Use:   "submit <task type>",
		Short: "Pushes a task submission onto the Redis submission list",
		Long: "Pushes a task submission onto the Redis submission list configured under submission.redis. " +
			"Valid task types are " + strings.Join(taskTypeNames(), ", ") + ".",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureCommandLineLogging()
			config, err := loadConfig()
			if err != nil {
				return err
			}
			record, err := flags.record(cmd, args[0])
			if err != nil {
				return err
			}
			return submit(cmd, config.Submission, record)
		},
	}
	flags.register(cmd)
	return cmd
}

func (f *submitFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.taskId, "id", "", "Task id; generated by the scheduler if empty")
	cmd.Flags().StringVar(&f.priority, "priority", schedulerobjects.Medium.String(), "One of critical, high, medium, low or batch")
	cmd.Flags().Int64Var(&f.requiredMemory, "memory", 0, "Accelerator memory required by the task")
	cmd.Flags().BoolVar(&f.requiredGpu, "gpu", false, "Whether the task needs an accelerator")
	cmd.Flags().StringVar(&f.payload, "payload", "", "JSON payload passed to the handler")
	cmd.Flags().IntVar(&f.maxRetries, "max-retries", 0, "Overrides the configured default number of retries")
	cmd.Flags().Int64Var(&f.timeoutSeconds, "timeout", 0, "Overrides the configured default timeout, in seconds")
}

func (f *submitFlags) record(cmd *cobra.Command, taskType string) (submission.Record, error) {
	if _, err := schedulerobjects.ParseTaskType(taskType); err != nil {
		return submission.Record{}, err
	}
	if _, err := schedulerobjects.ParsePriority(f.priority); err != nil {
		return submission.Record{}, err
	}
	record := submission.Record{
		TaskId:         f.taskId,
		TaskType:       taskType,
		Priority:       f.priority,
		RequiredMemory: f.requiredMemory,
		RequiredGpu:    f.requiredGpu,
	}
	if f.payload != "" {
		if !json.Valid([]byte(f.payload)) {
			return submission.Record{}, errors.Errorf("payload is not valid JSON: %s", f.payload)
		}
		record.Payload = json.RawMessage(f.payload)
	}
	if cmd.Flags().Changed("max-retries") {
		record.MaxRetries = &f.maxRetries
	}
	if cmd.Flags().Changed("timeout") {
		record.TimeoutSeconds = &f.timeoutSeconds
	}
	return record, nil
}

func submit(cmd *cobra.Command, config configuration.SubmissionConfig, record submission.Record) error {
	if config.Type != configuration.SubmissionTypeRedis {
		return errors.Errorf("submit requires a redis submission source, found %q", config.Type)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	producer := submission.NewRedisProducer(client, config.Redis.Key)
	defer func() {
		_ = producer.Close()
	}()
	if err := producer.Submit(cmd.Context(), record); err != nil {
		return err
	}
	id := record.TaskId
	if id == "" {
		id = "(assigned by scheduler)"
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s task %s to %s\n", record.TaskType, id, config.Redis.Key)
	return err
}

func taskTypeNames() []string {
	names := make([]string, len(schedulerobjects.AllTaskTypes))
	for i, taskType := range schedulerobjects.AllTaskTypes {
		names[i] = string(taskType)
	}
	return names
}
