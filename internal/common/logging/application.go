package logging

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

// MustConfigureLogging sets up logging for an application, exiting the process if the configuration is invalid.
func MustConfigureLogging(config Config) {
	if err := ConfigureLogging(config); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error initializing logging: "+err.Error())
		os.Exit(1)
	}
}

// ConfigureLogging replaces the formatter, level and output of the standard logrus logger.
func ConfigureLogging(config Config) error {
	if err := validate(config); err != nil {
		return err
	}
	level, err := parseLogLevel(config.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetOutput(os.Stdout)
	log.SetReportCaller(config.ReportCaller)
	if strings.ToLower(config.Format) == FormatJson {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: RFC3339Milli})
	} else {
		log.SetFormatter(&log.TextFormatter{
			ForceColors:     config.ForceColors,
			FullTimestamp:   true,
			TimestampFormat: RFC3339Milli,
		})
	}
	return nil
}

// ConfigureCommandLineLogging sets up logging for short-lived CLI commands, where only the message matters.
func ConfigureCommandLineLogging() {
	log.SetFormatter(new(CommandLineFormatter))
	log.SetOutput(os.Stdout)
}
