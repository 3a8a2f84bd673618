package common

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/quantforge/gpuscheduler/internal/common/config"
)

const EnvPrefix = "GPUSCHED"

// BindCommandlineArguments makes every flag registered on the standard pflag set readable through viper.
func BindCommandlineArguments() {
	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		log.WithError(err).Error("Could not bind command line arguments")
	}
}

// LoadConfig populates target from <defaultPath>/config.yaml, then merges each user specified file in order,
// then applies GPUSCHED_* environment variables, e.g. GPUSCHED_SCHEDULING_MAXCONCURRENTTASKS.
func LoadConfig(target any, defaultPath string, userSpecifiedConfigs []string) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "error reading base config from %s", defaultPath)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, configPath := range userSpecifiedConfigs {
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return errors.Wrapf(err, "error reading config from %s", configPath)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(target, config.DecodeHooks...); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
