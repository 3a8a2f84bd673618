package config

import (
	"reflect"
	"strings"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// DecodeHooks replaces viper's default decode hook, so the defaults are composed back in.
var DecodeHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		PulsarSubscriptionTypeHookFunc(),
	)),
}

var pulsarSubscriptionTypes = map[string]pulsar.SubscriptionType{
	"exclusive":  pulsar.Exclusive,
	"shared":     pulsar.Shared,
	"failover":   pulsar.Failover,
	"key_shared": pulsar.KeyShared,
}

func PulsarSubscriptionTypeHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(pulsar.Shared) {
			return data, nil
		}
		return ParsePulsarSubscriptionType(data.(string))
	}
}

func ParsePulsarSubscriptionType(s string) (pulsar.SubscriptionType, error) {
	subscriptionType, ok := pulsarSubscriptionTypes[strings.ToLower(s)]
	if !ok {
		return pulsar.Exclusive, errors.Errorf("unknown pulsar subscription type %q", s)
	}
	return subscriptionType, nil
}
