// Package config implements the ConfigLoader collaborator (spec.md §6):
// resolving a structured types.AppConfig from a YAML file with
// environment-variable overrides. Grounded on teacher
// cmd/server/main.go's flag-driven bootstrap (host/port/data-dir/
// log-level flags, getEnvOrDefault fallback idiom) generalized to a full
// viper-backed config tree, since the teacher itself never exercises its
// spf13/viper dependency despite carrying it in go.mod.
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/atlas-desktop/barcore/internal/coreerr"
	"github.com/atlas-desktop/barcore/pkg/types"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. BARCORE_SERVER_PORT.
const EnvPrefix = "BARCORE"

// Load resolves an AppConfig from path (if non-empty) plus environment
// overrides and the defaults set by setDefaults. A missing path is not
// an error: defaults plus environment variables alone can fully
// configure a run.
func Load(path string) (types.AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return types.AppConfig{}, coreerr.New(coreerr.InvalidArgument, "config.Load", "reading %q: %v", path, err)
		}
	}

	var cfg types.AppConfig
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decimalDecodeHook)); err != nil {
		return types.AppConfig{}, coreerr.New(coreerr.InvalidArgument, "config.Load", "decoding config: %v", err)
	}
	return cfg, nil
}

// decimalDecodeHook teaches mapstructure to turn a plain string or
// numeric scalar into a shopspring/decimal.Decimal, since Decimal carries
// no mapstructure tag support of its own.
func decimalDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(decimal.Decimal{}) {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
		return decimal.NewFromString(data.(string))
	case reflect.Float32, reflect.Float64:
		return decimal.NewFromFloat(reflect.ValueOf(data).Float()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return decimal.NewFromInt(reflect.ValueOf(data).Int()), nil
	default:
		return data, nil
	}
}

var _ mapstructure.DecodeHookFuncType = decimalDecodeHook

// setDefaults mirrors the teacher's flag defaults (localhost:8080,
// ./data) plus the strategy/risk/optimizer defaults
// spec.md §4.6/§4.8/§4.9 document as sensible starting points.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocketPath", "/ws")
	v.SetDefault("server.readTimeout", 30*time.Second)
	v.SetDefault("server.writeTimeout", 30*time.Second)
	v.SetDefault("server.maxConnections", 100)
	v.SetDefault("server.enableMetrics", true)
	v.SetDefault("server.metricsPort", 9090)

	v.SetDefault("data.dataDir", "./data")

	v.SetDefault("portfolioConfig.minAllocation", "0.0")
	v.SetDefault("portfolioConfig.maxAllocation", "1.0")

	v.SetDefault("strategyDefaults.riskTarget", 0.2)
	v.SetDefault("strategyDefaults.idm", 2.5)
	v.SetDefault("strategyDefaults.fxRate", 1.0)
	v.SetDefault("strategyDefaults.usePositionBuffering", true)
	v.SetDefault("strategyDefaults.volLookbackShort", 32)
	v.SetDefault("strategyDefaults.volLookbackLong", 2520)

	v.SetDefault("riskConfig.varConfidence", 0.95)
	v.SetDefault("riskConfig.lookback", 252)
	v.SetDefault("riskConfig.varLimit", 0.15)
	v.SetDefault("riskConfig.jumpRiskLimit", 0.1)
	v.SetDefault("riskConfig.maxCorrelation", 0.7)
	v.SetDefault("riskConfig.maxGrossLeverage", 4.0)
	v.SetDefault("riskConfig.maxNetLeverage", 2.0)

	v.SetDefault("optConfig.costPenalty", 10.0)
	v.SetDefault("optConfig.asymmetricRiskBuffer", 50.0)
	v.SetDefault("optConfig.convergenceThreshold", 1e-6)
	v.SetDefault("optConfig.maxIterations", 200)
	v.SetDefault("optConfig.useBuffering", false)
	v.SetDefault("optConfig.bufferSizeFactor", 0.1)
}
