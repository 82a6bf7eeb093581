package types

import "time"

// ServerConfig configures the ambient results/progress HTTP+WS surface.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	WebSocketPath  string        `mapstructure:"websocketPath"`
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	MaxConnections int           `mapstructure:"maxConnections"`
	EnableMetrics  bool          `mapstructure:"enableMetrics"`
	MetricsPort    int           `mapstructure:"metricsPort"`
}

// DataConfig configures where bar data is read from.
type DataConfig struct {
	DataDir string `mapstructure:"dataDir"`
}

// StrategyDefaults carries trend-following parameter values loaded from
// config. The strategy constructors do not read them; cmd/backtest builds
// its strategies from strategy.DefaultTrendFollowingConfig.
type StrategyDefaults struct {
	RiskTarget           float64 `mapstructure:"riskTarget"`
	IDM                  float64 `mapstructure:"idm"`
	FXRate               float64 `mapstructure:"fxRate"`
	UsePositionBuffering bool    `mapstructure:"usePositionBuffering"`
	VolLookbackShort     int     `mapstructure:"volLookbackShort"`
	VolLookbackLong      int     `mapstructure:"volLookbackLong"`
}

// AppConfig is the structured configuration the ConfigLoader collaborator
// (spec.md §6) resolves from YAML plus environment overrides.
type AppConfig struct {
	Backtest         BacktestConfig            `mapstructure:"backtest"`
	Portfolio        PortfolioConfig           `mapstructure:"portfolioConfig"`
	RiskConfig       RiskConfig                `mapstructure:"riskConfig"`
	OptConfig        OptConfig                 `mapstructure:"optConfig"`
	StrategyDefaults StrategyDefaults          `mapstructure:"strategyDefaults"`
	StrategiesConfig map[string]StrategyConfig `mapstructure:"strategiesConfig"`
	Server           ServerConfig              `mapstructure:"server"`
	Data             DataConfig                `mapstructure:"data"`
}
