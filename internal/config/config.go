// Package config loads the engine configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atlas-trading/engine/internal/types"
)

// Config is the full engine configuration surface.
type Config struct {
	InitialCash      float64 `mapstructure:"initial_cash"`
	TotalCapital     float64 `mapstructure:"total_capital"`
	MaxPortfolioRisk float64 `mapstructure:"max_portfolio_risk"`

	Server    ServerConfig          `mapstructure:"server"`
	EventBus  EventBusConfig        `mapstructure:"event_bus"`
	Strategy  StrategyManagerConfig `mapstructure:"strategy_manager"`
	Risk      RiskConfig            `mapstructure:"risk"`
	Order     OrderManagerConfig    `mapstructure:"order_manager"`
	Router    BrokerRouterConfig    `mapstructure:"broker_router"`
	Health    BrokerHealthConfig    `mapstructure:"broker_health"`
	Portfolio PortfolioConfig       `mapstructure:"portfolio"`
	Brokers   []BrokerEntry         `mapstructure:"brokers"`
}

// ServerConfig configures the optional read-only control surface.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// EventBusConfig tunes the event bus.
type EventBusConfig struct {
	MaxQueueSize          int           `mapstructure:"max_queue_size"`
	MaxConcurrentHandlers int           `mapstructure:"max_concurrent_handlers"`
	HandlerTimeout        time.Duration `mapstructure:"handler_timeout"`
	RetryAttempts         int           `mapstructure:"retry_attempts"`
	RetryDelay            time.Duration `mapstructure:"retry_delay"`
	PersistenceEnabled    bool          `mapstructure:"persistence_enabled"`
}

// StrategyManagerConfig tunes dispatch, aggregation and rebalancing.
type StrategyManagerConfig struct {
	AggregationMethod       string        `mapstructure:"signal_aggregation_method"`
	ConflictResolution      string        `mapstructure:"conflict_resolution_mode"`
	StrategyTimeout         time.Duration `mapstructure:"strategy_timeout"`
	EnableDynamicAllocation bool          `mapstructure:"enable_dynamic_allocation"`
	RebalanceFrequency      time.Duration `mapstructure:"rebalance_frequency"`
}

// RiskConfig holds the risk limits and sizing parameters.
type RiskConfig struct {
	Limits             types.RiskLimits `mapstructure:"limits"`
	PositionSizing     string           `mapstructure:"position_sizing_method"`
	TargetVolatility   float64          `mapstructure:"target_volatility"`
	VarConfidenceLevel float64          `mapstructure:"var_confidence_level"`
	LookbackDays       int              `mapstructure:"lookback_days"`
}

// OrderManagerConfig holds order throttles.
type OrderManagerConfig struct {
	MaxOrdersPerMinute  int `mapstructure:"max_orders_per_minute"`
	MaxDailyOrders      int `mapstructure:"max_daily_orders"`
	OrderTimeoutMinutes int `mapstructure:"order_timeout_minutes"`
}

// BrokerRouterConfig selects the routing policy.
type BrokerRouterConfig struct {
	FailoverStrategy    string  `mapstructure:"failover_strategy"`
	EnableLoadBalancing bool    `mapstructure:"enable_load_balancing"`
	LoadTarget          float64 `mapstructure:"load_target"`
	MaxFailoverAttempts int     `mapstructure:"max_failover_attempts"`
}

// BrokerHealthConfig tunes the broker health monitor.
type BrokerHealthConfig struct {
	CheckInterval          time.Duration `mapstructure:"health_check_interval"`
	RetentionHours         int           `mapstructure:"retention_hours"`
	AutoRecoveryEnabled    bool          `mapstructure:"auto_recovery_enabled"`
	EnablePredictiveAlerts bool          `mapstructure:"enable_predictive_alerts"`
}

// PortfolioConfig tunes valuation and performance recalculation.
type PortfolioConfig struct {
	ValuationInterval    time.Duration `mapstructure:"valuation_interval"`
	PerformanceFrequency time.Duration `mapstructure:"performance_calculation_frequency"`
}

// BrokerEntry is one configured broker venue.
type BrokerEntry struct {
	ID                 string            `mapstructure:"id"`
	Kind               string            `mapstructure:"kind"`
	Priority           int               `mapstructure:"priority"`
	Enabled            bool              `mapstructure:"enabled"`
	Params             map[string]string `mapstructure:"params"`
	MaxOrdersPerMinute int               `mapstructure:"max_orders_per_minute"`
	MaxOrderValue      float64           `mapstructure:"max_order_value"`
}

// ToBrokerConfig converts a config entry to the runtime broker config.
func (b BrokerEntry) ToBrokerConfig() types.BrokerConfig {
	return types.BrokerConfig{
		ID:                 b.ID,
		Kind:               b.Kind,
		Priority:           b.Priority,
		Enabled:            b.Enabled,
		Params:             b.Params,
		MaxOrdersPerMinute: b.MaxOrdersPerMinute,
		MaxOrderValue:      decimal.NewFromFloat(b.MaxOrderValue),
	}
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		InitialCash:      100000,
		TotalCapital:     100000,
		MaxPortfolioRisk: 0.8,
		Server: ServerConfig{
			Enabled: true,
			Host:    "localhost",
			Port:    8080,
		},
		EventBus: EventBusConfig{
			MaxQueueSize:          10000,
			MaxConcurrentHandlers: 50,
			HandlerTimeout:        5 * time.Second,
			RetryAttempts:         3,
			RetryDelay:            100 * time.Millisecond,
			PersistenceEnabled:    true,
		},
		Strategy: StrategyManagerConfig{
			AggregationMethod:       "weighted_average",
			ConflictResolution:      "net_position",
			StrategyTimeout:         10 * time.Second,
			EnableDynamicAllocation: true,
			RebalanceFrequency:      60 * time.Minute,
		},
		Risk: RiskConfig{
			Limits: types.RiskLimits{
				MaxPositionSize:      0.1,
				MaxPortfolioExposure: 0.8,
				MaxDailyLoss:         0.05,
				MaxDrawdown:          0.15,
				MaxCorrelation:       0.7,
				MaxSectorExposure:    0.3,
			},
			PositionSizing:     "fixed_fractional",
			TargetVolatility:   0.15,
			VarConfidenceLevel: 0.95,
			LookbackDays:       252,
		},
		Order: OrderManagerConfig{
			MaxOrdersPerMinute:  10,
			MaxDailyOrders:      100,
			OrderTimeoutMinutes: 60,
		},
		Router: BrokerRouterConfig{
			FailoverStrategy:    "priority",
			EnableLoadBalancing: false,
			LoadTarget:          0.5,
			MaxFailoverAttempts: 3,
		},
		Health: BrokerHealthConfig{
			CheckInterval:          30 * time.Second,
			RetentionHours:         24,
			AutoRecoveryEnabled:    true,
			EnablePredictiveAlerts: true,
		},
		Portfolio: PortfolioConfig{
			ValuationInterval:    60 * time.Second,
			PerformanceFrequency: 300 * time.Second,
		},
		Brokers: []BrokerEntry{
			{ID: "paper-primary", Kind: "paper", Priority: 1, Enabled: true, MaxOrdersPerMinute: 60, MaxOrderValue: 50000},
		},
	}
}

// Load reads configuration from the given file (optional) plus environment
// variables prefixed with ATLAS_, layered over Default().
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("ATLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("initial_cash", d.InitialCash)
	v.SetDefault("total_capital", d.TotalCapital)
	v.SetDefault("max_portfolio_risk", d.MaxPortfolioRisk)

	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("event_bus.max_queue_size", d.EventBus.MaxQueueSize)
	v.SetDefault("event_bus.max_concurrent_handlers", d.EventBus.MaxConcurrentHandlers)
	v.SetDefault("event_bus.handler_timeout", d.EventBus.HandlerTimeout)
	v.SetDefault("event_bus.retry_attempts", d.EventBus.RetryAttempts)
	v.SetDefault("event_bus.retry_delay", d.EventBus.RetryDelay)
	v.SetDefault("event_bus.persistence_enabled", d.EventBus.PersistenceEnabled)

	v.SetDefault("strategy_manager.signal_aggregation_method", d.Strategy.AggregationMethod)
	v.SetDefault("strategy_manager.conflict_resolution_mode", d.Strategy.ConflictResolution)
	v.SetDefault("strategy_manager.strategy_timeout", d.Strategy.StrategyTimeout)
	v.SetDefault("strategy_manager.enable_dynamic_allocation", d.Strategy.EnableDynamicAllocation)
	v.SetDefault("strategy_manager.rebalance_frequency", d.Strategy.RebalanceFrequency)

	v.SetDefault("risk.limits.maxpositionsize", d.Risk.Limits.MaxPositionSize)
	v.SetDefault("risk.limits.maxportfolioexposure", d.Risk.Limits.MaxPortfolioExposure)
	v.SetDefault("risk.limits.maxdailyloss", d.Risk.Limits.MaxDailyLoss)
	v.SetDefault("risk.limits.maxdrawdown", d.Risk.Limits.MaxDrawdown)
	v.SetDefault("risk.limits.maxcorrelation", d.Risk.Limits.MaxCorrelation)
	v.SetDefault("risk.limits.maxsectorexposure", d.Risk.Limits.MaxSectorExposure)
	v.SetDefault("risk.position_sizing_method", d.Risk.PositionSizing)
	v.SetDefault("risk.target_volatility", d.Risk.TargetVolatility)
	v.SetDefault("risk.var_confidence_level", d.Risk.VarConfidenceLevel)
	v.SetDefault("risk.lookback_days", d.Risk.LookbackDays)

	v.SetDefault("order_manager.max_orders_per_minute", d.Order.MaxOrdersPerMinute)
	v.SetDefault("order_manager.max_daily_orders", d.Order.MaxDailyOrders)
	v.SetDefault("order_manager.order_timeout_minutes", d.Order.OrderTimeoutMinutes)

	v.SetDefault("broker_router.failover_strategy", d.Router.FailoverStrategy)
	v.SetDefault("broker_router.enable_load_balancing", d.Router.EnableLoadBalancing)
	v.SetDefault("broker_router.load_target", d.Router.LoadTarget)
	v.SetDefault("broker_router.max_failover_attempts", d.Router.MaxFailoverAttempts)

	v.SetDefault("broker_health.health_check_interval", d.Health.CheckInterval)
	v.SetDefault("broker_health.retention_hours", d.Health.RetentionHours)
	v.SetDefault("broker_health.auto_recovery_enabled", d.Health.AutoRecoveryEnabled)
	v.SetDefault("broker_health.enable_predictive_alerts", d.Health.EnablePredictiveAlerts)

	v.SetDefault("portfolio.valuation_interval", d.Portfolio.ValuationInterval)
	v.SetDefault("portfolio.performance_calculation_frequency", d.Portfolio.PerformanceFrequency)

	v.SetDefault("brokers", d.Brokers)
}
