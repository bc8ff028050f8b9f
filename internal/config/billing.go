package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BillingConfig carries the fee schedule used when computing activity and bills.
type BillingConfig struct {
	StandardUnitRate decimal.Decimal
	ManualReviewRate decimal.Decimal
	MinimumAmount    decimal.Decimal
	Currency         string
	DefaultDueDays   int
}

type rawBillingConfig struct {
	StandardUnitRate string `mapstructure:"standardUnitRate"`
	ManualReviewRate string `mapstructure:"manualReviewRate"`
	MinimumAmount    string `mapstructure:"minimumAmount"`
	Currency         string `mapstructure:"currency"`
	DefaultDueDays   int    `mapstructure:"defaultDueDays"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		StandardUnitRate: decimal.NewFromInt(1),
		ManualReviewRate: decimal.NewFromInt(1),
		MinimumAmount:    decimal.NewFromInt(1),
		Currency:         "usd",
		DefaultDueDays:   30,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfigHolder wraps a fixed configuration, mostly for tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder(app Config, log *zap.Logger) (*BillingConfigHolder, error) {
	log = log.Named("billing.config")
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/backoffice/config")
	v.AddConfigPath("/etc/backoffice")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.standardUnitRate", defaults.StandardUnitRate.StringFixed(2))
	v.SetDefault("billing.manualReviewRate", defaults.ManualReviewRate.StringFixed(2))
	v.SetDefault("billing.minimumAmount", defaults.MinimumAmount.StringFixed(2))
	v.SetDefault("billing.currency", app.Payment.Currency)
	v.SetDefault("billing.defaultDueDays", app.Payment.DefaultDueDays)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := decodeBillingConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeBillingConfig(v)
		if err != nil {
			log.Warn("reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func decodeBillingConfig(v *viper.Viper) (BillingConfig, error) {
	var raw rawBillingConfig
	if err := v.UnmarshalKey("billing", &raw); err != nil {
		return BillingConfig{}, err
	}
	return parseBillingConfig(raw)
}

func parseBillingConfig(raw rawBillingConfig) (BillingConfig, error) {
	standard, err := decimal.NewFromString(strings.TrimSpace(raw.StandardUnitRate))
	if err != nil {
		return BillingConfig{}, fmt.Errorf("billing.standardUnitRate: %w", err)
	}
	review, err := decimal.NewFromString(strings.TrimSpace(raw.ManualReviewRate))
	if err != nil {
		return BillingConfig{}, fmt.Errorf("billing.manualReviewRate: %w", err)
	}
	minimum, err := decimal.NewFromString(strings.TrimSpace(raw.MinimumAmount))
	if err != nil {
		return BillingConfig{}, fmt.Errorf("billing.minimumAmount: %w", err)
	}

	cfg := BillingConfig{
		StandardUnitRate: standard,
		ManualReviewRate: review,
		MinimumAmount:    minimum,
		Currency:         strings.ToLower(strings.TrimSpace(raw.Currency)),
		DefaultDueDays:   raw.DefaultDueDays,
	}
	if err := validateBillingConfig(cfg); err != nil {
		return BillingConfig{}, err
	}
	return cfg, nil
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.StandardUnitRate.IsNegative() || cfg.ManualReviewRate.IsNegative() {
		return errors.New("billing rates cannot be negative")
	}
	if !cfg.MinimumAmount.IsPositive() {
		return errors.New("billing.minimumAmount must be positive")
	}
	if len(cfg.Currency) != 3 {
		return errors.New("billing.currency must be an ISO 4217 code")
	}
	if cfg.DefaultDueDays < 0 {
		return errors.New("billing.defaultDueDays cannot be negative")
	}
	return nil
}
