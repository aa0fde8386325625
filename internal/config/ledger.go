package config

import (
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type LedgerConfig struct {
	PayoutFeePercentage decimal.Decimal
	PayoutFeeFixed      decimal.Decimal
	CommissionRate      decimal.Decimal
	SystemEntityID      string

	DefaultPageSize     int
	MaxPageSize         int
	DefaultLedgerWindow time.Duration
	MaxLedgerWindow     time.Duration

	CallbackSecret string
	WebhookSecret  string
	IdempotencyTTL time.Duration

	KafkaBroker string
	KafkaTopic  string

	RailEndpoint string
	RailTimeout  time.Duration
	DebtorBIC    string
}

// BindEnv maps environment variable names onto the ledger config keys
func BindEnv() {
	viper.BindEnv("payout.fee_percentage", "PAYOUT_FEE_PERCENTAGE")
	viper.BindEnv("payout.fee_fixed", "PAYOUT_FEE_FIXED")
	viper.BindEnv("royalty.commission_rate", "ROYALTY_COMMISSION_RATE")
	viper.BindEnv("system.entity_id", "SYSTEM_ENTITY_ID")
	viper.BindEnv("ledger.default_page_size", "LEDGER_DEFAULT_PAGE_SIZE")
	viper.BindEnv("ledger.max_page_size", "LEDGER_MAX_PAGE_SIZE")
	viper.BindEnv("ledger.default_window", "LEDGER_DEFAULT_WINDOW")
	viper.BindEnv("ledger.max_window", "LEDGER_MAX_WINDOW")
	viper.BindEnv("callbacks.secret", "CALLBACK_SECRET")
	viper.BindEnv("webhooks.secret", "WEBHOOK_SECRET")
	viper.BindEnv("idempotency.ttl", "IDEMPOTENCY_TTL")
	viper.BindEnv("kafka.broker", "KAFKA_BROKER")
	viper.BindEnv("kafka.topic", "KAFKA_TOPIC")
	viper.BindEnv("rail.endpoint", "RAIL_ENDPOINT")
	viper.BindEnv("rail.timeout", "RAIL_TIMEOUT")
	viper.BindEnv("rail.debtor_bic", "RAIL_DEBTOR_BIC")
}

// LoadLedgerConfig returns the ledger configuration with defaults
func LoadLedgerConfig() *LedgerConfig {
	viper.SetDefault("payout.fee_percentage", "0")
	viper.SetDefault("payout.fee_fixed", "0")
	viper.SetDefault("royalty.commission_rate", "0")
	viper.SetDefault("system.entity_id", "tunewave")
	viper.SetDefault("ledger.default_page_size", 50)
	viper.SetDefault("ledger.max_page_size", 200)
	viper.SetDefault("ledger.default_window", 90*24*time.Hour)
	viper.SetDefault("ledger.max_window", 366*24*time.Hour)
	viper.SetDefault("callbacks.secret", "")
	viper.SetDefault("webhooks.secret", "")
	viper.SetDefault("idempotency.ttl", 24*time.Hour)
	viper.SetDefault("kafka.broker", "")
	viper.SetDefault("kafka.topic", "wallet.ledger")
	viper.SetDefault("rail.endpoint", "")
	viper.SetDefault("rail.timeout", 10*time.Second)
	viper.SetDefault("rail.debtor_bic", "TUNEWAVE")

	return &LedgerConfig{
		PayoutFeePercentage: getDecimal("payout.fee_percentage"),
		PayoutFeeFixed:      getDecimal("payout.fee_fixed"),
		CommissionRate:      getDecimal("royalty.commission_rate"),
		SystemEntityID:      viper.GetString("system.entity_id"),
		DefaultPageSize:     viper.GetInt("ledger.default_page_size"),
		MaxPageSize:         viper.GetInt("ledger.max_page_size"),
		DefaultLedgerWindow: viper.GetDuration("ledger.default_window"),
		MaxLedgerWindow:     viper.GetDuration("ledger.max_window"),
		CallbackSecret:      viper.GetString("callbacks.secret"),
		WebhookSecret:       viper.GetString("webhooks.secret"),
		IdempotencyTTL:      viper.GetDuration("idempotency.ttl"),
		KafkaBroker:         viper.GetString("kafka.broker"),
		KafkaTopic:          viper.GetString("kafka.topic"),
		RailEndpoint:        viper.GetString("rail.endpoint"),
		RailTimeout:         viper.GetDuration("rail.timeout"),
		DebtorBIC:           viper.GetString("rail.debtor_bic"),
	}
}

// getDecimal parses a money setting; an unparsable value falls back to zero
func getDecimal(key string) decimal.Decimal {
	d, err := decimal.NewFromString(viper.GetString(key))
	if err != nil {
		log.Printf("Invalid decimal for %s, using 0: %v", key, err)
		return decimal.Zero
	}
	return d
}
