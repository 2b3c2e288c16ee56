// Package config holds the balanced runtime configuration.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbalance/pkg/ledger"
)

// Store drivers.
const (
	StoreDriverGorm = "gorm"
	StoreDriverPgx  = "pgx"
)

const (
	defaultDatabaseURL        = "sqlite:///tmp/balanced.db"
	defaultHTTPListenAddr     = ":8080"
	defaultGRPCListenAddr     = ":7000"
	defaultWebhookTolerance   = 5 * time.Minute
	defaultJWTIssuer          = "balanced"
	defaultAllowedOrigin      = "http://localhost:8000"
	defaultLockTTL            = 10 * time.Second
	defaultRetryInterval      = time.Minute
	defaultRetryBatch         = 50
	defaultReportWindow       = 30 * 24 * time.Hour
	planFieldSeparator        = ":"
	minPlanFields             = 4
	subscriptionPlanFieldSize = 5
)

// Config aggregates runtime settings for balanced.
type Config struct {
	DatabaseURL          string
	StoreDriver          string
	HTTPListenAddr       string
	GRPCListenAddr       string
	WebhookSecret        string
	WebhookTolerance     time.Duration
	JWTSigningKey        string
	JWTIssuer            string
	AllowedOrigins       []string
	RedisAddr            string
	RedisPassword        string
	LockTTL              time.Duration
	WebhookRetryInterval time.Duration
	WebhookRetryBatch    int
	ReportWindow         time.Duration
	Plans                []string
}

// Validate fills defaults and rejects unusable settings.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverGorm))
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.JWTIssuer = defaultIfEmpty(cfg.JWTIssuer, defaultJWTIssuer)
	if cfg.WebhookTolerance == 0 {
		cfg.WebhookTolerance = defaultWebhookTolerance
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.WebhookRetryInterval <= 0 {
		cfg.WebhookRetryInterval = defaultRetryInterval
	}
	if cfg.WebhookRetryBatch <= 0 {
		cfg.WebhookRetryBatch = defaultRetryBatch
	}
	if cfg.ReportWindow <= 0 {
		cfg.ReportWindow = defaultReportWindow
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.StoreDriver != StoreDriverGorm && cfg.StoreDriver != StoreDriverPgx {
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	if cfg.StoreDriver == StoreDriverPgx && !IsPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("store driver %s requires a postgres database url", StoreDriverPgx)
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if cfg.WebhookTolerance < 0 {
		return fmt.Errorf("webhook tolerance must not be negative")
	}
	if len(cfg.JWTSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if _, err := ParsePlans(cfg.Plans); err != nil {
		return err
	}
	return nil
}

// IsPostgresURL reports whether dsn names a PostgreSQL database.
func IsPostgresURL(dsn string) bool {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return false
	}
	return parsed.Scheme == "postgres" || parsed.Scheme == "postgresql"
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// ParsePlans reads catalog entries of the form
// id:type:amount:hours[:period_days], e.g. "monthly:subscription:49.00:4:30".
func ParsePlans(raw []string) ([]ledger.Plan, error) {
	plans := make([]ledger.Plan, 0, len(raw))
	for _, entry := range raw {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		plan, err := parsePlan(trimmed)
		if err != nil {
			return nil, fmt.Errorf("plan %q: %w", trimmed, err)
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func parsePlan(entry string) (ledger.Plan, error) {
	fields := strings.Split(entry, planFieldSeparator)
	if len(fields) < minPlanFields || len(fields) > subscriptionPlanFieldSize {
		return ledger.Plan{}, fmt.Errorf("%w: expected id:type:amount:hours[:period_days]", ledger.ErrInvalidPlan)
	}
	planID, err := ledger.NewPlanID(fields[0])
	if err != nil {
		return ledger.Plan{}, err
	}
	planType, err := ledger.ParseTransactionType(fields[1])
	if err != nil {
		return ledger.Plan{}, err
	}
	amount, err := ledger.ParseQuantity(fields[2])
	if err != nil {
		return ledger.Plan{}, err
	}
	if !amount.IsPositive() {
		return ledger.Plan{}, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidPlan)
	}
	hours, err := ledger.NonNegativeQuantity(fields[3])
	if err != nil {
		return ledger.Plan{}, err
	}
	periodDays := 0
	if len(fields) == subscriptionPlanFieldSize {
		periodDays, err = strconv.Atoi(strings.TrimSpace(fields[4]))
		if err != nil || periodDays < 0 {
			return ledger.Plan{}, fmt.Errorf("%w: invalid period days %q", ledger.ErrInvalidPlan, fields[4])
		}
	}
	if planType == ledger.TransactionTypeSubscription && periodDays == 0 {
		return ledger.Plan{}, fmt.Errorf("%w: subscription plans need period days", ledger.ErrInvalidPlan)
	}
	return ledger.Plan{
		ID:            planID,
		Name:          planID.String(),
		Type:          planType,
		Amount:        amount,
		HoursIncluded: hours,
		PeriodDays:    periodDays,
		Active:        true,
	}, nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
