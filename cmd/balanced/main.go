package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbalance/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "BALANCED"

	flagDatabaseURL          = "database-url"
	flagStoreDriver          = "store-driver"
	flagHTTPListenAddr       = "http-listen-addr"
	flagGRPCListenAddr       = "grpc-listen-addr"
	flagWebhookSecret        = "webhook-secret"
	flagWebhookTolerance     = "webhook-tolerance"
	flagJWTSigningKey        = "jwt-signing-key"
	flagJWTIssuer            = "jwt-issuer"
	flagAllowedOrigins       = "allowed-origins"
	flagRedisAddr            = "redis-addr"
	flagRedisPassword        = "redis-password"
	flagLockTTL              = "lock-ttl"
	flagWebhookRetryInterval = "webhook-retry-interval"
	flagWebhookRetryBatch    = "webhook-retry-batch"
	flagReportWindow         = "report-window"
	flagPlans                = "plans"
)

var configFlags = []string{
	flagDatabaseURL,
	flagStoreDriver,
	flagHTTPListenAddr,
	flagGRPCListenAddr,
	flagWebhookSecret,
	flagWebhookTolerance,
	flagJWTSigningKey,
	flagJWTIssuer,
	flagAllowedOrigins,
	flagRedisAddr,
	flagRedisPassword,
	flagLockTTL,
	flagWebhookRetryInterval,
	flagWebhookRetryBatch,
	flagReportWindow,
	flagPlans,
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "balanced: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "balanced",
		Short:         "Student balance and payment reconciliation server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, viper.New(), cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(flagDatabaseURL, "sqlite:///tmp/balanced.db", "PostgreSQL or sqlite connection string")
	flags.String(flagStoreDriver, config.StoreDriverGorm, "store implementation: gorm or pgx")
	flags.String(flagHTTPListenAddr, ":8080", "HTTP listen address")
	flags.String(flagGRPCListenAddr, ":7000", "gRPC listen address")
	flags.String(flagWebhookSecret, "", "shared secret for gateway webhook signatures")
	flags.Duration(flagWebhookTolerance, 5*time.Minute, "accepted age of a signed webhook timestamp")
	flags.String(flagJWTSigningKey, "", "HS256 key for bearer tokens")
	flags.String(flagJWTIssuer, "balanced", "expected bearer token issuer")
	flags.String(flagAllowedOrigins, "http://localhost:8000", "comma-separated CORS origins")
	flags.String(flagRedisAddr, "", "redis address for distributed locks; empty uses in-process locks")
	flags.String(flagRedisPassword, "", "redis password")
	flags.Duration(flagLockTTL, 10*time.Second, "distributed lock expiry")
	flags.Duration(flagWebhookRetryInterval, time.Minute, "interval between failed webhook retries")
	flags.Int(flagWebhookRetryBatch, 50, "failed webhook events retried per pass")
	flags.Duration(flagReportWindow, 30*24*time.Hour, "analytics lookback window")
	flags.StringSlice(flagPlans, nil, "catalog plans as id:type:amount:hours[:period_days]")

	return cmd
}

func loadConfig(cmd *cobra.Command, v *viper.Viper, cfg *config.Config) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, name := range configFlags {
		if err := v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}
	// Plain DATABASE_URL is honoured for platform-provided databases.
	if err := v.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}

	cfg.DatabaseURL = v.GetString(flagDatabaseURL)
	cfg.StoreDriver = v.GetString(flagStoreDriver)
	cfg.HTTPListenAddr = v.GetString(flagHTTPListenAddr)
	cfg.GRPCListenAddr = v.GetString(flagGRPCListenAddr)
	cfg.WebhookSecret = v.GetString(flagWebhookSecret)
	cfg.WebhookTolerance = v.GetDuration(flagWebhookTolerance)
	cfg.JWTSigningKey = v.GetString(flagJWTSigningKey)
	cfg.JWTIssuer = v.GetString(flagJWTIssuer)
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.RedisAddr = v.GetString(flagRedisAddr)
	cfg.RedisPassword = v.GetString(flagRedisPassword)
	cfg.LockTTL = v.GetDuration(flagLockTTL)
	cfg.WebhookRetryInterval = v.GetDuration(flagWebhookRetryInterval)
	cfg.WebhookRetryBatch = v.GetInt(flagWebhookRetryBatch)
	cfg.ReportWindow = v.GetDuration(flagReportWindow)
	cfg.Plans = v.GetStringSlice(flagPlans)
	return cfg.Validate()
}
