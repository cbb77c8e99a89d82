package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/bridgepay/internal/config"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/reconcile"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagGRPCListenAddr    = "grpc-listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagJWTSigningKey     = "jwt-signing-key"
	flagJWTIssuer         = "jwt-issuer"
	flagJWTCookieName     = "jwt-cookie-name"
	flagLockBackend       = "lock-backend"
	flagRedisAddr         = "redis-addr"
	flagRedisPassword     = "redis-password"
	flagRedisDB           = "redis-db"
	flagSettlementLease   = "settlement-lease"
	flagAMQPURL           = "amqp-url"
	flagNotificationQueue = "notification-queue"
	flagRefundWindowDays  = "refund-window-days"
	flagTelegramToken     = "telegram-token"
	flagTelegramChatID    = "telegram-chat-id"
	flagActor             = "actor"
	flagFromDate          = "from-date"
	flagOutput            = "output"
	envPrefix             = "BRIDGEPAY"
	envFile               = ".env"
)

var configFlags = []string{
	flagDatabaseURL, flagListenAddr, flagGRPCListenAddr, flagAllowedOrigins,
	flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName,
	flagLockBackend, flagRedisAddr, flagRedisPassword, flagRedisDB,
	flagSettlementLease, flagAMQPURL, flagNotificationQueue, flagRefundWindowDays,
	flagTelegramToken, flagTelegramChatID, flagActor,
}

// cliOptions is what the persistent flags resolve to.
type cliOptions struct {
	cfg   config.Config
	actor int64
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bridgepay: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	options := &cliOptions{}
	cmd := &cobra.Command{
		Use:           "bridgepay",
		Short:         "Bridge club session fee settlement",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, options)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, "", "database URL: postgres://, mysql://, sqlite:// or a sqlite path")
	flags.String(flagListenAddr, "", "HTTP listen address")
	flags.String(flagGRPCListenAddr, "", "gRPC health listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key (serve only)")
	flags.String(flagJWTIssuer, "", "expected JWT issuer")
	flags.String(flagJWTCookieName, "", "JWT cookie name")
	flags.String(flagLockBackend, config.LockBackendDatabase, "where settlement leases live: database or redis")
	flags.String(flagRedisAddr, "", "redis address for the redis lock backend")
	flags.String(flagRedisPassword, "", "redis password")
	flags.Int(flagRedisDB, 0, "redis database number")
	flags.Duration(flagSettlementLease, 0, "settlement lease (default 6h)")
	flags.String(flagAMQPURL, "", "RabbitMQ URL for member notifications; notifications are logged when empty")
	flags.String(flagNotificationQueue, "", "RabbitMQ queue for member notifications")
	flags.Int(flagRefundWindowDays, reconcile.DefaultRefundWindowDays, "days after a session in which refunds are matched")
	flags.String(flagTelegramToken, "", "telegram bot token for health check alerts")
	flags.Int64(flagTelegramChatID, 0, "telegram chat receiving health check alerts")
	flags.Int64(flagActor, 0, "system number recorded as the actor of CLI operations")

	cmd.AddCommand(
		newServeCommand(options),
		newSettleCommand(options),
		newOffSystemCommand(options),
		newRecalculateCommand(options),
		newHealthCheckCommand(options),
		newDiagnoseCommand(options),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, options *cliOptions) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	options.cfg = config.Config{
		DatabaseURL:       strings.TrimSpace(v.GetString(flagDatabaseURL)),
		ListenAddr:        strings.TrimSpace(v.GetString(flagListenAddr)),
		GRPCListenAddr:    strings.TrimSpace(v.GetString(flagGRPCListenAddr)),
		AllowedOrigins:    config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagJWTCookieName)),
		LockBackend:       strings.TrimSpace(v.GetString(flagLockBackend)),
		RedisAddr:         strings.TrimSpace(v.GetString(flagRedisAddr)),
		RedisPassword:     v.GetString(flagRedisPassword),
		RedisDB:           v.GetInt(flagRedisDB),
		SettlementLease:   v.GetDuration(flagSettlementLease),
		AMQPURL:           strings.TrimSpace(v.GetString(flagAMQPURL)),
		NotificationQueue: strings.TrimSpace(v.GetString(flagNotificationQueue)),
		RefundWindowDays:  v.GetInt(flagRefundWindowDays),
		TelegramToken:     strings.TrimSpace(v.GetString(flagTelegramToken)),
		TelegramChatID:    v.GetInt64(flagTelegramChatID),
	}
	options.actor = v.GetInt64(flagActor)
	return options.cfg.Validate()
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func parseSessionID(raw string) (int64, error) {
	sessionID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || sessionID <= 0 {
		return 0, fmt.Errorf("session id must be a positive integer, got %q", raw)
	}
	return sessionID, nil
}
