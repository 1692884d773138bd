package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chatbridge/pkg/channel"
	"chatbridge/pkg/channel/discord"
	"chatbridge/pkg/channel/slack"
	"chatbridge/pkg/channel/telegram"
	"chatbridge/pkg/command"
	"chatbridge/pkg/config"
	"chatbridge/pkg/gateway"
	"chatbridge/pkg/logger"
	"chatbridge/pkg/metrics"

	"github.com/spf13/cobra"
)

const (
	slackChannelName    = "slack"
	telegramChannelName = "telegram"
	discordChannelName  = "discord"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run channel gateway mode",
	Long:  "Runs the enabled chat adapters against one message bus with health, readiness and metrics endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		if err := cfg.Validate(); err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}

		m := metrics.NewMetrics()
		adapters, err := enabledAdapters(cfg, log, m)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		router := command.NewRouter(adapters, log)
		svc, err := gateway.NewService(cfg, adapters, router.Handle, log, m)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Gateway started", "channels", enabledChannelNames(adapters), "commands", strings.Join(router.Names(), ","))
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func bridgeOptions(cfg config.BridgeConfig, m *metrics.Metrics) channel.BridgeOptions {
	return channel.BridgeOptions{
		QueueSize:    cfg.QueueSize,
		SendAttempts: cfg.SendAttempts,
		RetryBackoff: cfg.RetryBackoff(),
		SendTimeout:  cfg.SendTimeout(),
		Metrics:      m,
	}
}

func enabledAdapters(cfg *config.Config, log *slog.Logger, m *metrics.Metrics) ([]channel.Adapter, error) {
	opts := bridgeOptions(cfg.Bridge, m)
	adapters := make([]channel.Adapter, 0, 3)

	if cfg.Channels.Slack.Enabled {
		adapter, err := slack.NewAdapter(cfg.Channels.Slack, log, slack.WithBridgeOptions(opts))
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", slackChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log, telegram.WithBridgeOptions(opts))
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", telegramChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Channels.Discord.Enabled {
		adapter, err := discord.NewAdapter(cfg.Channels.Discord, log, discord.WithBridgeOptions(opts))
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", discordChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels are enabled")
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
