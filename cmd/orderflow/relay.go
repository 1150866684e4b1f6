package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"orderflow/internal/config"
	"orderflow/internal/infra/notify"

	"github.com/spf13/cobra"
)

func relayCmd() *cobra.Command {
	var group, consumer string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Forward order events from the Redis stream to Kafka",
		Long: `Reads NOTIFY_STREAM with a consumer group and writes each event to KAFKA_TOPIC.
A message is acknowledged only after Kafka accepted it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.RedisAddr == "" || len(cfg.KafkaBrokers) == 0 {
				return errors.New("relay needs REDIS_ADDR and KAFKA_BROKERS")
			}
			log := newLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rdb, err := newRedis(ctx, cfg)
			if err != nil {
				return err
			}
			defer rdb.Close()

			sink := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
			defer sink.Close()

			if consumer == "" {
				consumer, _ = os.Hostname()
			}
			return notify.NewRelay(rdb, sink, log, cfg.NotifyStream, group, consumer).Run(ctx)
		},
	}

	cmd.Flags().StringVar(&group, "group", "orderflow-relay", "consumer group name")
	cmd.Flags().StringVar(&consumer, "consumer", "", "consumer name (default: hostname)")
	return cmd
}
