package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/psds-microservice/support-session/internal/database"
	"github.com/psds-microservice/support-session/internal/kafka"
	"github.com/psds-microservice/support-session/internal/model"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

const replayBatch = 200

var replayEventsCmd = &cobra.Command{
	Use:   "replay-events",
	Short: "Republish every session as a session.snapshot event to Kafka (rebuilds downstream read models)",
	RunE:  runReplayEvents,
}

func runReplayEvents(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicSession, log)
	if !producer.Enabled() {
		return errors.New("replay-events: KAFKA_BROKERS and KAFKA_TOPIC_SESSION are required")
	}
	defer producer.Close()

	conn, err := database.Open(cfg.DSN())
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()

	var sent int
	var batch []model.SessionSummary
	err = conn.WithContext(ctx).Model(&model.Session{}).
		Select("support_sessions.*, (SELECT COUNT(*) FROM support_messages m WHERE m.session_id = support_sessions.id) AS message_count").
		FindInBatches(&batch, replayBatch, func(_ *gorm.DB, _ int) error {
			for i := range batch {
				payload := kafka.SessionPayload(&batch[i].Session)
				payload["message_count"] = batch[i].MessageCount
				producer.ProduceSessionEvent(ctx, kafka.EventSessionSnapshot, payload)
			}
			sent += len(batch)
			log.Info("replay-events: progress", slog.Int("sent", sent))
			return ctx.Err()
		}).Error
	if err != nil {
		return fmt.Errorf("replay-events: %w", err)
	}
	log.Info("replay-events: done", slog.Int("sessions", sent), slog.String("topic", cfg.KafkaTopicSession))
	return nil
}
