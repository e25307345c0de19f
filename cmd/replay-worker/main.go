// Package main is the entrypoint for the Replay Worker Lambda function.
//
// The Replay Worker consumes deliveries parked on the replay queue by the API
// after an infrastructure failure and runs them through the same pipeline a
// live webhook takes. Signatures were verified at ingress and are not checked
// again; the ledger makes a replay of an already-applied event a duplicate.
//
// Handler flow:
//
//	For each SQS message in the batch (bounded concurrency):
//	  1. Decode the ReplayMessage and rebuild the raw delivery.
//	  2. Decode the provider payload into a normalized event.
//	  3. Process. Retryable failures are reported as batch item failures so
//	     SQS redelivers only that message; the redrive policy owns the DLQ.
//	  4. Publish the replay metric.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"golang.org/x/sync/errgroup"

	"billingsync/internal/app"
	"billingsync/internal/billing"
	"billingsync/internal/config"
	"billingsync/internal/external"
	"billingsync/internal/metrics"
	"billingsync/internal/queue"
	"billingsync/internal/types"
)

// EventDecoder turns a raw delivery into a normalized event. Satisfied by
// *external.Registry.
type EventDecoder interface {
	Decode(delivery types.RawDelivery) (*types.NormalizedEvent, error)
}

// EventProcessor is satisfied by *billing.Processor.
type EventProcessor interface {
	Process(ctx context.Context, ev *types.NormalizedEvent, delivery types.RawDelivery) (billing.Result, error)
}

// MetricPublisher is satisfied by *metrics.CloudWatchPublisher.
type MetricPublisher interface {
	Publish(ctx context.Context, name string, value float64, dims map[string]string) error
}

// Handler holds the dependencies for the replay worker Lambda handler.
type Handler struct {
	Decoder     EventDecoder
	Processor   EventProcessor
	Metrics     MetricPublisher
	Concurrency int
	Logger      *slog.Logger
}

// Handle processes an SQS batch. Lambda SQS integration uses partial batch
// responses: only messages listed in BatchItemFailures are retried.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(h.Concurrency, 1))

	for _, record := range sqsEvent.Records {
		g.Go(func() error {
			if err := h.processMessage(gctx, record); err != nil {
				h.logger().ErrorContext(gctx, "replay failed, message will be retried",
					"message_id", record.MessageId,
					"error", err,
				)
				mu.Lock()
				response.BatchItemFailures = append(response.BatchItemFailures,
					events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
				)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return response, nil
}

// processMessage returns an error only when the message should be retried.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	logger := h.logger().With("message_id", record.MessageId)

	msg, err := queue.DecodeReplayMessage(record.Body)
	if err != nil {
		// Permanent: retrying cannot fix the envelope. ACK.
		logger.ErrorContext(ctx, types.LogReconcileAlert+": malformed replay message dropped", "error", err)
		return nil
	}
	delivery, err := msg.Delivery()
	if err != nil {
		logger.ErrorContext(ctx, types.LogReconcileAlert+": replay body could not be decompressed", "error", err)
		return nil
	}

	logger = logger.With(
		"provider", msg.Provider.Slug(),
		"request_id", msg.RequestID,
		"parked_reason", msg.Reason,
	)
	if sent, ok := record.Attributes["SentTimestamp"]; ok {
		if sentAt, err := parseMillisTimestamp(sent); err == nil {
			logger = logger.With("queue_lag_ms", time.Since(sentAt).Milliseconds())
		}
	}

	ev, err := h.Decoder.Decode(delivery)
	if err != nil {
		logger.ErrorContext(ctx, types.LogReconcileAlert+": parked delivery could not be decoded",
			"code", string(types.CodeOf(err)),
			"error", err,
		)
		h.publish(ctx, logger, types.MetricReplayFailed, msg.Provider)
		return nil
	}

	res, err := h.Processor.Process(ctx, ev, delivery)
	if err != nil {
		h.publish(ctx, logger, types.MetricReplayFailed, msg.Provider)
		if types.IsRetryable(err) {
			return err
		}
		logger.ErrorContext(ctx, types.LogReconcileAlert+": replay failed permanently",
			"event_id", ev.EventID,
			"error", err,
		)
		return nil
	}

	logger.InfoContext(ctx, "parked delivery replayed",
		"event_id", ev.EventID,
		"outcome", string(res.Outcome),
		"detail", res.Detail,
		"account_id", res.AccountID,
	)
	h.publish(ctx, logger, types.MetricReplayProcessed, msg.Provider)
	return nil
}

func (h *Handler) publish(ctx context.Context, logger *slog.Logger, name string, p types.Provider) {
	if h.Metrics == nil {
		return
	}
	if err := h.Metrics.Publish(ctx, name, 1, map[string]string{types.DimProvider: p.Slug()}); err != nil {
		logger.WarnContext(ctx, "failed to publish replay metric", "metric", name, "error", err)
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// parseMillisTimestamp parses the SQS SentTimestamp attribute.
func parseMillisTimestamp(ms string) (time.Time, error) {
	var millis int64
	if _, err := fmt.Sscanf(ms, "%d", &millis); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis), nil
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("Replay Worker initializing (cold start)")

	ctx := context.Background()
	backend, err := app.OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		os.Exit(1)
	}

	registry, err := external.NewRegistry(cfg, logger)
	if err != nil {
		logger.Error("Failed to build provider registry", "error", err)
		os.Exit(1)
	}

	handler := &Handler{
		Decoder:     registry,
		Processor:   billing.NewProcessor(backend.Store, cfg.Processing, logger),
		Concurrency: cfg.Queue.ReplayConcurrency,
		Logger:      logger,
	}

	if cfg.Observability.EnableMetrics {
		awsCfg, err := app.LoadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			logger.Error("Failed to load AWS SDK config", "error", err)
			os.Exit(1)
		}
		handler.Metrics = metrics.NewCloudWatchPublisher(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)
	}

	logger.Info("Replay Worker initialized", "concurrency", handler.Concurrency)
	lambda.Start(handler.Handle)
}
