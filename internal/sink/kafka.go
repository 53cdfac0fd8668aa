package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/inlineesp/internal/config"
	"firestige.xyz/inlineesp/internal/log"
	"firestige.xyz/inlineesp/internal/pipeline"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultMaxAttempts  = 3
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaReporter publishes verdict events as JSON, keyed by association index
// so one SA's events stay on one partition.
type KafkaReporter struct {
	writer messageWriter
	topic  string

	reportedCount atomic.Uint64
	errorCount    atomic.Uint64
}

// NewKafkaReporter creates a reporter from configuration.
func NewKafkaReporter(cfg config.KafkaReporterConfig) (*KafkaReporter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	batchTimeout := defaultBatchTimeout
	if cfg.BatchTimeout != "" {
		d, err := time.ParseDuration(cfg.BatchTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid batch_timeout: %w", err)
		}
		batchTimeout = d
	}

	writerConfig := kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    batchSize,
		BatchTimeout: batchTimeout,
		MaxAttempts:  defaultMaxAttempts,
		Async:        false,
	}
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	writerConfig.CompressionCodec = codec

	log.GetLogger().WithFields(map[string]interface{}{
		"brokers":       cfg.Brokers,
		"topic":         cfg.Topic,
		"batch_size":    batchSize,
		"batch_timeout": batchTimeout,
		"compression":   cfg.Compression,
	}).Info("kafka reporter created")

	return &KafkaReporter{writer: kafka.NewWriter(writerConfig), topic: cfg.Topic}, nil
}

func compressionCodec(name string) (kafka.CompressionCodec, error) {
	switch name {
	case "none", "":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	}
	return nil, fmt.Errorf("invalid compression type: %s", name)
}

func (r *KafkaReporter) Name() string { return "kafka" }

// Report sends one event.
func (r *KafkaReporter) Report(ctx context.Context, ev *pipeline.Event) error {
	if ev == nil {
		return errors.New("nil event")
	}
	value, err := json.Marshal(ev)
	if err != nil {
		r.errorCount.Add(1)
		return fmt.Errorf("serialize event failed: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(ev.AssociationIndex), 10)),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(ev.Action)},
			{Key: "reason", Value: []byte(ev.Reason)},
		},
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		r.errorCount.Add(1)
		return fmt.Errorf("kafka write failed: %w", err)
	}
	r.reportedCount.Add(1)
	return nil
}

// Close flushes pending messages.
func (r *KafkaReporter) Close() error {
	err := r.writer.Close()
	log.GetLogger().WithFields(map[string]interface{}{
		"total_reported": r.reportedCount.Load(),
		"total_errors":   r.errorCount.Load(),
	}).Info("kafka reporter stopped")
	return err
}
