// internal/producer/sarama.go
package producer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lattice-cqrs/partition-publisher/common/logger"
)

// Config groups the tunables for a sarama-backed transactional Handle.
// Zero values are replaced with sane defaults by applyDefaults.
type Config struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string

	// TransactionalID is this producer's exclusive transactional
	// identity. Must be unique per owned partition across the fleet;
	// acquiring it fences out any prior holder.
	TransactionalID string

	// Partition is the state-topic partition this Handle owns. Records
	// destined for the state topic are pinned here via a manual
	// partitioner; event-topic records are left to the default
	// partitioner.
	Partition int32

	// Version is the Kafka protocol version string (e.g. "2.8.0").
	// Transactions require at least "0.11.0.0".
	Version string

	// RequiredAcks: "all" (default) | "leader" | "none".
	RequiredAcks string

	// Timeout bounds how long the broker waits before acking a produce
	// request.
	Timeout time.Duration

	// Compression: "none" (default) | "gzip" | "snappy" | "lz4" | "zstd".
	Compression string
}

func (c *Config) applyDefaults() {
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("producer: brokers required")
	}
	if c.TransactionalID == "" {
		return fmt.Errorf("producer: TransactionalID required")
	}
	if c.Partition < 0 {
		return fmt.Errorf("producer: Partition must be >= 0")
	}
	return nil
}

func buildSaramaConfig(c Config) (*sarama.Config, error) {
	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("producer: invalid Version %q: %w", c.Version, err)
	}

	sc := sarama.NewConfig()
	sc.Version = version

	switch strings.ToLower(c.RequiredAcks) {
	case "all":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	case "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, fmt.Errorf("producer: invalid RequiredAcks %q", c.RequiredAcks)
	}

	switch strings.ToLower(c.Compression) {
	case "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, fmt.Errorf("producer: invalid Compression %q", c.Compression)
	}

	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = c.Timeout
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Producer.Transaction.ID = c.TransactionalID
	sc.Producer.Partitioner = sarama.NewManualPartitioner

	return sc, nil
}

// saramaHandle is the sarama-backed implementation of Handle.
type saramaHandle struct {
	mu        sync.Mutex
	cfg       Config
	saramaCfg *sarama.Config
	client    sarama.Client
	prod      sarama.AsyncProducer
	log       *logger.Logger
}

// New validates cfg and returns a Handle that has not yet acquired a
// transactional identity; call InitTransactions before Begin.
func New(cfg Config, log *logger.Logger) (Handle, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &saramaHandle{
		cfg:       cfg,
		saramaCfg: sc,
		log:       log.Named("producer").With(zap.Int32("partition", cfg.Partition)),
	}, nil
}

func (h *saramaHandle) partitionLabel() string {
	return fmt.Sprintf("%d", h.cfg.Partition)
}

// InitTransactions (re)acquires the transactional producer identity by
// building a fresh client and async producer. Safe to call repeatedly
// after failure; each call starts from scratch.
func (h *saramaHandle) InitTransactions(ctx context.Context) error {
	_, span := tracer.Start(ctx, "InitTransactions",
		trace.WithAttributes(attribute.StringSlice("brokers", h.cfg.Brokers),
			attribute.String("transactional_id", h.cfg.TransactionalID)))
	defer span.End()

	metrics.InitAttempts.WithLabelValues(serviceLabel, h.partitionLabel()).Inc()

	client, err := sarama.NewClient(h.cfg.Brokers, h.saramaCfg)
	if err != nil {
		metrics.InitErrors.WithLabelValues(serviceLabel, h.partitionLabel()).Inc()
		span.RecordError(err)
		return classifyInitErr(err)
	}

	prod, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		metrics.InitErrors.WithLabelValues(serviceLabel, h.partitionLabel()).Inc()
		span.RecordError(err)
		return classifyInitErr(err)
	}

	h.mu.Lock()
	h.client = client
	h.prod = otelsarama.WrapAsyncProducer(h.saramaCfg, prod)
	h.mu.Unlock()

	h.log.Info("transactional producer ready", zap.Strings("brokers", h.cfg.Brokers))
	return nil
}

func (h *saramaHandle) handleOrNil() sarama.AsyncProducer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.prod
}

func (h *saramaHandle) Begin() error {
	prod := h.handleOrNil()
	if prod == nil {
		metrics.BeginErrors.WithLabelValues(serviceLabel, h.partitionLabel()).Inc()
		return &IllegalStateError{Op: "begin", Err: fmt.Errorf("producer not initialized")}
	}
	if err := prod.BeginTxn(); err != nil {
		metrics.BeginErrors.WithLabelValues(serviceLabel, h.partitionLabel()).Inc()
		return classifyTxnErr(prod, "begin", err)
	}
	return nil
}

func (h *saramaHandle) Commit() error {
	prod := h.handleOrNil()
	if prod == nil {
		return &IllegalStateError{Op: "commit", Err: fmt.Errorf("producer not initialized")}
	}
	if err := prod.CommitTxn(); err != nil {
		return classifyTxnErr(prod, "commit", err)
	}
	metrics.CommitTotal.WithLabelValues(serviceLabel, h.partitionLabel()).Inc()
	return nil
}

func (h *saramaHandle) Abort() error {
	prod := h.handleOrNil()
	if prod == nil {
		return nil
	}
	if err := prod.AbortTxn(); err != nil {
		return classifyTxnErr(prod, "abort", err)
	}
	metrics.AbortTotal.WithLabelValues(serviceLabel, h.partitionLabel()).Inc()
	return nil
}

// PutRecords writes records within the currently open transaction and
// blocks until every record has been acked or failed, returning results
// in input order (spec.md §4.1, design note "ordered result vector").
func (h *saramaHandle) PutRecords(ctx context.Context, records []Record) ([]RecordResult, error) {
	prod := h.handleOrNil()
	if prod == nil {
		return nil, &IllegalStateError{Op: "put_records", Err: fmt.Errorf("producer not initialized")}
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := time.Now()
	ctxSpan, span := tracer.Start(ctx, "PutRecords",
		trace.WithAttributes(attribute.Int("record_count", len(records))))
	defer span.End()

	results := make([]RecordResult, len(records))
	for i, r := range records {
		msg := &sarama.ProducerMessage{
			Topic:    r.Topic,
			Key:      sarama.StringEncoder(r.Key),
			Value:    sarama.ByteEncoder(r.Value),
			Metadata: i,
		}
		if r.Partition != UnsetPartition {
			msg.Partition = r.Partition
		}
		for _, hdr := range r.Headers {
			msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(hdr.Key), Value: hdr.Value})
		}

		select {
		case prod.Input() <- msg:
		case <-ctxSpan.Done():
			span.RecordError(ctxSpan.Err())
			return nil, ctxSpan.Err()
		}
	}

	remaining := len(records)
	for remaining > 0 {
		select {
		case succ := <-prod.Successes():
			idx := succ.Metadata.(int)
			results[idx] = RecordResult{Ack: RecordAck{
				AggregateID: records[idx].AggregateID,
				Topic:       succ.Topic,
				Partition:   succ.Partition,
				Offset:      succ.Offset,
			}}
			remaining--
		case perr := <-prod.Errors():
			idx := perr.Msg.Metadata.(int)
			results[idx] = RecordResult{Err: perr.Err}
			remaining--
		case <-ctxSpan.Done():
			span.RecordError(ctxSpan.Err())
			return nil, ctxSpan.Err()
		}
	}

	metrics.PutRecordsTime.WithLabelValues(serviceLabel, h.partitionLabel()).Observe(time.Since(start).Seconds())

	failed := 0
	var firstErr error
	acked := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			if firstErr == nil {
				firstErr = r.Err
			}
		} else {
			acked++
		}
	}
	metrics.RecordsAcked.WithLabelValues(serviceLabel, h.partitionLabel()).Add(float64(acked))
	metrics.RecordsFailed.WithLabelValues(serviceLabel, h.partitionLabel()).Add(float64(failed))

	if failed > 0 {
		span.RecordError(firstErr)
		return results, &BatchFailedError{FailedCount: failed, FirstErr: firstErr}
	}
	return results, nil
}

func (h *saramaHandle) Close() error {
	h.mu.Lock()
	prod, client := h.prod, h.client
	h.prod, h.client = nil, nil
	h.mu.Unlock()

	if prod == nil {
		return nil
	}
	err := prod.Close()
	if client != nil {
		if cerr := client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	h.log.Info("transactional producer closed")
	return err
}

// classifyTxnErr distinguishes a fatal (fencing) transaction error from a
// recoverable one using sarama's own transaction-state flag, which is
// the mechanism sarama itself uses internally to decide whether a
// transactional producer can keep operating.
func classifyTxnErr(prod sarama.AsyncProducer, op string, err error) error {
	if prod.TxnStatus()&sarama.ProducerTxnFlagFatalError != 0 {
		metrics.FencedTotal.WithLabelValues(serviceLabel, "-").Inc()
		return &FencedError{Op: op, Err: err}
	}
	return &IllegalStateError{Op: op, Err: err}
}

// classifyInitErr gives InitTransactions failures a typed shape without
// depending on undocumented sarama sentinel errors: an explicit
// authorization failure is reported distinctly, everything else is a
// plain transport/illegal-state error and is retried the same way by the
// caller regardless.
func classifyInitErr(err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "authoriz") {
		return &AuthorizationError{Err: err}
	}
	return err
}
