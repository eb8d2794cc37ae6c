// internal/ktable/lag.go
package ktable

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/lattice-cqrs/partition-publisher/internal/publisher"
)

// Source polls the changelog partition backing the state store this
// publisher writes to, reporting how far a downstream materialization
// has caught up (spec.md §4.5 "KTable Lag Source").
type Source interface {
	Poll(ctx context.Context) (publisher.KTableProgress, error)
	Close() error
}

// Config identifies the changelog partition and consumer group whose
// read position stands in for "how far the KTable has processed".
type Config struct {
	Brokers   []string
	GroupID   string
	Topic     string
	Partition int32
	Version   string
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("ktable: brokers required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("ktable: GroupID required")
	}
	if c.Topic == "" {
		return fmt.Errorf("ktable: Topic required")
	}
	if c.Partition < 0 {
		return fmt.Errorf("ktable: Partition must be >= 0")
	}
	return nil
}

// saramaSource reads two things per poll: the changelog partition's
// current high watermark (via the client) and the consuming group's
// committed offset for that partition (via the cluster admin). The gap
// between them is the lag a Poller reports upstream.
type saramaSource struct {
	cfg    Config
	client sarama.Client
	admin  sarama.ClusterAdmin
}

// NewSource connects a client and cluster admin against cfg.Brokers. It
// does not retry; callers that need retry-on-connect should wrap NewSource
// in common/backoff the way publisher.Machine wraps InitTransactions.
func NewSource(cfg Config) (Source, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("ktable: invalid Version %q: %w", cfg.Version, err)
	}
	sc := sarama.NewConfig()
	sc.Version = version

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("ktable: client connect failed: %w", err)
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ktable: admin connect failed: %w", err)
	}
	return &saramaSource{cfg: cfg, client: client, admin: admin}, nil
}

// Poll fetches the changelog partition's high watermark and the
// consumer group's committed offset on it, reporting them as a single
// KTableProgress snapshot. A partition that has never been consumed
// reports Current -1, per sarama's ListConsumerGroupOffsets convention.
func (s *saramaSource) Poll(ctx context.Context) (publisher.KTableProgress, error) {
	end, err := s.client.GetOffset(s.cfg.Topic, s.cfg.Partition, sarama.OffsetNewest)
	if err != nil {
		return publisher.KTableProgress{}, fmt.Errorf("ktable: GetOffset failed: %w", err)
	}

	resp, err := s.admin.ListConsumerGroupOffsets(s.cfg.GroupID, map[string][]int32{
		s.cfg.Topic: {s.cfg.Partition},
	})
	if err != nil {
		return publisher.KTableProgress{}, fmt.Errorf("ktable: ListConsumerGroupOffsets failed: %w", err)
	}

	current := int64(-1)
	if block := resp.GetBlock(s.cfg.Topic, s.cfg.Partition); block != nil {
		current = block.Offset
	}

	return publisher.KTableProgress{
		Topic:     s.cfg.Topic,
		Partition: s.cfg.Partition,
		Current:   current,
		End:       end,
	}, nil
}

func (s *saramaSource) Close() error {
	err := s.admin.Close()
	if cerr := s.client.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
