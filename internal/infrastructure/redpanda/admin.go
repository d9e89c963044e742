package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topics carrying assessment change events
const (
	TopicAssessmentEvents = "assessment.events"
	TopicDeadLetter       = "assessment.events.dlq"
)

// TopicSpec describes a topic to create
type TopicSpec struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Retention         time.Duration
	Compression       string
}

func (s TopicSpec) configs() map[string]*string {
	str := func(v string) *string { return &v }
	configs := map[string]*string{
		"cleanup.policy": str("delete"),
		"retention.ms":   str(fmt.Sprint(s.Retention.Milliseconds())),
	}
	if s.Compression != "" {
		configs["compression.type"] = str(s.Compression)
	}
	return configs
}

// DefaultTopicConfigs returns the topics the relay ensures on startup. Event
// records are keyed by prescription code so per-prescription order holds.
func DefaultTopicConfigs() []TopicSpec {
	return []TopicSpec{
		{
			Name:              TopicAssessmentEvents,
			Partitions:        6,
			ReplicationFactor: 1,
			Retention:         7 * 24 * time.Hour,
			Compression:       "lz4",
		},
		{
			Name:              TopicDeadLetter,
			Partitions:        1,
			ReplicationFactor: 1,
			Retention:         30 * 24 * time.Hour,
		},
	}
}

// Admin creates topics and reads consumer group lag
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create admin client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// CreateTopics creates each topic; existing topics are left as they are
func (a *Admin) CreateTopics(ctx context.Context, specs []TopicSpec) error {
	for _, spec := range specs {
		resp, err := a.client.CreateTopic(ctx, spec.Partitions, spec.ReplicationFactor, spec.configs(), spec.Name)
		if err == nil {
			err = resp.Err
		}
		switch {
		case errors.Is(err, kerr.TopicAlreadyExists):
			a.logger.Debug("topic already exists", zap.String("topic", spec.Name))
		case err != nil:
			return fmt.Errorf("create topic %s: %w", spec.Name, err)
		default:
			a.logger.Info("topic created",
				zap.String("topic", spec.Name),
				zap.Int32("partitions", spec.Partitions))
		}
	}
	return nil
}

// EnsureTopics creates the default topics
func (a *Admin) EnsureTopics(ctx context.Context) error {
	return a.CreateTopics(ctx, DefaultTopicConfigs())
}

// GroupLag sums a consumer group's lag per topic
func (a *Admin) GroupLag(ctx context.Context, groupID string) (map[string]int64, error) {
	lags, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("describe lag of %s: %w", groupID, err)
	}
	totals := make(map[string]int64)
	lags.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for _, p := range partitions {
				totals[topic] += p.Lag
			}
		}
	})
	return totals, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}
