package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"email-auth-service/internal/models"
	"email-auth-service/internal/repository"
)

// ActivitySink keeps the per-account history rows that are removed with the
// account. Failed events, events without an account and the deletion event
// itself are skipped.
type ActivitySink struct {
	repo repository.ActivityRepository
}

func NewActivitySink(repo repository.ActivityRepository) *ActivitySink {
	return &ActivitySink{repo: repo}
}

func (s *ActivitySink) Name() string { return "activity" }

func (s *ActivitySink) Write(ctx context.Context, ev *models.SecurityEvent) error {
	if ev.AccountID == uuid.Nil || !ev.Success || ev.EventType == models.EventAccountDeleted {
		return nil
	}
	return s.repo.Append(ctx, &models.Activity{
		ID:        ev.EventID,
		AccountID: ev.AccountID,
		Action:    string(ev.EventType),
		IPAddress: ev.IPAddress,
		UserAgent: ev.UserAgent,
		CreatedAt: ev.EventTime,
	})
}

// DocumentIndexer is implemented by *client.ESClient.
type DocumentIndexer interface {
	EnsureIndex(ctx context.Context, index string, mapping string) error
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// SecurityEventMapping is the index mapping for security events.
const SecurityEventMapping = `{
  "mappings": {
    "properties": {
      "event_id":     {"type": "keyword"},
      "event_bucket": {"type": "integer"},
      "account_id":   {"type": "keyword"},
      "email":        {"type": "keyword"},
      "event_type":   {"type": "keyword"},
      "success":      {"type": "boolean"},
      "reason":       {"type": "text"},
      "ip_address":   {"type": "ip", "ignore_malformed": true},
      "user_agent":   {"type": "text"},
      "event_time":   {"type": "date"},
      "event_date":   {"type": "date", "format": "yyyy-MM-dd"}
    }
  }
}`

type ElasticSink struct {
	es    DocumentIndexer
	index string
}

// NewElasticSink creates the index when missing.
func NewElasticSink(ctx context.Context, es DocumentIndexer, index string) (*ElasticSink, error) {
	if err := es.EnsureIndex(ctx, index, SecurityEventMapping); err != nil {
		return nil, fmt.Errorf("ensure index %s: %w", index, err)
	}
	return &ElasticSink{es: es, index: index}, nil
}

func (s *ElasticSink) Name() string { return "elasticsearch" }

func (s *ElasticSink) Write(ctx context.Context, ev *models.SecurityEvent) error {
	return s.es.IndexDocument(ctx, s.index, ev.EventID.String(), ev)
}

// BatchWriter is implemented by *client.ClickHouseClient.
type BatchWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

type ClickHouseSink struct {
	ch    BatchWriter
	table string
}

const clickhouseColumns = "event_id, event_bucket, account_id, email, event_type, success, reason, ip_address, user_agent, event_time, event_date"

// NewClickHouseSink creates the analytics table when missing. table is
// qualified with its database.
func NewClickHouseSink(ctx context.Context, ch BatchWriter, table string) (*ClickHouseSink, error) {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    event_id     UUID,
    event_bucket UInt16,
    account_id   UUID,
    email        String,
    event_type   LowCardinality(String),
    success      Bool,
    reason       String,
    ip_address   String,
    user_agent   String,
    event_time   DateTime64(3, 'UTC'),
    event_date   Date
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (event_type, event_date, event_bucket, event_time)`, table)
	if err := ch.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &ClickHouseSink{ch: ch, table: table}, nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, ev *models.SecurityEvent) error {
	query := fmt.Sprintf("INSERT INTO %s (%s)", s.table, clickhouseColumns)
	row := []interface{}{
		ev.EventID,
		uint16(ev.EventBucket),
		ev.AccountID,
		ev.Email,
		string(ev.EventType),
		ev.Success,
		ev.Reason,
		ev.IPAddress,
		ev.UserAgent,
		ev.EventTime,
		ev.EventTime,
	}
	return s.ch.BatchInsert(ctx, query, [][]interface{}{row})
}

// Producer is implemented by *client.KafkaProducer.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink streams events keyed by bucket so consumers can shard by it.
type KafkaSink struct {
	producer Producer
	topic    string
}

func NewKafkaSink(producer Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, ev *models.SecurityEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	key := []byte(fmt.Sprintf("%d", ev.EventBucket))
	return s.producer.ProduceMessage(ctx, s.topic, key, value, map[string]string{
		"event_type": string(ev.EventType),
	})
}
