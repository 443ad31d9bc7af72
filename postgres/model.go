package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/relay"
)

type recordModel struct {
	Sequence     int64      `gorm:"column:sequence;primaryKey;autoIncrement"`
	ID           uuid.UUID  `gorm:"column:id;type:uuid;not null;uniqueIndex"`
	PartitionKey string     `gorm:"column:partition_key;type:varchar(255);not null;index:idx_partition_status_sequence,priority:1"`
	Payload      []byte     `gorm:"column:payload;type:bytea;not null"`
	Headers      []byte     `gorm:"column:headers;type:jsonb"`
	Status       int16      `gorm:"column:status;not null;default:0;index:idx_partition_status_sequence,priority:2"`
	AttemptCount int        `gorm:"column:attempt_count;not null;default:0"`
	ClaimedBy    *string    `gorm:"column:claimed_by;type:varchar(255)"`
	ClaimedAt    *time.Time `gorm:"column:claimed_at"`
	NotBefore    *time.Time `gorm:"column:not_before"`
	LastError    *string    `gorm:"column:last_error;type:varchar(1024)"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;not null;autoUpdateTime"`
	ProcessedAt  *time.Time `gorm:"column:processed_at"`
}

func modelFromEntry(id relay.ID, entry relay.Entry) (recordModel, error) {
	row := recordModel{
		ID:           id,
		PartitionKey: entry.PartitionKey,
		Payload:      entry.Payload,
		Status:       int16(relay.StatusPending),
		NotBefore:    optionalTime(entry.NotBefore),
	}
	if len(entry.Headers) > 0 {
		raw, err := json.Marshal(entry.Headers)
		if err != nil {
			return recordModel{}, fmt.Errorf("outbox postgres: encode headers failed: %w", err)
		}
		row.Headers = raw
	}

	return row, nil
}

func (m recordModel) toRecord() (relay.Record, error) {
	record := relay.Record{
		ID:           m.ID,
		PartitionKey: m.PartitionKey,
		Sequence:     m.Sequence,
		Payload:      m.Payload,
		Status:       relay.Status(m.Status),
		Attempts:     m.AttemptCount,
		CreatedAt:    m.CreatedAt,
	}
	if len(m.Headers) > 0 {
		if err := json.Unmarshal(m.Headers, &record.Headers); err != nil {
			return relay.Record{}, fmt.Errorf("outbox postgres: decode headers of %s failed: %w", m.ID, err)
		}
	}
	if m.ClaimedBy != nil {
		record.ClaimedBy = *m.ClaimedBy
	}
	if m.ClaimedAt != nil {
		record.ClaimedAt = m.ClaimedAt.UTC()
	}
	if m.NotBefore != nil {
		record.NotBefore = m.NotBefore.UTC()
	}
	if m.LastError != nil {
		record.LastError = *m.LastError
	}

	return record, nil
}

func toRecords(rows []recordModel) ([]relay.Record, error) {
	records := make([]relay.Record, 0, len(rows))
	for _, row := range rows {
		record, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()

	return &u
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
