package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds TTL settings for the detection tables.
type RetentionConfig struct {
	DetectionsTTL time.Duration `yaml:"detections_ttl"`
}

// DefaultRetentionConfig keeps detections for 90 days.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{DetectionsTTL: 90 * 24 * time.Hour}
}

// RetentionManager applies and manages data retention policies.
type RetentionManager struct {
	client *ClickHouseClient
	config RetentionConfig
}

// NewRetentionManager creates a new retention manager.
func NewRetentionManager(client *ClickHouseClient, config RetentionConfig) *RetentionManager {
	return &RetentionManager{client: client, config: config}
}

// ApplyTTLs updates the detections TTL to the configured period. Run it
// after migrations.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	if r.config.DetectionsTTL <= 0 {
		return nil
	}

	query := ttlStatement(detectionsTable, "timestamp", r.config.DetectionsTTL)
	if err := r.client.Exec(ctx, query); err != nil {
		return WrapQueryError("ApplyTTLs", detectionsTable, err)
	}

	slog.Info("applied retention policy",
		"table", detectionsTable,
		"ttl_days", ttlDays(r.config.DetectionsTTL),
	)
	return nil
}

func ttlDays(ttl time.Duration) int {
	return max(int(ttl.Hours()/24), 1)
}

func ttlStatement(table, column string, ttl time.Duration) string {
	return fmt.Sprintf(
		"ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE",
		sanitizeTableName(table), sanitizeTableName(column), ttlDays(ttl),
	)
}

// GetPartitions returns the active partitions for a table.
func (r *RetentionManager) GetPartitions(ctx context.Context, table string) ([]PartitionInfo, error) {
	query := `
		SELECT
			partition,
			name,
			rows,
			bytes_on_disk,
			min_time,
			max_time
		FROM system.parts
		WHERE table = ? AND active = 1
		ORDER BY partition
	`

	rows, err := r.client.Query(ctx, query, table)
	if err != nil {
		return nil, WrapQueryError("GetPartitions", table, err)
	}
	defer rows.Close()

	var partitions []PartitionInfo
	for rows.Next() {
		var p PartitionInfo
		if err := rows.Scan(&p.Partition, &p.Name, &p.Rows, &p.BytesOnDisk, &p.MinTime, &p.MaxTime); err != nil {
			return nil, fmt.Errorf("failed to scan partition: %w", err)
		}
		partitions = append(partitions, p)
	}

	return partitions, rows.Err()
}

// DropPartition drops a specific partition from a table.
func (r *RetentionManager) DropPartition(ctx context.Context, table, partition string) error {
	query := fmt.Sprintf("ALTER TABLE %s DROP PARTITION '%s'",
		sanitizeTableName(table), sanitizeTableName(partition))

	if err := r.client.Exec(ctx, query); err != nil {
		return WrapQueryError("DropPartition", table, err)
	}

	slog.Info("dropped partition", "table", table, "partition", partition)
	return nil
}

// PartitionInfo holds information about a table partition.
type PartitionInfo struct {
	Partition   string    `json:"partition"`
	Name        string    `json:"name"`
	Rows        uint64    `json:"rows"`
	BytesOnDisk uint64    `json:"bytes_on_disk"`
	MinTime     time.Time `json:"min_time"`
	MaxTime     time.Time `json:"max_time"`
}

// sanitizeTableName keeps only identifier characters.
func sanitizeTableName(name string) string {
	var result []byte
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') ||
			(b >= '0' && b <= '9') || b == '_' {
			result = append(result, b)
		}
	}
	return string(result)
}
