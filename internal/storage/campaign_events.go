package storage

import (
	"context"
	"time"

	"teth/internal/campaign"
)

// CampaignEvents loads the stored tool events for a chain in position order,
// ready for campaign analysis.
func (c *ClickHouseClient) CampaignEvents(ctx context.Context, chainID string) ([]campaign.Event, error) {
	rows, err := c.Query(ctx, `
		SELECT tool_id, timestamp, chain_id, position
		FROM detections
		WHERE chain_id = ?
		ORDER BY position, timestamp
	`, chainID)
	if err != nil {
		return nil, WrapQueryError("CampaignEvents", detectionsTable, err)
	}
	defer rows.Close()

	var events []campaign.Event
	for rows.Next() {
		var (
			toolID   string
			ts       time.Time
			chain    string
			position uint32
		)
		if err := rows.Scan(&toolID, &ts, &chain, &position); err != nil {
			return nil, WrapQueryError("CampaignEvents", detectionsTable, err)
		}
		events = append(events, campaign.Event{
			ToolID:    toolID,
			Timestamp: ts,
			ChainID:   chain,
			Position:  int(position),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("CampaignEvents", detectionsTable, err)
	}

	if len(events) == 0 {
		return nil, WrapNotFoundError("CampaignEvents", detectionsTable, chainID)
	}
	return events, nil
}
