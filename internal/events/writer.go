// Package events appends rows to the change log inside the writing transaction.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"missionline/internal/domain"
	"missionline/internal/feed"
)

type Writer struct {
	Now func() time.Time
}

// payload is the row image stored with a change.
type payload struct {
	Mission *domain.Mission `json:"mission,omitempty"`
	Message *domain.Message `json:"message,omitempty"`
}

// Append records c in tx and returns its sequence number.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, c feed.Change) (int64, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if c.At.IsZero() {
		c.At = now()
	}
	data, err := json.Marshal(payload{Mission: c.Mission, Message: c.Message})
	if err != nil {
		return 0, fmt.Errorf("marshal change payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO changes(ts,type,entity_table,entity_id,mission_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		c.At.UTC().UnixNano(), string(c.Type), c.Table, c.EntityID, c.MissionID, c.ActorID, string(data))
	if err != nil {
		return 0, fmt.Errorf("append change: %w", err)
	}
	return res.LastInsertId()
}

// Scan decodes one change-log row.
func Scan(rows interface{ Scan(...any) error }) (feed.Change, error) {
	var (
		c    feed.Change
		ts   int64
		typ  string
		data string
	)
	if err := rows.Scan(&c.Seq, &ts, &typ, &c.Table, &c.EntityID, &c.MissionID, &c.ActorID, &data); err != nil {
		return feed.Change{}, err
	}
	c.Type = feed.ChangeType(typ)
	c.At = time.Unix(0, ts).UTC()
	var p payload
	if data != "" {
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return feed.Change{}, fmt.Errorf("decode change %d: %w", c.Seq, err)
		}
	}
	c.Mission, c.Message = p.Mission, p.Message
	return c, nil
}

// Columns matches the order Scan expects.
const Columns = `id,ts,type,entity_table,entity_id,mission_id,actor_id,payload_json`
