package model

import (
	"database/sql"
	"time"
)

// Event is the persisted lifecycle row of one camera event.
type Event struct {
	EventID     string          `db:"event_id"`
	Uploaded    bool            `db:"uploaded"`
	Tries       int             `db:"tries"`
	Retry       bool            `db:"retry"`
	Created     time.Time       `db:"created"`
	LastUpdated time.Time       `db:"last_updated"`
	StartTime   sql.NullFloat64 `db:"start_time"`
}
