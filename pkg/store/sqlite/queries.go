package sqlite

const (
	queryAggregateVersion = `SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`

	queryMaxPosition = `SELECT COALESCE(MAX(position), 0) FROM events`

	queryInsertEvent = `
		INSERT INTO events (position, event_id, aggregate_id, aggregate_type, event_type, version, timestamp, data, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectEventColumns = `SELECT position, event_id, aggregate_id, aggregate_type, event_type, version, timestamp, data, metadata FROM events`

	queryLoadEvents = selectEventColumns + ` WHERE aggregate_id = ? AND version > ? ORDER BY version`

	queryLoadAllEvents = selectEventColumns + ` WHERE position > ? ORDER BY position LIMIT ?`

	querySaveCheckpoint = `
		INSERT INTO projection_checkpoints (projection_name, position, last_event_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (projection_name) DO UPDATE SET
			position = excluded.position,
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at`

	queryLoadCheckpoint = `SELECT projection_name, position, last_event_id, updated_at FROM projection_checkpoints WHERE projection_name = ?`

	queryDeleteCheckpoint = `DELETE FROM projection_checkpoints WHERE projection_name = ?`
)
