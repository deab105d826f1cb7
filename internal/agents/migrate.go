package agents

import (
	"database/sql"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Migrate creates the local heartbeat queue schema.
func Migrate(conn *sql.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	statements := []struct {
		label string
		sql   string
	}{
		{"heartbeat_queue", `
			CREATE TABLE IF NOT EXISTS heartbeat_queue (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				collected_at TEXT    NOT NULL,
				metrics      TEXT    NOT NULL DEFAULT '{}',
				attempts     INTEGER NOT NULL DEFAULT 0,
				enqueued_at  TEXT    NOT NULL
			);`},
	}

	for _, s := range statements {
		if _, err := conn.Exec(s.sql); err != nil {
			return errors.Wrapf(err, "queue migration failed at [%s]", s.label)
		}
		logger.Debug("queue migration applied", zap.String("step", s.label))
	}
	return nil
}
