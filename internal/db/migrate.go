package db

import (
	"database/sql"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Migrate creates the trust engine schema. Every statement is idempotent.
func Migrate(conn *sql.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("running migration: device trust schema")

	statements := []struct {
		label string
		sql   string
	}{
		{"devices", `
			CREATE TABLE IF NOT EXISTS devices (
				id                    INTEGER PRIMARY KEY AUTOINCREMENT,
				device_uuid           TEXT    NOT NULL UNIQUE,
				hostname              TEXT    NOT NULL DEFAULT '',
				os_version            TEXT    NOT NULL DEFAULT '',
				state                 TEXT    NOT NULL DEFAULT 'unapproved',
				trust_score           REAL    NOT NULL DEFAULT 100
				                              CHECK (trust_score >= 0 AND trust_score <= 100),
				is_active             INTEGER NOT NULL DEFAULT 1,
				is_approved           INTEGER NOT NULL DEFAULT 0,
				approved_at           TEXT,
				last_seen_at          TEXT,
				credential_hash       TEXT    NOT NULL,
				credential_created_at TEXT,
				credential_rotated_at TEXT,
				requires_rotation     INTEGER NOT NULL DEFAULT 0,
				last_nonce            TEXT    NOT NULL DEFAULT '',
				version               INTEGER NOT NULL DEFAULT 1,
				created_at            TEXT    NOT NULL,
				updated_at            TEXT    NOT NULL
			);`},
		{"devices indexes", `
			CREATE INDEX IF NOT EXISTS idx_devices_state     ON devices(state);
			CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen_at);`},

		{"telemetry", `
			CREATE TABLE IF NOT EXISTS telemetry (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				device_id    INTEGER NOT NULL,
				collected_at TEXT    NOT NULL,
				received_at  TEXT    NOT NULL,
				metrics      TEXT    NOT NULL,
				sample_count INTEGER NOT NULL DEFAULT 1,
				FOREIGN KEY (device_id) REFERENCES devices(id)
			);`},
		{"telemetry indexes", `
			CREATE INDEX IF NOT EXISTS idx_telemetry_device ON telemetry(device_id, collected_at);`},

		{"sessions", `
			CREATE TABLE IF NOT EXISTS sessions (
				session_id    TEXT    PRIMARY KEY,
				user_id       INTEGER NOT NULL,
				device_id     INTEGER NOT NULL,
				ip_address    TEXT    NOT NULL DEFAULT '',
				is_active     INTEGER NOT NULL DEFAULT 1,
				created_at    TEXT    NOT NULL,
				logout_at     TEXT,
				revoke_reason TEXT    NOT NULL DEFAULT '',
				FOREIGN KEY (device_id) REFERENCES devices(id)
			);`},
		{"sessions indexes", `
			CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_id, is_active);`},

		{"audit_log", `
			CREATE TABLE IF NOT EXISTS audit_log (
				id          TEXT    PRIMARY KEY,
				action      TEXT    NOT NULL,
				device_uuid TEXT    NOT NULL DEFAULT '',
				device_id   INTEGER,
				ip_address  TEXT    NOT NULL DEFAULT '',
				risk        TEXT    NOT NULL DEFAULT 'normal',
				risk_score  REAL    NOT NULL DEFAULT 0,
				details     TEXT    NOT NULL DEFAULT '',
				changes     TEXT    NOT NULL DEFAULT '',
				created_at  TEXT    NOT NULL
			);`},
		{"audit_log indexes", `
			CREATE INDEX IF NOT EXISTS idx_audit_device ON audit_log(device_uuid, id);
			CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);`},
	}

	for _, s := range statements {
		if _, err := conn.Exec(s.sql); err != nil {
			return errors.Wrapf(err, "migration failed at [%s]", s.label)
		}
		logger.Debug("migration step applied", zap.String("step", s.label))
	}

	logger.Info("migration completed: device trust tables ready")
	return nil
}
