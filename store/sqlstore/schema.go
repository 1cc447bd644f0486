package sqlstore

import (
	"database/sql"

	"github.com/meow-io/go-cryptostore/internal/db"
)

var migrations = []*db.Migration{
	{
		Name: "create initial tables",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE account (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	data BLOB NOT NULL
);

CREATE TABLE private_identity (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	data BLOB NOT NULL
);

CREATE TABLE sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL UNIQUE,
	sender_key TEXT NOT NULL,
	data BLOB NOT NULL
);
CREATE INDEX sessions_sender_key ON sessions (sender_key, id);

CREATE TABLE inbound_group_sessions (
	room_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	backed_up INTEGER NOT NULL DEFAULT 0,
	data BLOB NOT NULL,
	PRIMARY KEY (room_id, session_id)
);
CREATE INDEX inbound_group_sessions_backed_up ON inbound_group_sessions (backed_up, room_id, session_id);

CREATE TABLE outbound_group_sessions (
	room_id TEXT PRIMARY KEY,
	data BLOB NOT NULL
);

CREATE TABLE tracked_users (
	user_id TEXT PRIMARY KEY,
	dirty INTEGER NOT NULL
);

CREATE TABLE devices (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (user_id, device_id)
);

CREATE TABLE identities (
	user_id TEXT PRIMARY KEY,
	data BLOB NOT NULL
);

CREATE TABLE olm_hashes (
	sender_key TEXT NOT NULL,
	hash TEXT NOT NULL,
	PRIMARY KEY (sender_key, hash)
);

CREATE TABLE key_requests (
	request_id TEXT PRIMARY KEY,
	info_key TEXT NOT NULL UNIQUE,
	sent_out INTEGER NOT NULL,
	data BLOB NOT NULL
);
CREATE INDEX key_requests_sent_out ON key_requests (sent_out, request_id);

CREATE TABLE withheld_sessions (
	room_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (room_id, session_id)
);

CREATE TABLE room_settings (
	room_id TEXT PRIMARY KEY,
	data BLOB NOT NULL
);

CREATE TABLE backup_keys (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	decryption_key BLOB,
	backup_version TEXT NOT NULL DEFAULT ''
);

CREATE TABLE custom_values (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`)
			return err
		},
	},
}
