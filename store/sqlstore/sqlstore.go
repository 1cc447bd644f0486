// This package implements the crypto store on an encrypted SQLite database. Every entity is bencoded into a BLOB
// column next to the few columns it is queried by. Several Store values may be opened on the same file; they share
// the data and serialize their writes through SQLite's write lock.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-cryptostore/bencode"
	"github.com/meow-io/go-cryptostore/config"
	"github.com/meow-io/go-cryptostore/crypto"
	"github.com/meow-io/go-cryptostore/gossiping"
	"github.com/meow-io/go-cryptostore/identities"
	"github.com/meow-io/go-cryptostore/internal/db"
	"github.com/meow-io/go-cryptostore/olm"
	"github.com/meow-io/go-cryptostore/store"
	"github.com/meow-io/go-cryptostore/types"
	"go.uber.org/zap"
)

type Store struct {
	log      *zap.SugaredLogger
	db       *db.Database
	sessions *store.SessionStore
	closed   atomic.Bool
}

var _ store.CryptoStore = (*Store)(nil)

// Open opens the database at path, creating it if needed. The database key is derived from passphrase with a salt
// kept next to the database in path + ".salt".
func Open(ctx context.Context, c *config.Config, path, passphrase string) (*Store, error) {
	log := c.Logger("sqlstore")
	key, err := crypto.DeriveKey(passphrase, path+".salt")
	if err != nil {
		return nil, store.IOError("derive key", err)
	}

	d, err := db.NewDatabase(c, path)
	if err != nil {
		return nil, store.IOError("open", err)
	}
	if !d.Initialized() {
		log.Debugf("creating database at %s", path)
		if err := d.Initialize(key); err != nil {
			return nil, store.IOError("initialize", err)
		}
	}
	if err := d.Open(key); err != nil {
		return nil, store.IOError("open", err)
	}
	if err := d.Migrate(ctx, "cryptostore", migrations); err != nil {
		_ = d.Shutdown()
		return nil, store.IOError("migrate", err)
	}
	return &Store{log: log, db: d, sessions: store.NewSessionStore()}, nil
}

func (s *Store) write(ctx context.Context, label string, fn func(tx *sqlx.Tx) error) error {
	if s.closed.Load() {
		return store.PreconditionError(label, store.ErrClosed)
	}
	return store.IOError(label, s.db.Run(ctx, label, func() error {
		return fn(s.db.Tx)
	}))
}

func (s *Store) read(ctx context.Context, label string, fn func(tx *sqlx.Tx) error) error {
	if s.closed.Load() {
		return store.PreconditionError(label, store.ErrClosed)
	}
	return store.IOError(label, s.db.RunReadOnly(ctx, label, func() error {
		return fn(s.db.Tx)
	}))
}

func encode(v interface{}) ([]byte, error) {
	b, err := bencode.Serialize(v)
	if err != nil {
		return nil, store.EncodingError("encode", err)
	}
	return b, nil
}

func decode(b []byte, v interface{}) error {
	if err := bencode.Deserialize(b, v); err != nil {
		return store.EncodingError("decode", err)
	}
	return nil
}

// getOne decodes the single BLOB selected by query, or returns nil if no row matches.
func getOne[T any](ctx context.Context, s *Store, label, query string, args ...interface{}) (*T, error) {
	var out *T
	err := s.read(ctx, label, func(tx *sqlx.Tx) error {
		var data []byte
		if err := tx.Get(&data, query, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		v := new(T)
		if err := decode(data, v); err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func getAll[T any](tx *sqlx.Tx, query string, args ...interface{}) ([]*T, error) {
	var rows [][]byte
	if err := tx.Select(&rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(rows))
	for _, data := range rows {
		v := new(T)
		if err := decode(data, v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func execEncoded(tx *sqlx.Tx, query string, v interface{}, args ...interface{}) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	_, err = tx.Exec(query, append(args, data)...)
	return err
}

func (s *Store) LoadAccount(ctx context.Context) (*olm.Account, error) {
	return getOne[olm.Account](ctx, s, "load account", "SELECT data FROM account WHERE id = 0")
}

func (s *Store) SaveAccount(ctx context.Context, account *olm.Account) error {
	return s.SaveChanges(ctx, &store.Changes{Account: account})
}

func (s *Store) LoadIdentity(ctx context.Context) (*olm.PrivateCrossSigningIdentity, error) {
	return getOne[olm.PrivateCrossSigningIdentity](ctx, s, "load identity", "SELECT data FROM private_identity WHERE id = 0")
}

func (s *Store) SaveChanges(ctx context.Context, changes *store.Changes) error {
	if err := changes.Validate(); err != nil {
		return err
	}
	if changes.IsEmpty() {
		return nil
	}
	unlock, err := s.sessions.LockFor(ctx, changes.Sessions)
	if err != nil {
		return err
	}
	defer unlock()
	if err := s.write(ctx, "save changes", func(tx *sqlx.Tx) error {
		if err := saveChanges(tx, changes); err != nil {
			return err
		}
		s.db.AfterCommit(func() {
			s.log.Debugf("saved %d sessions, %d group sessions, %d devices, %d key requests",
				len(changes.Sessions), len(changes.InboundGroupSessions),
				len(changes.Devices.New)+len(changes.Devices.Changed)+len(changes.Devices.Deleted),
				len(changes.KeyRequests))
		})
		return nil
	}); err != nil {
		return err
	}
	for _, session := range changes.Sessions {
		s.sessions.Add(session)
	}
	return nil
}

func saveChanges(tx *sqlx.Tx, changes *store.Changes) error {
	if changes.Account != nil {
		if err := execEncoded(tx, "INSERT INTO account (id, data) VALUES (0, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data", changes.Account); err != nil {
			return err
		}
	}
	if changes.PrivateIdentity != nil {
		if err := execEncoded(tx, "INSERT INTO private_identity (id, data) VALUES (0, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data", changes.PrivateIdentity); err != nil {
			return err
		}
	}

	for _, session := range changes.Sessions {
		if err := execEncoded(tx, `INSERT INTO sessions (session_id, sender_key, data) VALUES (?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET sender_key = excluded.sender_key, data = excluded.data`,
			session, session.SessionID, session.SenderKey); err != nil {
			return err
		}
	}
	for _, session := range changes.InboundGroupSessions {
		if err := execEncoded(tx, `INSERT INTO inbound_group_sessions (room_id, session_id, backed_up, data) VALUES (?, ?, ?, ?)
			ON CONFLICT(room_id, session_id) DO UPDATE SET backed_up = excluded.backed_up, data = excluded.data`,
			session, session.RoomID, session.SessionID, session.BackedUp); err != nil {
			return err
		}
	}
	for _, session := range changes.OutboundGroupSessions {
		if err := execEncoded(tx, "INSERT INTO outbound_group_sessions (room_id, data) VALUES (?, ?) ON CONFLICT(room_id) DO UPDATE SET data = excluded.data",
			session, session.RoomID); err != nil {
			return err
		}
	}

	for _, set := range [][]*identities.Device{changes.Devices.New, changes.Devices.Changed} {
		for _, d := range set {
			if err := execEncoded(tx, "INSERT INTO devices (user_id, device_id, data) VALUES (?, ?, ?) ON CONFLICT(user_id, device_id) DO UPDATE SET data = excluded.data",
				d, d.UserID, d.DeviceID); err != nil {
				return err
			}
		}
	}
	for _, d := range changes.Devices.Deleted {
		if _, err := tx.Exec("DELETE FROM devices WHERE user_id = ? AND device_id = ?", d.UserID, d.DeviceID); err != nil {
			return err
		}
	}

	for _, set := range [][]*identities.UserIdentities{changes.Identities.New, changes.Identities.Changed} {
		for _, i := range set {
			if err := execEncoded(tx, "INSERT INTO identities (user_id, data) VALUES (?, ?) ON CONFLICT(user_id) DO UPDATE SET data = excluded.data",
				i, i.UserID()); err != nil {
				return err
			}
		}
	}

	for _, h := range changes.MessageHashes {
		if _, err := tx.Exec("INSERT OR IGNORE INTO olm_hashes (sender_key, hash) VALUES (?, ?)", h.SenderKey, h.Hash); err != nil {
			return err
		}
	}

	for _, r := range changes.KeyRequests {
		infoKey := gossiping.KeyInfoString(r.Info)
		if _, err := tx.Exec("DELETE FROM key_requests WHERE info_key = ? AND request_id != ?", infoKey, r.RequestID); err != nil {
			return err
		}
		if err := execEncoded(tx, `INSERT INTO key_requests (request_id, info_key, sent_out, data) VALUES (?, ?, ?, ?)
			ON CONFLICT(request_id) DO UPDATE SET info_key = excluded.info_key, sent_out = excluded.sent_out, data = excluded.data`,
			r, r.RequestID, infoKey, r.SentOut); err != nil {
			return err
		}
	}

	for roomID, sessions := range changes.WithheldSessionInfo {
		for sessionID, event := range sessions {
			if err := execEncoded(tx, "INSERT INTO withheld_sessions (room_id, session_id, data) VALUES (?, ?, ?) ON CONFLICT(room_id, session_id) DO UPDATE SET data = excluded.data",
				&event, roomID, sessionID); err != nil {
				return err
			}
		}
	}
	for roomID, settings := range changes.RoomSettings {
		if err := execEncoded(tx, "INSERT INTO room_settings (room_id, data) VALUES (?, ?) ON CONFLICT(room_id) DO UPDATE SET data = excluded.data",
			&settings, roomID); err != nil {
			return err
		}
	}

	if changes.BackupDecryptionKey != nil || changes.BackupVersion != "" {
		if _, err := tx.Exec(`INSERT INTO backup_keys (id, decryption_key, backup_version) VALUES (0, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				decryption_key = coalesce(excluded.decryption_key, decryption_key),
				backup_version = CASE WHEN excluded.backup_version = '' THEN backup_version ELSE excluded.backup_version END`,
			changes.BackupDecryptionKey, changes.BackupVersion); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetSessions(ctx context.Context, senderKey string) (*store.SessionList, error) {
	if s.closed.Load() {
		return nil, store.PreconditionError("get sessions", store.ErrClosed)
	}
	return s.sessions.Load(ctx, senderKey, func(ctx context.Context) ([]*olm.Session, error) {
		var sessions []*olm.Session
		err := s.read(ctx, "load sessions", func(tx *sqlx.Tx) error {
			var err error
			sessions, err = getAll[olm.Session](tx, "SELECT data FROM sessions WHERE sender_key = ? ORDER BY id", senderKey)
			return err
		})
		return sessions, err
	})
}

type groupSessionRow struct {
	BackedUp bool   `db:"backed_up"`
	Data     []byte `db:"data"`
}

func selectGroupSessions(tx *sqlx.Tx, query string, args ...interface{}) ([]*olm.InboundGroupSession, error) {
	var rows []groupSessionRow
	if err := tx.Select(&rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*olm.InboundGroupSession, 0, len(rows))
	for _, row := range rows {
		session := &olm.InboundGroupSession{}
		if err := decode(row.Data, session); err != nil {
			return nil, err
		}
		// the column is authoritative: ResetBackupState only rewrites it
		session.BackedUp = row.BackedUp
		out = append(out, session)
	}
	return out, nil
}

func (s *Store) GetInboundGroupSession(ctx context.Context, roomID, sessionID string) (*olm.InboundGroupSession, error) {
	var out *olm.InboundGroupSession
	err := s.read(ctx, "get inbound group session", func(tx *sqlx.Tx) error {
		sessions, err := selectGroupSessions(tx, "SELECT backed_up, data FROM inbound_group_sessions WHERE room_id = ? AND session_id = ?", roomID, sessionID)
		if err == nil && len(sessions) == 1 {
			out = sessions[0]
		}
		return err
	})
	return out, err
}

func (s *Store) GetInboundGroupSessions(ctx context.Context) ([]*olm.InboundGroupSession, error) {
	var out []*olm.InboundGroupSession
	err := s.read(ctx, "get inbound group sessions", func(tx *sqlx.Tx) error {
		var err error
		out, err = selectGroupSessions(tx, "SELECT backed_up, data FROM inbound_group_sessions ORDER BY room_id, session_id")
		return err
	})
	return out, err
}

func (s *Store) InboundGroupSessionCounts(ctx context.Context) (store.RoomKeyCounts, error) {
	var counts struct {
		Total    int `db:"total"`
		BackedUp int `db:"backed_up"`
	}
	err := s.read(ctx, "count inbound group sessions", func(tx *sqlx.Tx) error {
		return tx.Get(&counts, "SELECT count(*) AS total, coalesce(sum(backed_up), 0) AS backed_up FROM inbound_group_sessions")
	})
	return store.RoomKeyCounts{Total: counts.Total, BackedUp: counts.BackedUp}, err
}

// InboundGroupSessionsForBackup returns nothing for a limit below one; SQLite would read a negative LIMIT as none.
func (s *Store) InboundGroupSessionsForBackup(ctx context.Context, limit int) ([]*olm.InboundGroupSession, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []*olm.InboundGroupSession
	err := s.read(ctx, "inbound group sessions for backup", func(tx *sqlx.Tx) error {
		var err error
		out, err = selectGroupSessions(tx, "SELECT backed_up, data FROM inbound_group_sessions WHERE backed_up = 0 ORDER BY room_id, session_id LIMIT ?", limit)
		return err
	})
	return out, err
}

func (s *Store) ResetBackupState(ctx context.Context) error {
	return s.write(ctx, "reset backup state", func(tx *sqlx.Tx) error {
		_, err := tx.Exec("UPDATE inbound_group_sessions SET backed_up = 0 WHERE backed_up != 0")
		return err
	})
}

func (s *Store) GetOutboundGroupSession(ctx context.Context, roomID string) (*olm.OutboundGroupSession, error) {
	return getOne[olm.OutboundGroupSession](ctx, s, "get outbound group session", "SELECT data FROM outbound_group_sessions WHERE room_id = ?", roomID)
}

func (s *Store) LoadTrackedUsers(ctx context.Context) ([]identities.TrackedUser, error) {
	var rows []struct {
		UserID string `db:"user_id"`
		Dirty  bool   `db:"dirty"`
	}
	err := s.read(ctx, "load tracked users", func(tx *sqlx.Tx) error {
		return tx.Select(&rows, "SELECT user_id, dirty FROM tracked_users ORDER BY user_id")
	})
	if err != nil {
		return nil, err
	}
	out := make([]identities.TrackedUser, 0, len(rows))
	for _, row := range rows {
		out = append(out, identities.TrackedUser{UserID: row.UserID, Dirty: row.Dirty})
	}
	return out, nil
}

func (s *Store) SaveTrackedUsers(ctx context.Context, users []identities.TrackedUser) error {
	if len(users) == 0 {
		return nil
	}
	return s.write(ctx, "save tracked users", func(tx *sqlx.Tx) error {
		for _, u := range users {
			if _, err := tx.Exec("INSERT INTO tracked_users (user_id, dirty) VALUES (?, ?) ON CONFLICT(user_id) DO UPDATE SET dirty = excluded.dirty",
				u.UserID, u.Dirty); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetDevice(ctx context.Context, userID, deviceID string) (*identities.Device, error) {
	return getOne[identities.Device](ctx, s, "get device", "SELECT data FROM devices WHERE user_id = ? AND device_id = ?", userID, deviceID)
}

func (s *Store) GetUserDevices(ctx context.Context, userID string) (map[string]*identities.Device, error) {
	var devices []*identities.Device
	err := s.read(ctx, "get user devices", func(tx *sqlx.Tx) error {
		var err error
		devices, err = getAll[identities.Device](tx, "SELECT data FROM devices WHERE user_id = ?", userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*identities.Device, len(devices))
	for _, d := range devices {
		out[d.DeviceID] = d
	}
	return out, nil
}

func (s *Store) GetUserIdentity(ctx context.Context, userID string) (*identities.UserIdentities, error) {
	return getOne[identities.UserIdentities](ctx, s, "get user identity", "SELECT data FROM identities WHERE user_id = ?", userID)
}

func (s *Store) IsMessageKnown(ctx context.Context, hash olm.MessageHash) (bool, error) {
	var n int
	err := s.read(ctx, "is message known", func(tx *sqlx.Tx) error {
		return tx.Get(&n, "SELECT count(*) FROM olm_hashes WHERE sender_key = ? AND hash = ?", hash.SenderKey, hash.Hash)
	})
	return n > 0, err
}

func (s *Store) GetOutgoingSecretRequest(ctx context.Context, requestID string) (*gossiping.GossipRequest, error) {
	return getOne[gossiping.GossipRequest](ctx, s, "get outgoing secret request", "SELECT data FROM key_requests WHERE request_id = ?", requestID)
}

func (s *Store) GetSecretRequestByInfo(ctx context.Context, info gossiping.SecretInfo) (*gossiping.GossipRequest, error) {
	return getOne[gossiping.GossipRequest](ctx, s, "get secret request by info", "SELECT data FROM key_requests WHERE info_key = ?", gossiping.KeyInfoString(info))
}

func (s *Store) GetUnsentSecretRequests(ctx context.Context) ([]*gossiping.GossipRequest, error) {
	var out []*gossiping.GossipRequest
	err := s.read(ctx, "get unsent secret requests", func(tx *sqlx.Tx) error {
		var err error
		out, err = getAll[gossiping.GossipRequest](tx, "SELECT data FROM key_requests WHERE sent_out = 0 ORDER BY request_id")
		return err
	})
	return out, err
}

func (s *Store) DeleteOutgoingSecretRequest(ctx context.Context, requestID string) error {
	return s.write(ctx, "delete outgoing secret request", func(tx *sqlx.Tx) error {
		_, err := tx.Exec("DELETE FROM key_requests WHERE request_id = ?", requestID)
		return err
	})
}

func (s *Store) LoadBackupKeys(ctx context.Context) (store.BackupKeys, error) {
	var row struct {
		DecryptionKey []byte `db:"decryption_key"`
		BackupVersion string `db:"backup_version"`
	}
	err := s.read(ctx, "load backup keys", func(tx *sqlx.Tx) error {
		if err := tx.Get(&row, "SELECT decryption_key, backup_version FROM backup_keys WHERE id = 0"); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return nil
	})
	return store.BackupKeys{DecryptionKey: row.DecryptionKey, BackupVersion: row.BackupVersion}, err
}

func (s *Store) GetWithheldInfo(ctx context.Context, roomID, sessionID string) (*types.RoomKeyWithheldEvent, error) {
	return getOne[types.RoomKeyWithheldEvent](ctx, s, "get withheld info", "SELECT data FROM withheld_sessions WHERE room_id = ? AND session_id = ?", roomID, sessionID)
}

func (s *Store) GetRoomSettings(ctx context.Context, roomID string) (*types.RoomSettings, error) {
	return getOne[types.RoomSettings](ctx, s, "get room settings", "SELECT data FROM room_settings WHERE room_id = ?", roomID)
}

func (s *Store) GetCustomValue(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.read(ctx, "get custom value", func(tx *sqlx.Tx) error {
		if err := tx.Get(&value, "SELECT value FROM custom_values WHERE key = ?", key); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		value = nonNull(value)
		return nil
	})
	return value, err
}

// nonNull keeps an empty value from binding as NULL.
func nonNull(value []byte) []byte {
	if value == nil {
		return []byte{}
	}
	return value
}

func (s *Store) SetCustomValue(ctx context.Context, key string, value []byte) error {
	value = nonNull(value)
	return s.write(ctx, "set custom value", func(tx *sqlx.Tx) error {
		_, err := tx.Exec("INSERT INTO custom_values (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", key, value)
		return err
	})
}

func (s *Store) InsertCustomValueIfMissing(ctx context.Context, key string, value []byte) (bool, error) {
	value = nonNull(value)
	var inserted bool
	err := s.write(ctx, "insert custom value if missing", func(tx *sqlx.Tx) error {
		res, err := tx.Exec("INSERT INTO custom_values (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING", key, value)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		inserted = n == 1
		return err
	})
	return inserted, err
}

func (s *Store) RemoveCustomValue(ctx context.Context, key string) (bool, error) {
	var removed bool
	err := s.write(ctx, "remove custom value", func(tx *sqlx.Tx) error {
		res, err := tx.Exec("DELETE FROM custom_values WHERE key = ?", key)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	return removed, err
}

// Close closes the underlying database. Later calls return an error matching store.ErrPrecondition.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return store.IOError("close", s.db.Shutdown())
}
