// This package implements the crypto store on a badger key-value database. Entities are bencoded and, when the
// store is opened with a passphrase, sealed with XChaCha20-Poly1305 bound to their key. Each entity kind in a batch
// is written in its own transaction, retried when badger reports a conflict.
package badgerstore

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"
	"github.com/meow-io/go-cryptostore/bencode"
	"github.com/meow-io/go-cryptostore/config"
	"github.com/meow-io/go-cryptostore/crypto"
	"github.com/meow-io/go-cryptostore/gossiping"
	"github.com/meow-io/go-cryptostore/identities"
	"github.com/meow-io/go-cryptostore/olm"
	"github.com/meow-io/go-cryptostore/store"
	"github.com/meow-io/go-cryptostore/types"
	"go.uber.org/zap"
)

type Store struct {
	log      *zap.SugaredLogger
	db       *badger.DB
	dir      string
	key      []byte
	sessions *store.SessionStore
	closed   atomic.Bool
}

var _ store.CryptoStore = (*Store)(nil)

type sessionList struct {
	Sessions []*olm.Session `bencode:"sessions"`
}

// Open opens the badger database in dir. Handles opened on the same directory in one process share the database.
// With a non-empty passphrase every value is encrypted under a key derived with the salt in dir + ".salt".
func Open(_ context.Context, c *config.Config, dir, passphrase string) (*Store, error) {
	log := c.Logger("badgerstore")
	var key []byte
	if passphrase != "" {
		var err error
		if key, err = crypto.DeriveKey(passphrase, dir+".salt"); err != nil {
			return nil, store.IOError("derive key", err)
		}
	}
	db, abs, err := acquire(dir, log)
	if err != nil {
		return nil, store.IOError("open", err)
	}
	return &Store{log: log, db: db, dir: abs, key: key, sessions: store.NewSessionStore()}, nil
}

func (s *Store) seal(k, plaintext []byte) ([]byte, error) {
	if s.key == nil {
		return plaintext, nil
	}
	return crypto.Seal(s.key, plaintext, k)
}

func (s *Store) open(k, value []byte) ([]byte, error) {
	if s.key == nil {
		return value, nil
	}
	return crypto.Open(s.key, value, k)
}

func (s *Store) put(txn *badger.Txn, k []byte, v interface{}) error {
	b, err := bencode.Serialize(v)
	if err != nil {
		return store.EncodingError("encode", err)
	}
	sealed, err := s.seal(k, b)
	if err != nil {
		return store.EncodingError("seal", err)
	}
	return txn.Set(k, sealed)
}

func (s *Store) decode(k, value []byte, v interface{}) error {
	b, err := s.open(k, value)
	if err != nil {
		return store.EncodingError("open", err)
	}
	if err := bencode.Deserialize(b, v); err != nil {
		return store.EncodingError("decode", err)
	}
	return nil
}

// get decodes the value at k into v and reports whether it was present.
func (s *Store) get(txn *badger.Txn, k []byte, v interface{}) (bool, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return false, err
	}
	return true, s.decode(k, value, v)
}

func (s *Store) scan(txn *badger.Txn, prefix []byte, fn func(k, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) view(ctx context.Context, label string, fn func(txn *badger.Txn) error) error {
	if s.closed.Load() {
		return store.PreconditionError(label, store.ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return store.IOError(label, s.db.View(fn))
}

// update runs fn in a read-write transaction, running it again on a fresh transaction after a conflict.
func (s *Store) update(ctx context.Context, label string, fn func(txn *badger.Txn) error) error {
	if s.closed.Load() {
		return store.PreconditionError(label, store.ErrClosed)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			s.log.Debugf("retrying %s after conflict", label)
			continue
		}
		return store.IOError(label, err)
	}
}

func getOne[T any](ctx context.Context, s *Store, label string, k []byte) (*T, error) {
	var out *T
	err := s.view(ctx, label, func(txn *badger.Txn) error {
		v := new(T)
		ok, err := s.get(txn, k, v)
		if ok && err == nil {
			out = v
		}
		return err
	})
	return out, err
}

func getAll[T any](ctx context.Context, s *Store, label string, prefix []byte) ([]*T, error) {
	var out []*T
	err := s.view(ctx, label, func(txn *badger.Txn) error {
		return s.scan(txn, prefix, func(k, value []byte) error {
			v := new(T)
			if err := s.decode(k, value, v); err != nil {
				return err
			}
			out = append(out, v)
			return nil
		})
	})
	return out, err
}

func (s *Store) LoadAccount(ctx context.Context) (*olm.Account, error) {
	return getOne[olm.Account](ctx, s, "load account", keyAccount)
}

func (s *Store) SaveAccount(ctx context.Context, account *olm.Account) error {
	return s.SaveChanges(ctx, &store.Changes{Account: account})
}

func (s *Store) LoadIdentity(ctx context.Context) (*olm.PrivateCrossSigningIdentity, error) {
	return getOne[olm.PrivateCrossSigningIdentity](ctx, s, "load identity", keyPrivateIdentity)
}

func (s *Store) SaveChanges(ctx context.Context, changes *store.Changes) error {
	if err := changes.Validate(); err != nil {
		return err
	}

	if changes.Account != nil || changes.PrivateIdentity != nil {
		if err := s.update(ctx, "save account", func(txn *badger.Txn) error {
			if changes.Account != nil {
				if err := s.put(txn, keyAccount, changes.Account); err != nil {
					return err
				}
			}
			if changes.PrivateIdentity != nil {
				return s.put(txn, keyPrivateIdentity, changes.PrivateIdentity)
			}
			return nil
		}); err != nil {
			return err
		}
	}

	if len(changes.Sessions) != 0 {
		if err := s.saveSessionChanges(ctx, changes.Sessions); err != nil {
			return err
		}
	}

	steps := []struct {
		label string
		want  bool
		fn    func(txn *badger.Txn) error
	}{
		{"save inbound group sessions", len(changes.InboundGroupSessions) != 0, func(txn *badger.Txn) error {
			for _, session := range changes.InboundGroupSessions {
				if err := s.put(txn, key(prefixInbound, session.RoomID, session.SessionID), session); err != nil {
					return err
				}
			}
			return nil
		}},
		{"save outbound group sessions", len(changes.OutboundGroupSessions) != 0, func(txn *badger.Txn) error {
			for _, session := range changes.OutboundGroupSessions {
				if err := s.put(txn, key(prefixOutbound, session.RoomID), session); err != nil {
					return err
				}
			}
			return nil
		}},
		{"save devices", len(changes.Devices.New)+len(changes.Devices.Changed)+len(changes.Devices.Deleted) != 0, func(txn *badger.Txn) error {
			for _, set := range [][]*identities.Device{changes.Devices.New, changes.Devices.Changed} {
				for _, d := range set {
					if err := s.put(txn, key(prefixDevice, d.UserID, d.DeviceID), d); err != nil {
						return err
					}
				}
			}
			for _, d := range changes.Devices.Deleted {
				if err := txn.Delete(key(prefixDevice, d.UserID, d.DeviceID)); err != nil {
					return err
				}
			}
			return nil
		}},
		{"save identities", len(changes.Identities.New)+len(changes.Identities.Changed) != 0, func(txn *badger.Txn) error {
			for _, set := range [][]*identities.UserIdentities{changes.Identities.New, changes.Identities.Changed} {
				for _, i := range set {
					if err := s.put(txn, key(prefixIdentity, i.UserID()), i); err != nil {
						return err
					}
				}
			}
			return nil
		}},
		{"save message hashes", len(changes.MessageHashes) != 0, func(txn *badger.Txn) error {
			for _, h := range changes.MessageHashes {
				if err := txn.Set(key(prefixHash, h.SenderKey, h.Hash), nil); err != nil {
					return err
				}
			}
			return nil
		}},
		{"save key requests", len(changes.KeyRequests) != 0, func(txn *badger.Txn) error {
			for _, r := range changes.KeyRequests {
				if err := s.saveKeyRequest(txn, r); err != nil {
					return err
				}
			}
			return nil
		}},
		{"save withheld info", len(changes.WithheldSessionInfo) != 0, func(txn *badger.Txn) error {
			for roomID, sessions := range changes.WithheldSessionInfo {
				for sessionID, event := range sessions {
					if err := s.put(txn, key(prefixWithheld, roomID, sessionID), &event); err != nil {
						return err
					}
				}
			}
			return nil
		}},
		{"save room settings", len(changes.RoomSettings) != 0, func(txn *badger.Txn) error {
			for roomID, settings := range changes.RoomSettings {
				if err := s.put(txn, key(prefixRoomSettings, roomID), &settings); err != nil {
					return err
				}
			}
			return nil
		}},
		{"save backup keys", changes.BackupDecryptionKey != nil || changes.BackupVersion != "", func(txn *badger.Txn) error {
			keys := &store.BackupKeys{}
			if _, err := s.get(txn, keyBackupKeys, keys); err != nil {
				return err
			}
			if changes.BackupDecryptionKey != nil {
				keys.DecryptionKey = changes.BackupDecryptionKey
			}
			if changes.BackupVersion != "" {
				keys.BackupVersion = changes.BackupVersion
			}
			return s.put(txn, keyBackupKeys, keys)
		}},
	}
	for _, step := range steps {
		if !step.want {
			continue
		}
		if err := s.update(ctx, step.label, step.fn); err != nil {
			return err
		}
	}
	return nil
}

// saveSessionChanges holds the lists of the sender keys involved until the committed sessions are in them.
func (s *Store) saveSessionChanges(ctx context.Context, sessions []*olm.Session) error {
	unlock, err := s.sessions.LockFor(ctx, sessions)
	if err != nil {
		return err
	}
	defer unlock()
	if err := s.update(ctx, "save sessions", func(txn *badger.Txn) error {
		return s.saveSessions(txn, sessions)
	}); err != nil {
		return err
	}
	for _, session := range sessions {
		s.sessions.Add(session)
	}
	return nil
}

func (s *Store) saveSessions(txn *badger.Txn, sessions []*olm.Session) error {
	lists := make(map[string]*sessionList)
	var order []string
	for _, session := range sessions {
		list, ok := lists[session.SenderKey]
		if !ok {
			list = &sessionList{}
			if _, err := s.get(txn, key(prefixSessions, session.SenderKey), list); err != nil {
				return err
			}
			lists[session.SenderKey] = list
			order = append(order, session.SenderKey)
		}
		replaced := false
		for i, existing := range list.Sessions {
			if existing.SessionID == session.SessionID {
				list.Sessions[i] = session
				replaced = true
				break
			}
		}
		if !replaced {
			list.Sessions = append(list.Sessions, session)
		}
	}
	for _, senderKey := range order {
		if err := s.put(txn, key(prefixSessions, senderKey), lists[senderKey]); err != nil {
			return err
		}
	}
	return nil
}

// saveKeyRequest writes both index entries of r, dropping any other request that held the same descriptor.
func (s *Store) saveKeyRequest(txn *badger.Txn, r *gossiping.GossipRequest) error {
	infoKey := key(prefixRequestInfo, gossiping.KeyInfoString(r.Info))
	previous := &gossiping.GossipRequest{}
	ok, err := s.get(txn, key(prefixRequest, r.RequestID), previous)
	if err != nil {
		return err
	}
	if ok {
		if previousInfo := key(prefixRequestInfo, gossiping.KeyInfoString(previous.Info)); string(previousInfo) != string(infoKey) {
			if err := txn.Delete(previousInfo); err != nil {
				return err
			}
		}
	}

	var holder []byte
	item, err := txn.Get(infoKey)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return err
	default:
		if holder, err = item.ValueCopy(nil); err != nil {
			return err
		}
	}
	if holder != nil && string(holder) != r.RequestID {
		if err := txn.Delete(key(prefixRequest, string(holder))); err != nil {
			return err
		}
	}

	if err := s.put(txn, key(prefixRequest, r.RequestID), r); err != nil {
		return err
	}
	return txn.Set(infoKey, []byte(r.RequestID))
}

func (s *Store) GetSessions(ctx context.Context, senderKey string) (*store.SessionList, error) {
	if s.closed.Load() {
		return nil, store.PreconditionError("get sessions", store.ErrClosed)
	}
	return s.sessions.Load(ctx, senderKey, func(ctx context.Context) ([]*olm.Session, error) {
		list := &sessionList{}
		err := s.view(ctx, "load sessions", func(txn *badger.Txn) error {
			_, err := s.get(txn, key(prefixSessions, senderKey), list)
			return err
		})
		return list.Sessions, err
	})
}

func (s *Store) GetInboundGroupSession(ctx context.Context, roomID, sessionID string) (*olm.InboundGroupSession, error) {
	return getOne[olm.InboundGroupSession](ctx, s, "get inbound group session", key(prefixInbound, roomID, sessionID))
}

// GetInboundGroupSessions returns the sessions in key order, which is room id then session id.
func (s *Store) GetInboundGroupSessions(ctx context.Context) ([]*olm.InboundGroupSession, error) {
	return getAll[olm.InboundGroupSession](ctx, s, "get inbound group sessions", scanPrefix(prefixInbound))
}

func (s *Store) InboundGroupSessionCounts(ctx context.Context) (store.RoomKeyCounts, error) {
	sessions, err := s.GetInboundGroupSessions(ctx)
	if err != nil {
		return store.RoomKeyCounts{}, err
	}
	counts := store.RoomKeyCounts{Total: len(sessions)}
	for _, session := range sessions {
		if session.BackedUp {
			counts.BackedUp++
		}
	}
	return counts, nil
}

func (s *Store) InboundGroupSessionsForBackup(ctx context.Context, limit int) ([]*olm.InboundGroupSession, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []*olm.InboundGroupSession
	errLimit := errors.New("limit reached")
	err := s.view(ctx, "inbound group sessions for backup", func(txn *badger.Txn) error {
		err := s.scan(txn, scanPrefix(prefixInbound), func(k, value []byte) error {
			if len(out) >= limit {
				return errLimit
			}
			session := &olm.InboundGroupSession{}
			if err := s.decode(k, value, session); err != nil {
				return err
			}
			if !session.BackedUp {
				out = append(out, session)
			}
			return nil
		})
		if errors.Is(err, errLimit) {
			return nil
		}
		return err
	})
	return out, err
}

func (s *Store) ResetBackupState(ctx context.Context) error {
	return s.update(ctx, "reset backup state", func(txn *badger.Txn) error {
		var backedUp []*olm.InboundGroupSession
		if err := s.scan(txn, scanPrefix(prefixInbound), func(k, value []byte) error {
			session := &olm.InboundGroupSession{}
			if err := s.decode(k, value, session); err != nil {
				return err
			}
			if session.BackedUp {
				backedUp = append(backedUp, session)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, session := range backedUp {
			session.ResetBackupState()
			if err := s.put(txn, key(prefixInbound, session.RoomID, session.SessionID), session); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetOutboundGroupSession(ctx context.Context, roomID string) (*olm.OutboundGroupSession, error) {
	return getOne[olm.OutboundGroupSession](ctx, s, "get outbound group session", key(prefixOutbound, roomID))
}

func (s *Store) LoadTrackedUsers(ctx context.Context) ([]identities.TrackedUser, error) {
	users, err := getAll[identities.TrackedUser](ctx, s, "load tracked users", scanPrefix(prefixTracked))
	if err != nil {
		return nil, err
	}
	out := make([]identities.TrackedUser, 0, len(users))
	for _, u := range users {
		out = append(out, *u)
	}
	return out, nil
}

func (s *Store) SaveTrackedUsers(ctx context.Context, users []identities.TrackedUser) error {
	if len(users) == 0 {
		return nil
	}
	return s.update(ctx, "save tracked users", func(txn *badger.Txn) error {
		for _, u := range users {
			if err := s.put(txn, key(prefixTracked, u.UserID), &u); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetDevice(ctx context.Context, userID, deviceID string) (*identities.Device, error) {
	return getOne[identities.Device](ctx, s, "get device", key(prefixDevice, userID, deviceID))
}

func (s *Store) GetUserDevices(ctx context.Context, userID string) (map[string]*identities.Device, error) {
	devices, err := getAll[identities.Device](ctx, s, "get user devices", scanPrefix(prefixDevice, userID))
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
	return getOne[identities.UserIdentities](ctx, s, "get user identity", key(prefixIdentity, userID))
}

func (s *Store) IsMessageKnown(ctx context.Context, hash olm.MessageHash) (bool, error) {
	var known bool
	err := s.view(ctx, "is message known", func(txn *badger.Txn) error {
		_, err := txn.Get(key(prefixHash, hash.SenderKey, hash.Hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		known = err == nil
		return err
	})
	return known, err
}

func (s *Store) GetOutgoingSecretRequest(ctx context.Context, requestID string) (*gossiping.GossipRequest, error) {
	return getOne[gossiping.GossipRequest](ctx, s, "get outgoing secret request", key(prefixRequest, requestID))
}

func (s *Store) GetSecretRequestByInfo(ctx context.Context, info gossiping.SecretInfo) (*gossiping.GossipRequest, error) {
	var out *gossiping.GossipRequest
	err := s.view(ctx, "get secret request by info", func(txn *badger.Txn) error {
		item, err := txn.Get(key(prefixRequestInfo, gossiping.KeyInfoString(info)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		requestID, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		r := &gossiping.GossipRequest{}
		ok, err := s.get(txn, key(prefixRequest, string(requestID)), r)
		if ok && err == nil {
			out = r
		}
		return err
	})
	return out, err
}

// GetUnsentSecretRequests returns the unsent requests ordered by request id.
func (s *Store) GetUnsentSecretRequests(ctx context.Context) ([]*gossiping.GossipRequest, error) {
	requests, err := getAll[gossiping.GossipRequest](ctx, s, "get unsent secret requests", scanPrefix(prefixRequest))
	if err != nil {
		return nil, err
	}
	out := make([]*gossiping.GossipRequest, 0, len(requests))
	for _, r := range requests {
		if !r.SentOut {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) DeleteOutgoingSecretRequest(ctx context.Context, requestID string) error {
	return s.update(ctx, "delete outgoing secret request", func(txn *badger.Txn) error {
		r := &gossiping.GossipRequest{}
		ok, err := s.get(txn, key(prefixRequest, requestID), r)
		if err != nil || !ok {
			return err
		}
		if err := txn.Delete(key(prefixRequestInfo, gossiping.KeyInfoString(r.Info))); err != nil {
			return err
		}
		return txn.Delete(key(prefixRequest, requestID))
	})
}

func (s *Store) LoadBackupKeys(ctx context.Context) (store.BackupKeys, error) {
	keys, err := getOne[store.BackupKeys](ctx, s, "load backup keys", keyBackupKeys)
	if err != nil || keys == nil {
		return store.BackupKeys{}, err
	}
	return *keys, nil
}

func (s *Store) GetWithheldInfo(ctx context.Context, roomID, sessionID string) (*types.RoomKeyWithheldEvent, error) {
	return getOne[types.RoomKeyWithheldEvent](ctx, s, "get withheld info", key(prefixWithheld, roomID, sessionID))
}

func (s *Store) GetRoomSettings(ctx context.Context, roomID string) (*types.RoomSettings, error) {
	return getOne[types.RoomSettings](ctx, s, "get room settings", key(prefixRoomSettings, roomID))
}

func (s *Store) getCustomValue(txn *badger.Txn, k []byte) ([]byte, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	plain, err := s.open(k, value)
	if err != nil {
		return nil, store.EncodingError("open", err)
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}

func (s *Store) GetCustomValue(ctx context.Context, k string) ([]byte, error) {
	var out []byte
	err := s.view(ctx, "get custom value", func(txn *badger.Txn) error {
		var err error
		out, err = s.getCustomValue(txn, key(prefixCustomValue, k))
		return err
	})
	return out, err
}

func (s *Store) setCustomValue(txn *badger.Txn, k, value []byte) error {
	sealed, err := s.seal(k, value)
	if err != nil {
		return store.EncodingError("seal", err)
	}
	return txn.Set(k, sealed)
}

func (s *Store) SetCustomValue(ctx context.Context, k string, value []byte) error {
	return s.update(ctx, "set custom value", func(txn *badger.Txn) error {
		return s.setCustomValue(txn, key(prefixCustomValue, k), value)
	})
}

func (s *Store) InsertCustomValueIfMissing(ctx context.Context, k string, value []byte) (bool, error) {
	var inserted bool
	err := s.update(ctx, "insert custom value if missing", func(txn *badger.Txn) error {
		inserted = false
		ck := key(prefixCustomValue, k)
		existing, err := s.getCustomValue(txn, ck)
		if err != nil || existing != nil {
			return err
		}
		if err := s.setCustomValue(txn, ck, value); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *Store) RemoveCustomValue(ctx context.Context, k string) (bool, error) {
	var removed bool
	err := s.update(ctx, "remove custom value", func(txn *badger.Txn) error {
		removed = false
		ck := key(prefixCustomValue, k)
		_, err := txn.Get(ck)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		removed = true
		return txn.Delete(ck)
	})
	return removed, err
}

// Close releases this handle. The database closes once every handle on its directory is closed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return store.IOError("close", release(s.dir))
}
