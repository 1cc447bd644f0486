// This package implements an in-memory crypto store that forgets everything once dropped. Outbound group
// sessions, tracked users, backup keys, room settings and custom values are not kept: reads report absence,
// writes are discarded, and every such call is logged as a warning.
package memorystore

import (
	"context"
	"sync"

	"github.com/meow-io/go-cryptostore/config"
	"github.com/meow-io/go-cryptostore/gossiping"
	"github.com/meow-io/go-cryptostore/identities"
	"github.com/meow-io/go-cryptostore/olm"
	"github.com/meow-io/go-cryptostore/store"
	"github.com/meow-io/go-cryptostore/types"
	"go.uber.org/zap"
)

type Store struct {
	log *zap.SugaredLogger

	sessions             *store.SessionStore
	inboundGroupSessions *store.GroupSessionStore
	devices              *store.DeviceStore
	keyRequests          *store.KeyRequestIndex

	accountLock     sync.Mutex
	account         *olm.Account
	privateIdentity *olm.PrivateCrossSigningIdentity

	identitiesLock sync.RWMutex
	identities     map[string]*identities.UserIdentities

	hashesLock sync.RWMutex
	hashes     map[string]map[string]struct{}

	withheldLock sync.RWMutex
	withheld     map[string]map[string]types.RoomKeyWithheldEvent
}

var (
	_ store.CryptoStore  = (*Store)(nil)
	_ store.PartialStore = (*Store)(nil)
)

func New(c *config.Config) *Store {
	return &Store{
		log:                  c.Logger("memorystore"),
		sessions:             store.NewSessionStore(),
		inboundGroupSessions: store.NewGroupSessionStore(),
		devices:              store.NewDeviceStore(),
		keyRequests:          store.NewKeyRequestIndex(),
		identities:           make(map[string]*identities.UserIdentities),
		hashes:               make(map[string]map[string]struct{}),
		withheld:             make(map[string]map[string]types.RoomKeyWithheldEvent),
	}
}

func (s *Store) Unsupported() []store.Operation {
	return []store.Operation{
		store.OpOutboundGroupSessions,
		store.OpTrackedUsers,
		store.OpBackupKeys,
		store.OpRoomSettings,
		store.OpCustomValues,
	}
}

func (s *Store) unsupported(op string) {
	s.log.Warnw("operation not implemented by the memory store", "op", op)
}

func (s *Store) LoadAccount(_ context.Context) (*olm.Account, error) {
	s.accountLock.Lock()
	defer s.accountLock.Unlock()
	if s.account == nil {
		return nil, nil
	}
	return s.account.Clone(), nil
}

func (s *Store) SaveAccount(ctx context.Context, account *olm.Account) error {
	return s.SaveChanges(ctx, &store.Changes{Account: account})
}

func (s *Store) LoadIdentity(_ context.Context) (*olm.PrivateCrossSigningIdentity, error) {
	s.accountLock.Lock()
	defer s.accountLock.Unlock()
	if s.privateIdentity == nil {
		return nil, nil
	}
	return s.privateIdentity.Clone(), nil
}

func (s *Store) SaveChanges(ctx context.Context, changes *store.Changes) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := changes.Validate(); err != nil {
		return err
	}

	if changes.Account != nil || changes.PrivateIdentity != nil {
		s.accountLock.Lock()
		if changes.Account != nil {
			s.account = changes.Account.Clone()
		}
		if changes.PrivateIdentity != nil {
			s.privateIdentity = changes.PrivateIdentity.Clone()
		}
		s.accountLock.Unlock()
	}

	if len(changes.Sessions) != 0 {
		unlock, err := s.sessions.LockFor(ctx, changes.Sessions)
		if err != nil {
			return err
		}
		for _, session := range changes.Sessions {
			s.sessions.Add(session)
		}
		unlock()
	}
	for _, session := range changes.InboundGroupSessions {
		s.inboundGroupSessions.Add(session)
	}

	for _, d := range changes.Devices.New {
		s.devices.Add(d)
	}
	for _, d := range changes.Devices.Changed {
		s.devices.Add(d)
	}
	for _, d := range changes.Devices.Deleted {
		s.devices.Remove(d.UserID, d.DeviceID)
	}

	if len(changes.Identities.New)+len(changes.Identities.Changed) != 0 {
		s.identitiesLock.Lock()
		for _, set := range [][]*identities.UserIdentities{changes.Identities.New, changes.Identities.Changed} {
			for _, i := range set {
				s.identities[i.UserID()] = i.Clone()
			}
		}
		s.identitiesLock.Unlock()
	}

	if len(changes.MessageHashes) != 0 {
		s.hashesLock.Lock()
		for _, h := range changes.MessageHashes {
			set, ok := s.hashes[h.SenderKey]
			if !ok {
				set = make(map[string]struct{})
				s.hashes[h.SenderKey] = set
			}
			set[h.Hash] = struct{}{}
		}
		s.hashesLock.Unlock()
	}

	for _, r := range changes.KeyRequests {
		s.keyRequests.Save(r)
	}

	if len(changes.WithheldSessionInfo) != 0 {
		s.withheldLock.Lock()
		for roomID, sessions := range changes.WithheldSessionInfo {
			room, ok := s.withheld[roomID]
			if !ok {
				room = make(map[string]types.RoomKeyWithheldEvent)
				s.withheld[roomID] = room
			}
			for sessionID, event := range sessions {
				room[sessionID] = event
			}
		}
		s.withheldLock.Unlock()
	}

	if len(changes.OutboundGroupSessions) != 0 {
		s.unsupported("save outbound group sessions")
	}
	if len(changes.RoomSettings) != 0 {
		s.unsupported("save room settings")
	}
	if changes.BackupDecryptionKey != nil || changes.BackupVersion != "" {
		s.unsupported("save backup keys")
	}
	return nil
}

func (s *Store) GetSessions(_ context.Context, senderKey string) (*store.SessionList, error) {
	return s.sessions.Get(senderKey), nil
}

func (s *Store) GetInboundGroupSession(_ context.Context, roomID, sessionID string) (*olm.InboundGroupSession, error) {
	return s.inboundGroupSessions.Get(roomID, sessionID), nil
}

func (s *Store) GetInboundGroupSessions(_ context.Context) ([]*olm.InboundGroupSession, error) {
	return s.inboundGroupSessions.All(), nil
}

func (s *Store) InboundGroupSessionCounts(_ context.Context) (store.RoomKeyCounts, error) {
	return s.inboundGroupSessions.Counts(), nil
}

func (s *Store) InboundGroupSessionsForBackup(_ context.Context, limit int) ([]*olm.InboundGroupSession, error) {
	return s.inboundGroupSessions.ForBackup(limit), nil
}

func (s *Store) ResetBackupState(_ context.Context) error {
	s.inboundGroupSessions.ResetBackupState()
	return nil
}

func (s *Store) GetOutboundGroupSession(_ context.Context, _ string) (*olm.OutboundGroupSession, error) {
	s.unsupported("get outbound group session")
	return nil, nil
}

func (s *Store) LoadTrackedUsers(_ context.Context) ([]identities.TrackedUser, error) {
	s.unsupported("load tracked users")
	return nil, nil
}

func (s *Store) SaveTrackedUsers(_ context.Context, _ []identities.TrackedUser) error {
	s.unsupported("save tracked users")
	return nil
}

func (s *Store) GetDevice(_ context.Context, userID, deviceID string) (*identities.Device, error) {
	return s.devices.Get(userID, deviceID), nil
}

func (s *Store) GetUserDevices(_ context.Context, userID string) (map[string]*identities.Device, error) {
	return s.devices.UserDevices(userID), nil
}

func (s *Store) GetUserIdentity(_ context.Context, userID string) (*identities.UserIdentities, error) {
	s.identitiesLock.RLock()
	defer s.identitiesLock.RUnlock()
	i, ok := s.identities[userID]
	if !ok {
		return nil, nil
	}
	return i.Clone(), nil
}

func (s *Store) IsMessageKnown(_ context.Context, hash olm.MessageHash) (bool, error) {
	s.hashesLock.RLock()
	defer s.hashesLock.RUnlock()
	_, ok := s.hashes[hash.SenderKey][hash.Hash]
	return ok, nil
}

func (s *Store) GetOutgoingSecretRequest(_ context.Context, requestID string) (*gossiping.GossipRequest, error) {
	return s.keyRequests.Get(requestID), nil
}

func (s *Store) GetSecretRequestByInfo(_ context.Context, info gossiping.SecretInfo) (*gossiping.GossipRequest, error) {
	return s.keyRequests.GetByInfo(info), nil
}

func (s *Store) GetUnsentSecretRequests(_ context.Context) ([]*gossiping.GossipRequest, error) {
	return s.keyRequests.Unsent(), nil
}

func (s *Store) DeleteOutgoingSecretRequest(_ context.Context, requestID string) error {
	s.keyRequests.Delete(requestID)
	return nil
}

func (s *Store) LoadBackupKeys(_ context.Context) (store.BackupKeys, error) {
	s.unsupported("load backup keys")
	return store.BackupKeys{}, nil
}

func (s *Store) GetWithheldInfo(_ context.Context, roomID, sessionID string) (*types.RoomKeyWithheldEvent, error) {
	s.withheldLock.RLock()
	defer s.withheldLock.RUnlock()
	event, ok := s.withheld[roomID][sessionID]
	if !ok {
		return nil, nil
	}
	return &event, nil
}

func (s *Store) GetRoomSettings(_ context.Context, _ string) (*types.RoomSettings, error) {
	s.unsupported("get room settings")
	return nil, nil
}

func (s *Store) GetCustomValue(_ context.Context, _ string) ([]byte, error) {
	s.unsupported("get custom value")
	return nil, nil
}

func (s *Store) SetCustomValue(_ context.Context, _ string, _ []byte) error {
	s.unsupported("set custom value")
	return nil
}

func (s *Store) InsertCustomValueIfMissing(_ context.Context, _ string, _ []byte) (bool, error) {
	s.unsupported("insert custom value if missing")
	return false, nil
}

func (s *Store) RemoveCustomValue(_ context.Context, _ string) (bool, error) {
	s.unsupported("remove custom value")
	return false, nil
}

// Close is a no-op; the data lives as long as the Store value.
func (s *Store) Close() error {
	return nil
}
