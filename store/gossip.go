package store

import (
	"sort"
	"sync"

	"github.com/meow-io/go-cryptostore/gossiping"
)

// KeyRequestIndex keeps outgoing requests reachable by request id and by descriptor. Both maps change under one
// lock so a request is never reachable by only one of them.
type KeyRequestIndex struct {
	mu     sync.RWMutex
	byID   map[string]*gossiping.GossipRequest
	byInfo map[string]string
}

func NewKeyRequestIndex() *KeyRequestIndex {
	return &KeyRequestIndex{
		byID:   make(map[string]*gossiping.GossipRequest),
		byInfo: make(map[string]string),
	}
}

// Save stores a copy of r. A different request already indexed under the same descriptor is dropped, as is the
// old descriptor entry of r if its descriptor changed.
func (x *KeyRequestIndex) Save(r *gossiping.GossipRequest) {
	x.mu.Lock()
	defer x.mu.Unlock()
	info := gossiping.KeyInfoString(r.Info)
	if prev, ok := x.byID[r.RequestID]; ok {
		if prevInfo := gossiping.KeyInfoString(prev.Info); prevInfo != info {
			delete(x.byInfo, prevInfo)
		}
	}
	if other, ok := x.byInfo[info]; ok && other != r.RequestID {
		delete(x.byID, other)
	}
	x.byID[r.RequestID] = r.Clone()
	x.byInfo[info] = r.RequestID
}

func (x *KeyRequestIndex) Get(requestID string) *gossiping.GossipRequest {
	x.mu.RLock()
	defer x.mu.RUnlock()
	r, ok := x.byID[requestID]
	if !ok {
		return nil
	}
	return r.Clone()
}

func (x *KeyRequestIndex) GetByInfo(info gossiping.SecretInfo) *gossiping.GossipRequest {
	x.mu.RLock()
	defer x.mu.RUnlock()
	id, ok := x.byInfo[gossiping.KeyInfoString(info)]
	if !ok {
		return nil
	}
	return x.byID[id].Clone()
}

// Unsent returns the requests not yet sent out, ordered by request id.
func (x *KeyRequestIndex) Unsent() []*gossiping.GossipRequest {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []*gossiping.GossipRequest
	for _, r := range x.byID {
		if !r.SentOut {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}

// Delete removes a request from both indexes and reports whether it existed.
func (x *KeyRequestIndex) Delete(requestID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	r, ok := x.byID[requestID]
	if !ok {
		return false
	}
	delete(x.byID, requestID)
	info := gossiping.KeyInfoString(r.Info)
	if x.byInfo[info] == requestID {
		delete(x.byInfo, info)
	}
	return true
}
