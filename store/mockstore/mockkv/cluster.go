// Copyright 2025 Ekjot Singh
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package mockkv

import (
	"bytes"
	"sync"

	"github.com/pingcap/kvproto/pkg/metapb"
)

// Cluster simulates a kv cluster. It focuses on management and the change of
// meta data. A Cluster mainly includes following 3 kinds of meta data:
//  1. Region: A Region is a fragment of the cluster's data whose range is
//     [start, end). The data of a Region is duplicated to multiple Peers and
//     distributed in multiple Stores.
//  2. Peer: A Peer is a replica of a Region's data. All peers of a Region form
//     a group, each group elects a Leader to provide services.
//  3. Store: A Store is a storage/service node. Try to think it as a server
//     process. Only the store with request's Region's leader Peer could
//     respond to client's request.
type Cluster struct {
	sync.RWMutex
	id      uint64
	stores  map[uint64]*mockStore
	regions map[uint64]*mockRegion
}

// NewCluster creates an empty cluster. It needs to be bootstrapped before
// providing service.
func NewCluster() *Cluster {
	return &Cluster{
		stores:  make(map[uint64]*mockStore),
		regions: make(map[uint64]*mockRegion),
	}
}

// AllocID creates an unique ID in cluster. The ID could be used as either
// StoreID, RegionID, or PeerID.
func (c *Cluster) AllocID() uint64 {
	c.Lock()
	defer c.Unlock()

	return c.allocID()
}

// AllocIDs creates multiple IDs.
func (c *Cluster) AllocIDs(n int) []uint64 {
	c.Lock()
	defer c.Unlock()

	var ids []uint64
	for len(ids) < n {
		ids = append(ids, c.allocID())
	}
	return ids
}

func (c *Cluster) allocID() uint64 {
	c.id++
	return c.id
}

// GetStore returns a Store's meta.
func (c *Cluster) GetStore(storeID uint64) *metapb.Store {
	c.RLock()
	defer c.RUnlock()

	if store := c.stores[storeID]; store != nil {
		return cloneStore(store.meta)
	}
	return nil
}

// GetStoreByAddr returns a Store's meta by an addr.
func (c *Cluster) GetStoreByAddr(addr string) *metapb.Store {
	c.RLock()
	defer c.RUnlock()

	for _, s := range c.stores {
		if s.meta.GetAddress() == addr {
			return cloneStore(s.meta)
		}
	}
	return nil
}

// GetAllStores returns all Stores' meta.
func (c *Cluster) GetAllStores() []*metapb.Store {
	c.RLock()
	defer c.RUnlock()

	stores := make([]*metapb.Store, 0, len(c.stores))
	for _, store := range c.stores {
		stores = append(stores, cloneStore(store.meta))
	}
	return stores
}

// AddStore adds a new Store to the cluster.
func (c *Cluster) AddStore(storeID uint64, addr string) {
	c.Lock()
	defer c.Unlock()

	c.stores[storeID] = newMockStore(storeID, addr)
}

// RemoveStore removes a Store from the cluster.
func (c *Cluster) RemoveStore(storeID uint64) {
	c.Lock()
	defer c.Unlock()

	delete(c.stores, storeID)
}

// UpdateStoreAddr updates a Store's address.
func (c *Cluster) UpdateStoreAddr(storeID uint64, addr string) {
	c.Lock()
	defer c.Unlock()

	c.stores[storeID] = newMockStore(storeID, addr)
}

// GetRegion returns a Region's meta and leader ID.
func (c *Cluster) GetRegion(regionID uint64) (*metapb.Region, uint64) {
	c.RLock()
	defer c.RUnlock()

	r := c.regions[regionID]
	if r == nil {
		return nil, 0
	}
	return cloneRegion(r.meta), r.leader
}

// GetRegionByKey returns the Region and its leader whose range contains the key.
func (c *Cluster) GetRegionByKey(key []byte) (*metapb.Region, *metapb.Peer) {
	c.RLock()
	defer c.RUnlock()

	for _, r := range c.regions {
		if regionContains(r.meta.StartKey, r.meta.EndKey, key) {
			return cloneRegion(r.meta), clonePeer(r.leaderPeer())
		}
	}
	return nil, nil
}

// GetPrevRegionByKey returns the previous Region and its leader whose range
// ends with the key.
func (c *Cluster) GetPrevRegionByKey(key []byte) (*metapb.Region, *metapb.Peer) {
	c.RLock()
	defer c.RUnlock()

	for _, r := range c.regions {
		if len(r.meta.EndKey) > 0 && bytes.Equal(r.meta.EndKey, key) {
			return cloneRegion(r.meta), clonePeer(r.leaderPeer())
		}
	}
	for _, r := range c.regions {
		if regionContains(r.meta.StartKey, r.meta.EndKey, key) && !bytes.Equal(r.meta.StartKey, key) {
			return cloneRegion(r.meta), clonePeer(r.leaderPeer())
		}
	}
	return nil, nil
}

// GetRegionByID returns the Region and its leader whose ID is regionID.
func (c *Cluster) GetRegionByID(regionID uint64) (*metapb.Region, *metapb.Peer) {
	c.RLock()
	defer c.RUnlock()

	r := c.regions[regionID]
	if r == nil {
		return nil, nil
	}
	return cloneRegion(r.meta), clonePeer(r.leaderPeer())
}

// Bootstrap creates the first Region. The Stores should be in the Cluster
// before bootstrap.
func (c *Cluster) Bootstrap(regionID uint64, storeIDs, peerIDs []uint64, leaderPeerID uint64) {
	c.Lock()
	defer c.Unlock()

	if len(storeIDs) != len(peerIDs) {
		panic("len(storeIDs) != len(peerIDs)")
	}
	c.regions[regionID] = newMockRegion(regionID, storeIDs, peerIDs, leaderPeerID)
}

// AddPeer adds a new Peer for the Region on the Store.
func (c *Cluster) AddPeer(regionID, storeID, peerID uint64) {
	c.Lock()
	defer c.Unlock()

	c.regions[regionID].addPeer(peerID, storeID)
}

// RemovePeer removes the Peer from the Region. Note that if the Peer is leader,
// the Region will have no leader before calling ChangeLeader().
func (c *Cluster) RemovePeer(regionID, storeID uint64) {
	c.Lock()
	defer c.Unlock()

	c.regions[regionID].removePeer(storeID)
}

// ChangeLeader sets the Region's leader Peer. Caller should guarantee the Peer
// exists.
func (c *Cluster) ChangeLeader(regionID, leaderPeerID uint64) {
	c.Lock()
	defer c.Unlock()

	c.regions[regionID].changeLeader(leaderPeerID)
}

// GiveUpLeader sets the Region's leader to 0. The Region will have no leader
// before calling ChangeLeader().
func (c *Cluster) GiveUpLeader(regionID uint64) {
	c.ChangeLeader(regionID, 0)
}

// Split splits a Region at the key and creates new Region.
func (c *Cluster) Split(regionID, newRegionID uint64, key []byte, peerIDs []uint64, leaderPeerID uint64) {
	c.SplitRaw(regionID, newRegionID, key, peerIDs, leaderPeerID)
}

// SplitRaw splits a Region at the key (not encoded) and creates new Region.
func (c *Cluster) SplitRaw(regionID, newRegionID uint64, rawKey []byte, peerIDs []uint64, leaderPeerID uint64) {
	c.Lock()
	defer c.Unlock()

	newRegion := c.regions[regionID].split(newRegionID, rawKey, peerIDs, leaderPeerID)
	c.regions[newRegionID] = newRegion
}

// Merge merges 2 regions, their key ranges should be adjacent.
func (c *Cluster) Merge(regionID1, regionID2 uint64) {
	c.Lock()
	defer c.Unlock()

	c.regions[regionID1].merge(c.regions[regionID2].meta.GetEndKey())
	delete(c.regions, regionID2)
}

func regionContains(startKey, endKey, key []byte) bool {
	return bytes.Compare(startKey, key) <= 0 &&
		(bytes.Compare(key, endKey) < 0 || len(endKey) == 0)
}

// mockStore is the Store's meta data.
type mockStore struct {
	meta *metapb.Store
}

func newMockStore(storeID uint64, addr string) *mockStore {
	return &mockStore{
		meta: &metapb.Store{
			Id:      storeID,
			Address: addr,
		},
	}
}

// mockRegion is the Region meta data.
type mockRegion struct {
	meta   *metapb.Region
	leader uint64
}

func newMockRegion(regionID uint64, storeIDs, peerIDs []uint64, leaderPeerID uint64) *mockRegion {
	peers := make([]*metapb.Peer, 0, len(storeIDs))
	for i := range storeIDs {
		peers = append(peers, newPeerMeta(peerIDs[i], storeIDs[i]))
	}
	meta := &metapb.Region{
		Id:          regionID,
		Peers:       peers,
		RegionEpoch: &metapb.RegionEpoch{},
	}
	return &mockRegion{
		meta:   meta,
		leader: leaderPeerID,
	}
}

func newPeerMeta(peerID, storeID uint64) *metapb.Peer {
	return &metapb.Peer{
		Id:      peerID,
		StoreId: storeID,
	}
}

func (r *mockRegion) addPeer(peerID, storeID uint64) {
	r.meta.Peers = append(r.meta.Peers, newPeerMeta(peerID, storeID))
	r.incConfVer()
}

func (r *mockRegion) removePeer(storeID uint64) {
	for i, peer := range r.meta.Peers {
		if peer.GetStoreId() == storeID {
			r.meta.Peers = append(r.meta.Peers[:i], r.meta.Peers[i+1:]...)
			break
		}
	}
	r.incConfVer()
}

func (r *mockRegion) changeLeader(leaderPeerID uint64) {
	r.leader = leaderPeerID
}

func (r *mockRegion) leaderPeer() *metapb.Peer {
	for _, p := range r.meta.Peers {
		if p.GetId() == r.leader {
			return p
		}
	}
	return nil
}

func (r *mockRegion) split(newRegionID uint64, key []byte, peerIDs []uint64, leaderPeerID uint64) *mockRegion {
	if len(r.meta.Peers) != len(peerIDs) {
		panic("len(r.meta.Peers) != len(peerIDs)")
	}
	storeIDs := make([]uint64, 0, len(r.meta.Peers))
	for _, peer := range r.meta.Peers {
		storeIDs = append(storeIDs, peer.GetStoreId())
	}
	newRegion := newMockRegion(newRegionID, storeIDs, peerIDs, leaderPeerID)
	newRegion.meta.StartKey = key
	newRegion.meta.EndKey = r.meta.EndKey
	newRegion.incVersion()

	r.meta.EndKey = key
	r.incVersion()
	return newRegion
}

func (r *mockRegion) merge(endKey []byte) {
	r.meta.EndKey = endKey
	r.incVersion()
}

func (r *mockRegion) incConfVer() {
	r.meta.RegionEpoch = &metapb.RegionEpoch{
		ConfVer: r.meta.GetRegionEpoch().GetConfVer() + 1,
		Version: r.meta.GetRegionEpoch().GetVersion(),
	}
}

func (r *mockRegion) incVersion() {
	r.meta.RegionEpoch = &metapb.RegionEpoch{
		ConfVer: r.meta.GetRegionEpoch().GetConfVer(),
		Version: r.meta.GetRegionEpoch().GetVersion() + 1,
	}
}

func cloneStore(s *metapb.Store) *metapb.Store {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func clonePeer(p *metapb.Peer) *metapb.Peer {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func cloneRegion(r *metapb.Region) *metapb.Region {
	if r == nil {
		return nil
	}
	c := *r
	if r.RegionEpoch != nil {
		e := *r.RegionEpoch
		c.RegionEpoch = &e
	}
	c.Peers = make([]*metapb.Peer, 0, len(r.Peers))
	for _, p := range r.Peers {
		c.Peers = append(c.Peers, clonePeer(p))
	}
	return &c
}
