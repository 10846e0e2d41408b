// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package state

import (
	"maps"
	"slices"

	"github.com/autobrr/qsync/internal/overlay"
)

// Peers is the swarm of a single torrent keyed by "ip:port".
type Peers struct {
	Rid       int64
	ShowFlags bool

	peers map[string]*Peer
}

func NewPeers(snapshot *PeersPayload) *Peers {
	p := &Peers{peers: make(map[string]*Peer)}
	if snapshot == nil {
		return p
	}
	p.rebuild(snapshot)
	return p
}

// Apply merges a peer diff. A full update discards the previous swarm.
func (p *Peers) Apply(diff *PeersPayload) {
	if diff == nil {
		return
	}
	if diff.FullUpdate {
		p.rebuild(diff)
		return
	}

	for _, key := range diff.PeersRemoved {
		delete(p.peers, key)
	}
	for key, patch := range diff.Peers {
		if patch == nil {
			continue
		}
		if existing, ok := p.peers[key]; ok {
			overlay.Apply(existing, patch)
			continue
		}
		peer := &Peer{}
		overlay.Apply(peer, patch)
		p.peers[key] = peer
	}
	if diff.ShowFlags != nil {
		p.ShowFlags = *diff.ShowFlags
	}
	p.Rid = diff.Rid
}

func (p *Peers) rebuild(snapshot *PeersPayload) {
	p.peers = make(map[string]*Peer, len(snapshot.Peers))
	for key, patch := range snapshot.Peers {
		if patch == nil {
			continue
		}
		peer := &Peer{}
		overlay.Apply(peer, patch)
		p.peers[key] = peer
	}
	if snapshot.ShowFlags != nil {
		p.ShowFlags = *snapshot.ShowFlags
	}
	p.Rid = snapshot.Rid
}

// Values returns the live peer map. Callers must not modify it.
func (p *Peers) Values() map[string]*Peer {
	return p.peers
}

func (p *Peers) Get(key string) (*Peer, bool) {
	peer, ok := p.peers[key]
	return peer, ok
}

func (p *Peers) Len() int {
	return len(p.peers)
}

// Keys returns the peer keys in lexical order.
func (p *Peers) Keys() []string {
	return slices.Sorted(maps.Keys(p.peers))
}
