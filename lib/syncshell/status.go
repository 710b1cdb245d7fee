// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncshell

import (
	"time"

	"github.com/bureau-foundation/syncshell/lib/componentcache"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/orchestrator"
)

// Status summarizes one group's sync state as seen by this node.
type Status struct {
	GroupID string
	Name    string

	// Members counts ledger entries, the local peer included.
	Members int

	// Connected lists members with an established link; Authorized
	// lists those that also proved membership on that link.
	Connected  []identity.PeerID
	Authorized []identity.PeerID

	ActiveSessions    int
	CompletedSessions int
	FailedSessions    int
	AppliedStates     int
	Sessions          []orchestrator.SessionInfo

	CacheHitRate float64
	Cache        componentcache.Stats
	LastRunTime  time.Time
}

// SyncStatus reports the group's membership, links, and the node-wide
// sync counters.
func (n *Node) SyncStatus(groupID string) (*Status, error) {
	state, err := n.joinedGroup(groupID)
	if err != nil {
		return nil, err
	}

	members := state.ledger.Members()
	status := &Status{
		GroupID:    groupID,
		Name:       state.name,
		Members:    len(members),
		Authorized: n.authorizedIn(groupID),
	}
	local := n.local.ID()
	for _, entry := range members {
		if entry.PeerID != local && n.connections.IsConnected(entry.PeerID) {
			status.Connected = append(status.Connected, entry.PeerID)
		}
	}

	counters := n.orchestrator.Status()
	status.ActiveSessions = counters.ActiveSessions()
	status.CompletedSessions = counters.Completed
	status.FailedSessions = counters.Failed
	status.AppliedStates = counters.Applied
	status.Sessions = counters.Sessions
	status.CacheHitRate = counters.CacheHitRate
	status.Cache = n.cache.Stats()
	status.LastRunTime = counters.LastRun
	return status, nil
}
