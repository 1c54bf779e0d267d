// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package link

import "sync"

// Store is the single point of truth for which sessions are current: at most
// one serial and one bridge session live at any time. The store lock
// serializes session replacement only; transport I/O is serialized by each
// session's own lock, acquired after the reference is read out of the store.
type Store struct {
	mu     sync.Mutex
	serial *SerialSession
	bridge *BridgeSession
}

func NewStore() *Store {
	return &Store{}
}

// SerialSession returns the current serial session, or nil.
func (st *Store) SerialSession() *SerialSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.serial
}

// swapSerial installs a new serial session (nil to clear), evicting and
// cancelling any previous occupant. Cancellation is fire-and-forget; the
// evicted reader observes it on its next loop iteration.
func (st *Store) swapSerial(next *SerialSession) {
	st.mu.Lock()
	prev := st.serial
	st.serial = next
	st.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
}

// BridgeSession returns the current bridge session, or nil.
func (st *Store) BridgeSession() *BridgeSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.bridge
}

// swapBridge installs a new bridge session (nil to clear), closing any
// previous occupant. No graceful close handshake is required by the peer.
func (st *Store) swapBridge(next *BridgeSession) {
	st.mu.Lock()
	prev := st.bridge
	st.bridge = next
	st.mu.Unlock()

	if prev != nil {
		prev.close()
	}
}

// dropBridge clears the slot only if it still holds sess. Used by dispatch to
// self-heal after EOF without clobbering a session installed concurrently.
func (st *Store) dropBridge(sess *BridgeSession) {
	st.mu.Lock()
	if st.bridge == sess {
		st.bridge = nil
	}
	st.mu.Unlock()
	sess.close()
}
