// Package p2p implements relay-coordinated P2P groups.
//
// A Group tracks its members and, for every pair of members, one
// ConnectionState on each side carrying a correlation id. When a member
// joins, every affected participant is told about the other side together
// with the correlation id the other side stored for it, so that clients can
// match later out-of-band P2P signaling to their own bookkeeping. With
// encryption enabled each member owns a crypto.Crypt whose key is handed out
// in join notifications.
//
// # Concurrency
//
// Each group is its own concurrency domain. A join or leave holds the group
// lock for the whole transaction: the membership table, both sides of every
// affected ConnectionState pair and the enqueueing of all notifications. No
// lock spans groups. Observer callbacks run after the lock is released.
package p2p
