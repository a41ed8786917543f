// popsync
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package unseen finds the messages on a POP3 server that a client has not
// processed yet. POP3 keeps no "read" state on the server, so the client
// remembers the unique IDs (UIDL) it has already handled in a SeenSet.
package unseen

import (
	"fmt"
	"sort"
)

// Session is the part of an authenticated mail server session that the
// synchronizer needs. The UID at index i of MessageUIDs belongs to message
// number i+1.
type Session[M any] interface {
	MessageUIDs() ([]string, error)
	FetchMessage(number int) (M, error)
}

// Unseen is a message fetched because its UID was not in the SeenSet.
type Unseen[M any] struct {
	Number  int
	UID     string
	Message M
}

// SeenSet holds the UIDs of messages that were already processed. The zero
// value is not usable; use NewSeenSet.
type SeenSet map[string]struct{}

func NewSeenSet(uids ...string) SeenSet {
	s := make(SeenSet, len(uids))
	for _, uid := range uids {
		s.Add(uid)
	}
	return s
}

func (s SeenSet) Contains(uid string) bool {
	_, ok := s[uid]
	return ok
}

func (s SeenSet) Add(uid string) {
	s[uid] = struct{}{}
}

// UIDs returns the members of the set in sorted order.
func (s SeenSet) UIDs() []string {
	uids := make([]string, 0, len(s))
	for uid := range s {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

// FetchError reports the message whose download failed. Messages before it
// were fetched successfully.
type FetchError struct {
	Number int
	UID    string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("Failed to fetch message %d (uid %q): %v", e.Number, e.UID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetch downloads every message whose UID is not in `seen`, in message number
// order, and adds each fetched UID to `seen`.
//
// On error, the messages fetched so far are returned together with the error
// and their UIDs remain in `seen`. A non-nil error always means the batch is
// incomplete.
func Fetch[M any](s Session[M], seen SeenSet) ([]Unseen[M], error) {
	return fetch(s, seen, true)
}

// Peek is like Fetch but never modifies `seen`.
func Peek[M any](s Session[M], seen SeenSet) ([]Unseen[M], error) {
	return fetch(s, seen, false)
}

func fetch[M any](s Session[M], seen SeenSet, record bool) ([]Unseen[M], error) {
	uids, err := s.MessageUIDs()
	if err != nil {
		return nil, fmt.Errorf("Failed to list message UIDs: %w", err)
	}

	// Tracks UIDs fetched by this call when `seen` must stay untouched, so a
	// UID listed twice is still fetched only once.
	fetched := make(map[string]struct{})

	var msgs []Unseen[M]
	for i, uid := range uids {
		if seen.Contains(uid) {
			continue
		}
		if _, dup := fetched[uid]; dup {
			continue
		}
		number := i + 1
		msg, err := s.FetchMessage(number)
		if err != nil {
			return msgs, &FetchError{Number: number, UID: uid, Err: err}
		}
		msgs = append(msgs, Unseen[M]{Number: number, UID: uid, Message: msg})
		fetched[uid] = struct{}{}
		if record {
			seen.Add(uid)
		}
	}
	return msgs, nil
}

// Messages returns just the messages of `us`, keeping their order.
func Messages[M any](us []Unseen[M]) []M {
	msgs := make([]M, len(us))
	for i, u := range us {
		msgs[i] = u.Message
	}
	return msgs
}
