// popsync
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package pop3test provides an in-memory maildrop served over a real POP3
// connection on the loopback interface.
package pop3test

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"src.bluestatic.org/popsync/pkg/pop3"

	"go.uber.org/zap"
)

// PostOffice is a single maildrop guarded by one user/password pair.
// Deletions are expunged when a session QUITs.
type PostOffice struct {
	user, pass string

	mu        sync.Mutex
	msgs      []*stored
	failures  map[string]error
	retrieved []string
}

type stored struct {
	uid  string
	body []byte
}

func New(user, pass string) *PostOffice {
	return &PostOffice{
		user:     user,
		pass:     pass,
		failures: make(map[string]error),
	}
}

// Add appends a message to the end of the maildrop.
func (po *PostOffice) Add(uid, body string) {
	po.mu.Lock()
	defer po.mu.Unlock()
	po.msgs = append(po.msgs, &stored{uid: uid, body: []byte(body)})
}

// FailRetrieve makes every RETR of the message with `uid` fail with `err`.
func (po *PostOffice) FailRetrieve(uid string, err error) {
	po.mu.Lock()
	defer po.mu.Unlock()
	po.failures[uid] = err
}

// Retrieved returns the UIDs of all messages sent in response to RETR, in
// order. TOP does not count.
func (po *PostOffice) Retrieved() []string {
	po.mu.Lock()
	defer po.mu.Unlock()
	return append([]string(nil), po.retrieved...)
}

// UIDs returns the UIDs currently in the maildrop.
func (po *PostOffice) UIDs() []string {
	po.mu.Lock()
	defer po.mu.Unlock()
	uids := make([]string, len(po.msgs))
	for i, m := range po.msgs {
		uids[i] = m.uid
	}
	return uids
}

func (po *PostOffice) Name() string {
	return "pop3test"
}

func (po *PostOffice) OpenMailbox(user, pass string) (pop3.Mailbox, error) {
	if user != po.user || pass != po.pass {
		return nil, fmt.Errorf("permission denied")
	}
	po.mu.Lock()
	defer po.mu.Unlock()
	mb := &mailbox{po: po}
	for i, m := range po.msgs {
		mb.msgs = append(mb.msgs, &message{id: i + 1, stored: m})
	}
	return mb, nil
}

var _ pop3.Topper = (*mailbox)(nil)

type mailbox struct {
	po   *PostOffice
	msgs []*message
}

type message struct {
	*stored
	id      int
	deleted bool
}

func (m *message) UniqueID() string { return m.uid }
func (m *message) ID() int          { return m.id }
func (m *message) Size() int        { return len(m.body) }
func (m *message) Deleted() bool    { return m.deleted }

func (mb *mailbox) ListMessages() ([]pop3.Message, error) {
	msgs := make([]pop3.Message, len(mb.msgs))
	for i, m := range mb.msgs {
		msgs[i] = m
	}
	return msgs, nil
}

func (mb *mailbox) GetMessage(id int) pop3.Message {
	if id < 1 || id > len(mb.msgs) {
		return nil
	}
	return mb.msgs[id-1]
}

func (mb *mailbox) Retrieve(msg pop3.Message) (io.ReadCloser, error) {
	m := msg.(*message)
	mb.po.mu.Lock()
	defer mb.po.mu.Unlock()
	if err := mb.po.failures[m.uid]; err != nil {
		return nil, err
	}
	mb.po.retrieved = append(mb.po.retrieved, m.uid)
	return io.NopCloser(bytes.NewReader(m.body)), nil
}

// Top serves TOP from the stored body. It is neither recorded in Retrieved
// nor subject to FailRetrieve.
func (mb *mailbox) Top(msg pop3.Message, lines int) (io.ReadCloser, error) {
	m := msg.(*message)
	var buf bytes.Buffer
	pop3.WriteTop(&buf, bytes.NewReader(m.body), lines)
	return io.NopCloser(&buf), nil
}

func (mb *mailbox) Delete(msg pop3.Message) error {
	m := msg.(*message)
	if m.deleted {
		return fmt.Errorf("already deleted")
	}
	m.deleted = true
	return nil
}

func (mb *mailbox) Close() error {
	mb.po.mu.Lock()
	defer mb.po.mu.Unlock()
	gone := make(map[*stored]bool)
	for _, m := range mb.msgs {
		if m.deleted {
			gone[m.stored] = true
		}
	}
	kept := mb.po.msgs[:0]
	for _, s := range mb.po.msgs {
		if !gone[s] {
			kept = append(kept, s)
		}
	}
	mb.po.msgs = kept
	return nil
}

func (mb *mailbox) Reset() {
	for _, m := range mb.msgs {
		m.deleted = false
	}
}

// Serve runs a POP3 server for `po` on a loopback port until the returned
// listener is closed. The listener is also closed when the test ends.
func Serve(t testing.TB, po pop3.PostOffice) net.Listener {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
		return nil
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go pop3.AcceptConnection(conn, po, zap.NewNop())
		}
	}()
	return l
}
