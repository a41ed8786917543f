// popsync
// Copyright 2020 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package pop3 speaks RFC 1939 in both directions: Client talks to a remote
// maildrop, and AcceptConnection serves a PostOffice to a remote client.
package pop3

import (
	"io"
)

// PostOffice hands out the maildrop of an authenticated user.
type PostOffice interface {
	// Name is included in the server greeting.
	Name() string
	OpenMailbox(user, pass string) (Mailbox, error)
}

// Mailbox is one user's maildrop for the duration of a session.
type Mailbox interface {
	ListMessages() ([]Message, error)
	// GetMessage returns nil if there is no message numbered `id`.
	GetMessage(id int) Message
	Retrieve(Message) (io.ReadCloser, error)
	// Delete only marks the message. Marked messages are removed by Close
	// and unmarked by Reset.
	Delete(Message) error
	Close() error
	Reset()
}

// Topper is implemented by a Mailbox that can produce the TOP form of a
// message, the header block and the first `lines` lines of the body, without
// retrieving it. Mailboxes without it serve TOP from Retrieve.
type Topper interface {
	Top(msg Message, lines int) (io.ReadCloser, error)
}

// Message is an entry of a Mailbox. ID is the message number, which starts at
// 1 and is only meaningful within one session; UniqueID is stable across
// sessions.
type Message interface {
	ID() int
	UniqueID() string
	Size() int
	Deleted() bool
}
