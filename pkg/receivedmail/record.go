// popsync
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package receivedmail records messages received over POP3 in SQLite.
package receivedmail

import (
	"strings"
	"time"

	"src.bluestatic.org/popsync/pkg/mailmsg"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// StatusNew is the status of a record that has not been handled yet.
const StatusNew = 0

// CcSeparator joins the addresses in Record.Cc.
const CcSeparator = ";"

type Record struct {
	ID  string
	UID string

	MessageID string
	// CreatedDate is the local time the message was captured.
	CreatedDate time.Time
	// ReceiveDate is the Date header of the message; zero when absent.
	ReceiveDate time.Time
	SendBy      string
	Title       string
	Body        string
	Cc          string
	Status      int
}

// FromMessage builds the record for a message fetched with the given UID.
// The body is the first plain text part, or empty.
func FromMessage(uid string, msg *mailmsg.Message, now time.Time) Record {
	rec := Record{
		ID:          uuid.NewString(),
		UID:         uid,
		MessageID:   msg.MessageID,
		CreatedDate: now,
		ReceiveDate: msg.Date,
		SendBy:      msg.FromAddress(),
		Title:       msg.Subject,
		Cc:          JoinCc(msg.Cc),
		Status:      StatusNew,
	}
	if p := msg.FirstPlainText(); p != nil {
		rec.Body = p.Text()
	}
	return rec
}

// JoinCc joins the addresses of `addrs` with CcSeparator, skipping entries
// without an address.
func JoinCc(addrs []*mail.Address) string {
	list := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == nil || a.Address == "" {
			continue
		}
		list = append(list, a.Address)
	}
	return strings.Join(list, CcSeparator)
}
