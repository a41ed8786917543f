// popsync
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package mailmsg decodes RFC 5322 messages fetched from a POP3 server.
package mailmsg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Header holds the decoded header fields popsync cares about.
type Header struct {
	MessageID string
	Date      time.Time
	From      *mail.Address
	To        []*mail.Address
	Cc        []*mail.Address
	Subject   string
}

// FromAddress returns the bare sender address, or "" if there is none.
func (h *Header) FromAddress() string {
	if h.From == nil {
		return ""
	}
	return h.From.Address
}

// Part is a leaf body part. Body has its transfer encoding removed and text
// parts are converted to UTF-8.
type Part struct {
	MediaType  string
	Params     map[string]string
	Filename   string
	Attachment bool
	Body       []byte
}

func (p *Part) Text() string {
	return string(p.Body)
}

type Message struct {
	Header
	// Raw is the message exactly as it was read.
	Raw   []byte
	Parts []*Part
}

// Parse reads a whole message from `r`. Unknown charsets do not fail the
// parse; the affected parts keep their undecoded bytes.
func Parse(r io.Reader) (*Message, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !isTolerable(err) {
		return nil, fmt.Errorf("Failed to read message: %w", err)
	}
	defer mr.Close()

	msg := &Message{
		Header: decodeHeader(mr.Header),
		Raw:    raw,
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil && !isTolerable(err) {
			return nil, fmt.Errorf("Failed to read message part: %w", err)
		}
		if p == nil {
			continue
		}

		part, err := readPart(p)
		if err != nil {
			return nil, err
		}
		msg.Parts = append(msg.Parts, part)
	}
	return msg, nil
}

func isTolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func readPart(p *mail.Part) (*Part, error) {
	part := &Part{}
	switch h := p.Header.(type) {
	case *mail.InlineHeader:
		part.MediaType, part.Params, _ = h.ContentType()
	case *mail.AttachmentHeader:
		part.MediaType, part.Params, _ = h.ContentType()
		part.Filename, _ = h.Filename()
		part.Attachment = true
	}
	if part.MediaType == "" {
		part.MediaType = "text/plain"
	}

	body, err := io.ReadAll(p.Body)
	if err != nil {
		return nil, fmt.Errorf("Failed to read %s part: %w", part.MediaType, err)
	}
	part.Body = body
	return part, nil
}

// ParseHeader decodes a header block, such as the reply to TOP n 0.
func ParseHeader(r io.Reader) (*Header, error) {
	th, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("Failed to read header: %w", err)
	}
	h := decodeHeader(mail.Header{Header: message.Header{Header: th}})
	return &h, nil
}

// Malformed fields are left empty instead of failing the whole message.
func decodeHeader(mh mail.Header) Header {
	var h Header
	h.MessageID, _ = mh.MessageID()
	h.Date, _ = mh.Date()
	if from, err := mh.AddressList("From"); err == nil && len(from) > 0 {
		h.From = from[0]
	}
	h.To, _ = mh.AddressList("To")
	h.Cc, _ = mh.AddressList("Cc")
	subject, err := mh.Subject()
	if err != nil {
		subject = mh.Get("Subject")
	}
	h.Subject = subject
	return h
}

// FirstWithMediaType returns the first part whose media type equals
// `mediaType`, or nil.
func (m *Message) FirstWithMediaType(mediaType string) *Part {
	for _, p := range m.Parts {
		if strings.EqualFold(p.MediaType, mediaType) {
			return p
		}
	}
	return nil
}

// FirstPlainText returns the first text/plain part that is not an attachment.
func (m *Message) FirstPlainText() *Part {
	return m.firstInline("text/plain")
}

// FirstHTML returns the first text/html part that is not an attachment.
func (m *Message) FirstHTML() *Part {
	return m.firstInline("text/html")
}

func (m *Message) firstInline(mediaType string) *Part {
	for _, p := range m.Parts {
		if !p.Attachment && strings.EqualFold(p.MediaType, mediaType) {
			return p
		}
	}
	return nil
}

func (m *Message) Attachments() []*Part {
	var atts []*Part
	for _, p := range m.Parts {
		if p.Attachment {
			atts = append(atts, p)
		}
	}
	return atts
}
