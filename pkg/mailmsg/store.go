// popsync
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package mailmsg

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/emersion/go-mbox"
)

// PartKind selects a body part for Extract.
type PartKind int

const (
	PlainText PartKind = iota
	HTML
	XMLDocument
)

func (k PartKind) String() string {
	switch k {
	case PlainText:
		return "plain"
	case HTML:
		return "html"
	case XMLDocument:
		return "xml"
	default:
		return fmt.Sprintf("PartKind(%d)", int(k))
	}
}

// ParsePartKind is the inverse of PartKind.String.
func ParsePartKind(s string) (PartKind, error) {
	for _, k := range []PartKind{PlainText, HTML, XMLDocument} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("Unknown part kind %q", s)
}

// ErrNoPart is returned by Extract when the message has no part of the
// requested kind.
var ErrNoPart = errors.New("No matching message part")

// Find returns the first part of the given kind, or nil.
func (m *Message) Find(kind PartKind) *Part {
	switch kind {
	case PlainText:
		return m.FirstPlainText()
	case HTML:
		return m.FirstHTML()
	case XMLDocument:
		if p := m.FirstWithMediaType("text/xml"); p != nil {
			return p
		}
		return m.FirstWithMediaType("application/xml")
	}
	return nil
}

// Extract writes the body of the first part of `kind` to `path`. XML parts
// must be well-formed.
func Extract(m *Message, kind PartKind, path string) error {
	p := m.Find(kind)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrNoPart, kind)
	}
	if kind == XMLDocument {
		if err := checkXML(p.Body); err != nil {
			return fmt.Errorf("Invalid XML part: %w", err)
		}
	}
	return os.WriteFile(path, p.Body, 0o644)
}

func checkXML(b []byte) error {
	d := xml.NewDecoder(bytes.NewReader(b))
	d.Strict = true
	root := false
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		if _, ok := tok.(xml.StartElement); ok {
			root = true
		}
	}
	if !root {
		return fmt.Errorf("no root element")
	}
	return nil
}

// Save writes the raw message to `path`.
func (m *Message) Save(path string) error {
	return os.WriteFile(path, m.Raw, 0o644)
}

// Load parses a message previously written by Save.
func Load(path string) (*Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// WriteMbox writes `msgs` to `w` in mbox format.
func WriteMbox(w io.Writer, msgs []*Message) error {
	mw := mbox.NewWriter(w)
	for i, m := range msgs {
		from := m.FromAddress()
		if from == "" {
			from = "MAILER-DAEMON"
		}
		date := m.Date
		if date.IsZero() {
			date = time.Unix(0, 0).UTC()
		}
		ew, err := mw.CreateMessage(from, date)
		if err != nil {
			return fmt.Errorf("Failed to start mbox message %d: %w", i, err)
		}
		if _, err := ew.Write(m.Raw); err != nil {
			return fmt.Errorf("Failed to write mbox message %d: %w", i, err)
		}
	}
	return mw.Close()
}

// ReadMbox parses every message in the mbox stream `r`.
func ReadMbox(r io.Reader) ([]*Message, error) {
	mr := mbox.NewReader(r)
	var msgs []*Message
	for {
		er, err := mr.NextMessage()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		m, err := Parse(er)
		if err != nil {
			return nil, fmt.Errorf("Failed to parse mbox message %d: %w", len(msgs), err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
