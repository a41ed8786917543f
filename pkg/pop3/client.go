// popsync
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package pop3

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"

	"go.uber.org/zap"
)

// Client is the client side of a POP3 connection. Messages are addressed by
// number once Login succeeds. A Client is not goroutine safe.
type Client struct {
	name     string
	tp       *textproto.Conn
	log      *zap.Logger
	loggedIn bool
	deleted  map[int]struct{}
}

// UniqueID is one entry of a UIDL listing.
type UniqueID struct {
	ID  int
	UID string
}

// Connect reads the server greeting from `nc` and returns a Client that can
// open the mailbox.
func Connect(nc net.Conn, log *zap.Logger) (*Client, error) {
	log = log.With(zap.Stringer("address", nc.RemoteAddr()))
	c := &Client{
		tp:      textproto.NewConn(nc),
		log:     log,
		deleted: make(map[int]struct{}),
	}
	var err error
	c.name, err = c.readReplyLine("")
	if err != nil {
		c.tp.Close()
		return nil, fmt.Errorf("Failed to open connection: %w", err)
	}
	return c, nil
}

// Name returns the text of the server greeting.
func (c *Client) Name() string {
	return c.name
}

// Login authenticates with USER and PASS, moving the session to the
// TRANSACTION state.
func (c *Client) Login(user, pass string) error {
	if c.loggedIn {
		return fmt.Errorf("Mailbox is already open")
	}
	if _, err := c.transaction("USER %s", user); err != nil {
		return err
	}
	if _, err := c.transaction("PASS %s", pass); err != nil {
		return err
	}
	c.log.Info("Opened mailbox")
	c.loggedIn = true
	return nil
}

func (c *Client) transaction(format string, args ...any) (string, error) {
	cmd, _, _ := strings.Cut(format, " ")
	log := c.log.With(zap.String("command", cmd))
	log.Debug("Sending transaction")
	if err := c.tp.PrintfLine(format, args...); err != nil {
		log.Error("Failed to send command", zap.Error(err))
		return "", err
	}
	reply, err := c.readReplyLine(cmd)
	if err != nil {
		log.Error("Command failed", zap.Error(err))
		return reply, err
	}
	log.Debug("Command succeeded", zap.String("reply", reply))
	return reply, nil
}

func (c *Client) readReplyLine(cmd string) (string, error) {
	line, err := c.tp.ReadLine()
	if err != nil {
		return line, err
	}
	if strings.HasPrefix(line, "+OK") {
		return strings.TrimPrefix(line[3:], " "), nil
	}
	if strings.HasPrefix(line, "-ERR") {
		return "", &ServerError{Command: cmd, Message: strings.TrimPrefix(line[4:], " ")}
	}
	return "", fmt.Errorf("%w: %q", ErrMalformedReply, line)
}

// Stat returns the number of messages in the maildrop and their total size.
func (c *Client) Stat() (count, size int, err error) {
	reply, err := c.transaction("STAT")
	if err != nil {
		return 0, 0, err
	}
	if n, err := fmt.Sscanf(reply, "%d %d", &count, &size); n != 2 || err != nil {
		return 0, 0, fmt.Errorf("%w: STAT %q", ErrMalformedReply, reply)
	}
	return count, size, nil
}

// UniqueIDs returns the UIDL listing, in the order the server sent it.
func (c *Client) UniqueIDs() ([]UniqueID, error) {
	if _, err := c.transaction("UIDL"); err != nil {
		return nil, err
	}
	lines, err := c.tp.ReadDotLines()
	if err != nil {
		return nil, err
	}
	uids := make([]UniqueID, len(lines))
	for i, line := range lines {
		u, ok := parseUniqueIDLine(line)
		if !ok {
			c.log.Error("Bad server unique-id line", zap.Int("index", i), zap.String("line", line))
			return nil, fmt.Errorf("%w: UIDL %q", ErrMalformedReply, line)
		}
		uids[i] = u
	}
	return uids, nil
}

// Lookup returns the message with the given message number, using the
// single-message forms of LIST and UIDL.
func (c *Client) Lookup(id int) (Message, error) {
	reply, err := c.transaction("LIST %d", id)
	if err != nil {
		return nil, err
	}
	msg := c.parseMessageListLine(reply)
	if msg == nil {
		return nil, fmt.Errorf("%w: LIST %q", ErrMalformedReply, reply)
	}
	if msg.id != id {
		return nil, fmt.Errorf("%w: asked for message %d, got %d", ErrMalformedReply, id, msg.id)
	}

	reply, err = c.transaction("UIDL %d", id)
	var serr *ServerError
	if errors.As(err, &serr) {
		return msg, nil
	} else if err != nil {
		return nil, err
	}
	u, ok := parseUniqueIDLine(reply)
	if !ok || u.ID != id {
		return nil, fmt.Errorf("%w: UIDL %q", ErrMalformedReply, reply)
	}
	msg.uid = u.UID
	return msg, nil
}

func (c *Client) parseMessageListLine(line string) *clientMessage {
	var sid, size int
	n, err := fmt.Sscanf(line, "%d %d", &sid, &size)
	if n != 2 || err != nil {
		c.log.Error("Failed to parse message line", zap.Int("numItems", n), zap.Error(err))
		return nil
	}
	return &clientMessage{
		c:    c,
		id:   sid,
		size: size,
	}
}

func parseUniqueIDLine(line string) (UniqueID, bool) {
	var u UniqueID
	n, err := fmt.Sscanf(line, "%d %s", &u.ID, &u.UID)
	return u, n == 2 && err == nil
}

// Retrieve issues RETR for the message. The returned reader must be read or
// closed before the next command is sent.
func (c *Client) Retrieve(msg Message) (io.ReadCloser, error) {
	_, err := c.transaction("RETR %d", msg.ID())
	if err != nil {
		return nil, err
	}
	return &dotReadCloser{c.tp.DotReader()}, nil
}

// Top returns the message header and the first `lines` lines of its body.
func (c *Client) Top(msg Message, lines int) (io.ReadCloser, error) {
	_, err := c.transaction("TOP %d %d", msg.ID(), lines)
	if err != nil {
		return nil, err
	}
	return &dotReadCloser{c.tp.DotReader()}, nil
}

// Delete marks the message as deleted. The server only removes it once the
// session is closed with QUIT.
func (c *Client) Delete(msg Message) error {
	_, err := c.transaction("DELE %d", msg.ID())
	if err == nil {
		c.deleted[msg.ID()] = struct{}{}
	}
	return err
}

// Noop sends NOOP, which the server answers without side effects.
func (c *Client) Noop() error {
	_, err := c.transaction("NOOP")
	return err
}

// Close sends QUIT, which commits deletions, and closes the connection.
func (c *Client) Close() error {
	if _, err := c.transaction("QUIT"); err != nil {
		c.tp.Close()
		return err
	}
	return c.tp.Close()
}

// ResetDeletions sends RSET, unmarking every message deleted in this session.
func (c *Client) ResetDeletions() error {
	if _, err := c.transaction("RSET"); err != nil {
		return err
	}
	c.deleted = make(map[int]struct{})
	return nil
}

type dotReadCloser struct {
	r io.Reader
}

func (d *dotReadCloser) Read(p []byte) (int, error) { return d.r.Read(p) }

// Close drains the remainder of the multi-line reply so the connection stays
// in sync.
func (d *dotReadCloser) Close() error {
	_, err := io.Copy(io.Discard, d.r)
	return err
}

type clientMessage struct {
	c    *Client
	id   int
	uid  string
	size int
}

func (m *clientMessage) UniqueID() string { return m.uid }
func (m *clientMessage) ID() int          { return m.id }
func (m *clientMessage) Size() int        { return m.size }
func (m *clientMessage) Deleted() bool {
	_, deleted := m.c.deleted[m.id]
	return deleted
}
