// popsync
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package session provides an authenticated POP3 session addressed by
// message number.
package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"src.bluestatic.org/popsync/pkg/mailmsg"
	"src.bluestatic.org/popsync/pkg/pop3"
	"src.bluestatic.org/popsync/pkg/unseen"

	"go.uber.org/zap"
)

const DefaultTimeout = 30 * time.Second

type Config struct {
	// Addr is the host:port of the POP3 server. Port 110 is plain POP3 and
	// 995 is POP3 over TLS.
	Addr     string        `yaml:"addr"`
	UseTLS   bool          `yaml:"use_tls"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`

	TLSConfig *tls.Config `yaml:"-"`
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// TransportError is a failure to reach or authenticate with the server, or
// a network failure during the session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is an error reply or a reply that could not be understood.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// ErrNonContiguous is returned by MessageUIDs when the UIDL listing does not
// cover message numbers 1..N in order.
var ErrNonContiguous = errors.New("UIDL listing is not contiguous")

// Session is a POP3 session in the TRANSACTION state. It is not goroutine
// safe.
type Session struct {
	c       *pop3.Client
	nc      net.Conn
	timeout time.Duration
	log     *zap.Logger
}

var _ unseen.Session[*mailmsg.Message] = (*Session)(nil)

// Dial connects to the server described by `cfg` and logs in.
func Dial(ctx context.Context, cfg Config, log *zap.Logger) (*Session, error) {
	log = log.With(zap.String("server", cfg.Addr), zap.String("user", cfg.User))

	d := &net.Dialer{Timeout: cfg.timeout()}
	var nc net.Conn
	var err error
	if cfg.UseTLS {
		td := &tls.Dialer{NetDialer: d, Config: cfg.TLSConfig}
		nc, err = td.DialContext(ctx, "tcp", cfg.Addr)
	} else {
		nc, err = d.DialContext(ctx, "tcp", cfg.Addr)
	}
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	s := &Session{nc: nc, timeout: cfg.timeout(), log: log}
	s.extendDeadline()
	s.c, err = pop3.Connect(nc, log)
	if err != nil {
		nc.Close()
		return nil, s.fail("greeting", err)
	}

	log.Debug("Connected", zap.String("greeting", s.c.Name()))

	s.extendDeadline()
	if err := s.c.Login(cfg.User, cfg.Password); err != nil {
		s.c.Close()
		return nil, &TransportError{Op: "authenticate", Err: err}
	}
	return s, nil
}

// TestConnect logs in to the server, checks that it answers NOOP and
// disconnects.
func TestConnect(ctx context.Context, cfg Config, log *zap.Logger) error {
	s, err := Dial(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := s.Noop(); err != nil {
		s.Disconnect()
		return err
	}
	return s.Disconnect()
}

func (s *Session) Noop() error {
	s.extendDeadline()
	if err := s.c.Noop(); err != nil {
		return s.fail("NOOP", err)
	}
	return nil
}

func (s *Session) extendDeadline() {
	s.nc.SetDeadline(time.Now().Add(s.timeout))
}

func (s *Session) fail(op string, err error) error {
	var serr *pop3.ServerError
	if errors.As(err, &serr) || errors.Is(err, pop3.ErrMalformedReply) {
		return &ProtocolError{Op: op, Err: err}
	}
	return &TransportError{Op: op, Err: err}
}

// MessageCount returns the number of messages in the maildrop.
func (s *Session) MessageCount() (int, error) {
	s.extendDeadline()
	count, _, err := s.c.Stat()
	if err != nil {
		return 0, s.fail("STAT", err)
	}
	return count, nil
}

// MessageUIDs returns the UID of every message; the UID at index i belongs to
// message number i+1.
func (s *Session) MessageUIDs() ([]string, error) {
	s.extendDeadline()
	list, err := s.c.UniqueIDs()
	if err != nil {
		return nil, s.fail("UIDL", err)
	}
	uids := make([]string, len(list))
	for i, u := range list {
		if u.ID != i+1 {
			return nil, &ProtocolError{Op: "UIDL", Err: fmt.Errorf("%w: entry %d is message %d", ErrNonContiguous, i, u.ID)}
		}
		uids[i] = u.UID
	}
	return uids, nil
}

// MessageUID returns the UID of a single message.
func (s *Session) MessageUID(number int) (string, error) {
	s.extendDeadline()
	msg, err := s.c.Lookup(number)
	if err != nil {
		return "", s.fail("UIDL", err)
	}
	if msg.UniqueID() == "" {
		return "", &ProtocolError{Op: "UIDL", Err: fmt.Errorf("server did not report a UID for message %d", number)}
	}
	return msg.UniqueID(), nil
}

// FetchMessage downloads and parses a message.
func (s *Session) FetchMessage(number int) (*mailmsg.Message, error) {
	raw, err := s.read("RETR", func() (io.ReadCloser, error) {
		return s.c.Retrieve(numbered(number))
	})
	if err != nil {
		return nil, err
	}
	msg, err := mailmsg.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, &ProtocolError{Op: "RETR", Err: err}
	}
	s.log.Debug("Fetched message", zap.Int("number", number), zap.Int("size", len(raw)))
	return msg, nil
}

// FetchHeaders downloads only the header block of a message.
func (s *Session) FetchHeaders(number int) (*mailmsg.Header, error) {
	raw, err := s.read("TOP", func() (io.ReadCloser, error) {
		return s.c.Top(numbered(number), 0)
	})
	if err != nil {
		return nil, err
	}
	h, err := mailmsg.ParseHeader(bytes.NewReader(raw))
	if err != nil {
		return nil, &ProtocolError{Op: "TOP", Err: err}
	}
	return h, nil
}

func (s *Session) read(op string, open func() (io.ReadCloser, error)) ([]byte, error) {
	s.extendDeadline()
	rc, err := open()
	if err != nil {
		return nil, s.fail(op, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, s.fail(op, err)
	}
	return raw, nil
}

// DeleteMessage marks a message for deletion. The server removes it when the
// session ends with Disconnect; Reset undoes all marks.
func (s *Session) DeleteMessage(number int) error {
	s.extendDeadline()
	if err := s.c.Delete(numbered(number)); err != nil {
		return s.fail("DELE", err)
	}
	s.log.Info("Marked message for deletion", zap.Int("number", number))
	return nil
}

func (s *Session) Reset() error {
	s.extendDeadline()
	if err := s.c.ResetDeletions(); err != nil {
		return s.fail("RSET", err)
	}
	return nil
}

// Disconnect sends QUIT, committing deletions, and closes the connection.
func (s *Session) Disconnect() error {
	s.extendDeadline()
	if err := s.c.Close(); err != nil {
		return s.fail("QUIT", err)
	}
	return nil
}

// numbered is a message known only by its message number.
type numbered int

func (n numbered) UniqueID() string { return "" }
func (n numbered) ID() int          { return int(n) }
func (n numbered) Size() int        { return 0 }
func (n numbered) Deleted() bool    { return false }
