// popsync
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package receiver implements the mailbox operations of popsync. Each
// operation opens its own POP3 session and closes it before returning.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"src.bluestatic.org/popsync/pkg/mailmsg"
	"src.bluestatic.org/popsync/pkg/receivedmail"
	"src.bluestatic.org/popsync/pkg/session"
	"src.bluestatic.org/popsync/pkg/unseen"

	"go.uber.org/zap"
)

// Fetched is a newly downloaded message and its UID.
type Fetched = unseen.Unseen[*mailmsg.Message]

type Receiver struct {
	cfg session.Config
	log *zap.Logger

	// now is the capture clock used for receivedmail records.
	now func() time.Time
}

func New(cfg session.Config, log *zap.Logger) *Receiver {
	return &Receiver{
		cfg: cfg,
		log: log,
		now: time.Now,
	}
}

// withSession runs `fn` in a new session. The session is always
// disconnected; a disconnect error is only reported if `fn` succeeded.
func (r *Receiver) withSession(ctx context.Context, fn func(*session.Session) error) (err error) {
	s, err := session.Dial(ctx, r.cfg, r.log)
	if err != nil {
		return err
	}
	defer func() {
		if derr := s.Disconnect(); derr != nil {
			if err == nil {
				err = derr
			} else {
				r.log.Error("Failed to disconnect", zap.Error(derr))
			}
		}
	}()
	return fn(s)
}

// TestConnect checks that the server accepts the configured credentials.
func (r *Receiver) TestConnect(ctx context.Context) error {
	return session.TestConnect(ctx, r.cfg, r.log)
}

// FetchAll downloads every message in the maildrop, newest first.
func (r *Receiver) FetchAll(ctx context.Context) ([]Fetched, error) {
	var msgs []Fetched
	err := r.withSession(ctx, func(s *session.Session) error {
		count, err := s.MessageCount()
		if err != nil {
			return err
		}
		msgs = make([]Fetched, 0, count)
		for n := count; n >= 1; n-- {
			uid, err := s.MessageUID(n)
			if err != nil {
				return err
			}
			msg, err := s.FetchMessage(n)
			if err != nil {
				return fmt.Errorf("Failed to fetch message %d: %w", n, err)
			}
			msgs = append(msgs, Fetched{Number: n, UID: uid, Message: msg})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Fetch downloads message `number`.
func (r *Receiver) Fetch(ctx context.Context, number int) (*mailmsg.Message, error) {
	var msg *mailmsg.Message
	err := r.withSession(ctx, func(s *session.Session) error {
		var err error
		msg, err = s.FetchMessage(number)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// FetchUnseen downloads the messages whose UID is not in `seen` and adds
// their UIDs to it. On error the messages fetched before the failure are
// returned as well.
func (r *Receiver) FetchUnseen(ctx context.Context, seen unseen.SeenSet) ([]Fetched, error) {
	var msgs []Fetched
	err := r.withSession(ctx, func(s *session.Session) error {
		var err error
		msgs, err = unseen.Fetch[*mailmsg.Message](s, seen)
		return err
	})
	return msgs, err
}

// PeekUnseen is like FetchUnseen but leaves `seen` unmodified.
func (r *Receiver) PeekUnseen(ctx context.Context, seen unseen.SeenSet) ([]Fetched, error) {
	var msgs []Fetched
	err := r.withSession(ctx, func(s *session.Session) error {
		var err error
		msgs, err = unseen.Peek[*mailmsg.Message](s, seen)
		return err
	})
	return msgs, err
}

// Delete removes message `number` from the server.
func (r *Receiver) Delete(ctx context.Context, number int) error {
	return r.withSession(ctx, func(s *session.Session) error {
		return s.DeleteMessage(number)
	})
}

// ErrEmptyMessageID is returned by DeleteByMessageID for an id that is empty
// once its angle brackets are removed.
var ErrEmptyMessageID = errors.New("Empty Message-ID")

// NormalizeMessageID strips surrounding space and angle brackets, the form
// Message-IDs are compared in.
func NormalizeMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// DeleteByMessageID removes the newest message whose Message-ID header is
// `id`. It reports whether a message was found.
func (r *Receiver) DeleteByMessageID(ctx context.Context, id string) (bool, error) {
	id = NormalizeMessageID(id)
	if id == "" {
		return false, ErrEmptyMessageID
	}
	found := false
	err := r.withSession(ctx, func(s *session.Session) error {
		count, err := s.MessageCount()
		if err != nil {
			return err
		}
		for n := count; n >= 1; n-- {
			h, err := s.FetchHeaders(n)
			if err != nil {
				return fmt.Errorf("Failed to read headers of message %d: %w", n, err)
			}
			if h.MessageID != id {
				continue
			}
			r.log.Info("Deleting message", zap.Int("number", n), zap.String("message-id", id))
			found = true
			return s.DeleteMessage(n)
		}
		return nil
	})
	return found, err
}

// Match selects messages by sender address and subject. Empty fields match
// anything.
type Match struct {
	From    string
	Subject string
}

func (m Match) matches(h *mailmsg.Header) bool {
	if m.From != "" && !strings.EqualFold(m.From, h.FromAddress()) {
		return false
	}
	if m.Subject != "" && m.Subject != h.Subject {
		return false
	}
	return true
}

// ErrNoMatch is returned by SaveAttachments when the message headers do not
// satisfy the Match.
var ErrNoMatch = errors.New("Message does not match")

// SaveAttachments writes the attachments of message `number` into `dir` if
// its headers satisfy `match`. Only the headers are downloaded unless they
// match. When `name` is set, only attachments with that filename are saved.
// It returns the paths written.
func (r *Receiver) SaveAttachments(ctx context.Context, number int, match Match, name, dir string) ([]string, error) {
	var paths []string
	err := r.withSession(ctx, func(s *session.Session) error {
		h, err := s.FetchHeaders(number)
		if err != nil {
			return err
		}
		if !match.matches(h) {
			return ErrNoMatch
		}
		msg, err := s.FetchMessage(number)
		if err != nil {
			return err
		}
		for _, p := range msg.Attachments() {
			if p.Filename == "" || (name != "" && p.Filename != name) {
				continue
			}
			base := filepath.Base(p.Filename)
			if base == "." || base == ".." || base == string(filepath.Separator) {
				r.log.Warn("Skipping attachment with unusable filename", zap.String("filename", p.Filename))
				continue
			}
			path := filepath.Join(dir, base)
			if err := os.WriteFile(path, p.Body, 0o644); err != nil {
				return fmt.Errorf("Failed to save attachment: %w", err)
			}
			r.log.Info("Saved attachment", zap.String("path", path))
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}

// Receive fetches the messages not yet in `store` and records them in a
// single transaction. If the fetch fails part way, the messages fetched
// before the failure are still recorded and the fetch error is returned.
func (r *Receiver) Receive(ctx context.Context, store *receivedmail.Store) ([]Fetched, error) {
	seen, err := store.SeenUIDs(ctx)
	if err != nil {
		return nil, err
	}

	msgs, fetchErr := r.FetchUnseen(ctx, seen)
	if len(msgs) > 0 {
		now := r.now()
		recs := make([]receivedmail.Record, len(msgs))
		for i, m := range msgs {
			recs[i] = receivedmail.FromMessage(m.UID, m.Message, now)
		}
		if err := store.Add(ctx, recs...); err != nil {
			return nil, errors.Join(fetchErr, fmt.Errorf("Failed to store received messages: %w", err))
		}
		r.log.Info("Stored received messages", zap.Int("count", len(recs)))
	}
	return msgs, fetchErr
}
