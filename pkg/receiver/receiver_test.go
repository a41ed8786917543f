// popsync
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package receiver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"src.bluestatic.org/popsync/pkg/pop3/pop3test"
	"src.bluestatic.org/popsync/pkg/receivedmail"
	"src.bluestatic.org/popsync/pkg/session"
	"src.bluestatic.org/popsync/pkg/unseen"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func makeMessage(n int) string {
	return fmt.Sprintf("Message-ID: <msg-%d@example.com>\r\n"+
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n"+
		"From: Sender %d <sender%d@example.com>\r\n"+
		"Cc: cc1@example.com, cc2@example.com\r\n"+
		"Subject: Message %d\r\n"+
		"\r\n"+
		"Body of message %d\r\n", n, n, n, n, n)
}

const attachmentMessage = "Message-ID: <att@example.com>\r\n" +
	"From: Reports <reports@example.com>\r\n" +
	"Subject: Monthly report\r\n" +
	"Content-Type: multipart/mixed; boundary=\"xx\"\r\n" +
	"\r\n" +
	"--xx\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"see attached\r\n" +
	"--xx\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"useful.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQ=\r\n" +
	"--xx\r\n" +
	"Content-Type: text/csv\r\n" +
	"Content-Disposition: attachment; filename=\"other.csv\"\r\n" +
	"\r\n" +
	"a,b\r\n" +
	"--xx--\r\n"

func newFixture(t *testing.T, uids ...string) (*pop3test.PostOffice, *Receiver) {
	t.Helper()
	po := pop3test.New("user", "secret")
	for i, uid := range uids {
		po.Add(uid, makeMessage(i+1))
	}
	l := pop3test.Serve(t, po)
	r := New(session.Config{
		Addr:     l.Addr().String(),
		User:     "user",
		Password: "secret",
		Timeout:  5 * time.Second,
	}, zaptest.NewLogger(t))
	return po, r
}

func subjects(msgs []Fetched) []string {
	var s []string
	for _, m := range msgs {
		s = append(s, m.Message.Subject)
	}
	return s
}

func TestTestConnect(t *testing.T) {
	_, r := newFixture(t)
	require.NoError(t, r.TestConnect(context.Background()))

	r.cfg.Password = "wrong"
	err := r.TestConnect(context.Background())
	var terr *session.TransportError
	assert.ErrorAs(t, err, &terr)
}

func TestFetchAllNewestFirst(t *testing.T) {
	_, r := newFixture(t, "a", "b", "c")
	msgs, err := r.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"Message 3", "Message 2", "Message 1"}, subjects(msgs))
	assert.Equal(t, "c", msgs[0].UID)
	assert.Equal(t, 3, msgs[0].Number)
	assert.Equal(t, "a", msgs[2].UID)
	assert.Equal(t, 1, msgs[2].Number)
}

func TestFetch(t *testing.T) {
	_, r := newFixture(t, "a", "b")
	msg, err := r.Fetch(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "Message 2", msg.Subject)
	assert.Equal(t, "msg-2@example.com", msg.MessageID)

	_, err = r.Fetch(context.Background(), 3)
	var perr *session.ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestFetchUnseen(t *testing.T) {
	po, r := newFixture(t, "a", "b", "c")
	ctx := context.Background()

	seen := unseen.NewSeenSet("b")
	msgs, err := r.FetchUnseen(ctx, seen)
	require.NoError(t, err)
	assert.Equal(t, []string{"Message 1", "Message 3"}, subjects(msgs))
	assert.Equal(t, 1, msgs[0].Number)
	assert.Equal(t, "a", msgs[0].UID)
	assert.Equal(t, 3, msgs[1].Number)
	assert.Equal(t, "c", msgs[1].UID)
	assert.Equal(t, []string{"a", "b", "c"}, seen.UIDs())
	assert.Equal(t, []string{"a", "c"}, po.Retrieved())

	msgs, err = r.FetchUnseen(ctx, seen)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, []string{"a", "c"}, po.Retrieved())
}

func TestPeekUnseen(t *testing.T) {
	_, r := newFixture(t, "a", "b")
	seen := unseen.NewSeenSet("a")
	msgs, err := r.PeekUnseen(context.Background(), seen)
	require.NoError(t, err)
	assert.Equal(t, []string{"Message 2"}, subjects(msgs))
	assert.Equal(t, []string{"a"}, seen.UIDs())
}

func TestFetchUnseenPartialFailure(t *testing.T) {
	po, r := newFixture(t, "a", "b", "c")
	cause := errors.New("disk on fire")
	po.FailRetrieve("b", cause)

	seen := unseen.NewSeenSet()
	msgs, err := r.FetchUnseen(context.Background(), seen)
	require.Error(t, err)

	var ferr *unseen.FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, 2, ferr.Number)
	assert.Equal(t, "b", ferr.UID)
	var perr *session.ProtocolError
	assert.ErrorAs(t, err, &perr)

	assert.Equal(t, []string{"Message 1"}, subjects(msgs))
	assert.Equal(t, []string{"a"}, seen.UIDs())
}

func TestDelete(t *testing.T) {
	po, r := newFixture(t, "a", "b", "c")
	require.NoError(t, r.Delete(context.Background(), 2))
	assert.Equal(t, []string{"a", "c"}, po.UIDs())

	err := r.Delete(context.Background(), 9)
	var perr *session.ProtocolError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, []string{"a", "c"}, po.UIDs())
}

func TestDeleteByMessageID(t *testing.T) {
	po, r := newFixture(t, "a", "b", "c")
	ctx := context.Background()

	found, err := r.DeleteByMessageID(ctx, "<msg-2@example.com>")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"a", "c"}, po.UIDs())

	found, err = r.DeleteByMessageID(ctx, "msg-2@example.com")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, []string{"a", "c"}, po.UIDs())
	// Only headers are read while searching.
	assert.Empty(t, po.Retrieved())
}

func TestDeleteByEmptyMessageID(t *testing.T) {
	po, r := newFixture(t, "a")
	po.Add("anon", "Subject: no id\r\n\r\nbody\r\n")
	ctx := context.Background()

	for _, id := range []string{"", "<>", " < > "} {
		found, err := r.DeleteByMessageID(ctx, id)
		assert.ErrorIs(t, err, ErrEmptyMessageID, "id %q", id)
		assert.False(t, found)
	}
	assert.Equal(t, []string{"a", "anon"}, po.UIDs())
}

func TestSaveAttachments(t *testing.T) {
	po, r := newFixture(t)
	po.Add("att", attachmentMessage)
	ctx := context.Background()
	dir := t.TempDir()

	_, err := r.SaveAttachments(ctx, 1, Match{From: "someone@example.com"}, "", dir)
	assert.ErrorIs(t, err, ErrNoMatch)
	assert.Empty(t, po.Retrieved())

	paths, err := r.SaveAttachments(ctx, 1, Match{From: "reports@example.com", Subject: "Monthly report"}, "useful.pdf", dir)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "useful.pdf")}, paths)
	b, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(b))

	paths, err = r.SaveAttachments(ctx, 1, Match{}, "", dir)
	require.NoError(t, err)
	assert.Len(t, paths, 2)
}

const unsafeNameMessage = "Message-ID: <dots@example.com>\r\n" +
	"From: Reports <reports@example.com>\r\n" +
	"Subject: Dots\r\n" +
	"Content-Type: multipart/mixed; boundary=\"yy\"\r\n" +
	"\r\n" +
	"--yy\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"two files\r\n" +
	"--yy\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Disposition: attachment; filename=\"..\"\r\n" +
	"\r\n" +
	"up\r\n" +
	"--yy\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Disposition: attachment; filename=\"notes.txt\"\r\n" +
	"\r\n" +
	"notes\r\n" +
	"--yy--\r\n"

func TestSaveAttachmentsSkipsUnusableNames(t *testing.T) {
	po, r := newFixture(t)
	po.Add("dots", unsafeNameMessage)
	dir := t.TempDir()

	paths, err := r.SaveAttachments(context.Background(), 1, Match{}, "", dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "notes.txt")}, paths)
}

func TestSessionFieldsLoggedOnce(t *testing.T) {
	po := pop3test.New("user", "secret")
	po.Add("a", makeMessage(1))
	l := pop3test.Serve(t, po)

	core, logs := observer.New(zapcore.DebugLevel)
	r := New(session.Config{
		Addr:     l.Addr().String(),
		User:     "user",
		Password: "secret",
		Timeout:  5 * time.Second,
	}, zap.New(core))

	_, err := r.FetchAll(context.Background())
	require.NoError(t, err)

	require.NotZero(t, logs.Len())
	for _, e := range logs.All() {
		keys := make(map[string]int)
		for _, f := range e.Context {
			keys[f.Key]++
		}
		assert.LessOrEqual(t, keys["server"], 1, "entry %q", e.Message)
		assert.LessOrEqual(t, keys["user"], 1, "entry %q", e.Message)
	}
}

func openStore(t *testing.T) *receivedmail.Store {
	t.Helper()
	s, err := receivedmail.Open(context.Background(), filepath.Join(t.TempDir(), "mail.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReceive(t *testing.T) {
	po, r := newFixture(t, "a", "b")
	ctx := context.Background()
	store := openStore(t)

	now := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	msgs, err := r.Receive(ctx, store)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	recs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	byUID := make(map[string]receivedmail.Record)
	for _, rec := range recs {
		byUID[rec.UID] = rec
	}
	rec := byUID["a"]
	assert.Equal(t, "msg-1@example.com", rec.MessageID)
	assert.Equal(t, "sender1@example.com", rec.SendBy)
	assert.Equal(t, "Message 1", rec.Title)
	assert.Contains(t, rec.Body, "Body of message 1")
	assert.Equal(t, "cc1@example.com;cc2@example.com", rec.Cc)
	assert.Equal(t, receivedmail.StatusNew, rec.Status)
	assert.True(t, rec.CreatedDate.Equal(now))
	assert.True(t, rec.ReceiveDate.Equal(time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC)))

	po.Add("c", makeMessage(3))
	msgs, err = r.Receive(ctx, store)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", msgs[0].UID)
	assert.Equal(t, []string{"a", "b", "c"}, po.Retrieved())

	seen, err := store.SeenUIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, seen.UIDs())
}

func TestReceiveCommitsPartialProgress(t *testing.T) {
	po, r := newFixture(t, "a", "b", "c")
	po.FailRetrieve("b", errors.New("unavailable"))
	ctx := context.Background()
	store := openStore(t)

	msgs, err := r.Receive(ctx, store)
	var ferr *unseen.FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Len(t, msgs, 1)

	seen, err := store.SeenUIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, seen.UIDs())

	po.FailRetrieve("b", nil)
	msgs, err = r.Receive(ctx, store)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0].UID)
	assert.Equal(t, "c", msgs[1].UID)
}
