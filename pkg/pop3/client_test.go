// popsync
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package pop3_test

import (
	"errors"
	"io"
	"net"
	"testing"

	"src.bluestatic.org/popsync/pkg/pop3"
	"src.bluestatic.org/popsync/pkg/pop3/pop3test"

	"go.uber.org/zap/zaptest"
)

func connect(t *testing.T, po *pop3test.PostOffice) *pop3.Client {
	l := pop3test.Serve(t, po)
	nc, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	c, err := pop3.Connect(nc, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func login(t *testing.T, po *pop3test.PostOffice) *pop3.Client {
	c := connect(t, po)
	if err := c.Login("u", "p"); err != nil {
		t.Fatal(err)
	}
	return c
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	b, err := io.ReadAll(rc)
	ok(t, err)
	ok(t, rc.Close())
	return string(b)
}

func TestClientListing(t *testing.T) {
	po := newPostOffice()
	po.Add("alpha", sized(120))
	po.Add("beta", sized(200))

	c := connect(t, po)
	if want, got := "POP3 (popsync) server pop3test", c.Name(); want != got {
		t.Errorf("Expected greeting %q, got %q", want, got)
	}
	ok(t, c.Login("u", "p"))

	count, size, err := c.Stat()
	ok(t, err)
	if count != 2 || size != 320 {
		t.Errorf("Expected STAT 2 320, got %d %d", count, size)
	}

	expect := []struct {
		id   int
		uid  string
		size int
	}{
		{1, "alpha", 120},
		{2, "beta", 200},
	}
	for _, e := range expect {
		m, err := c.Lookup(e.id)
		if err != nil {
			t.Fatal(err)
		}
		if m.ID() != e.id || m.UniqueID() != e.uid || m.Size() != e.size || m.Deleted() {
			t.Errorf("Message %d: expected %v, got %d %q %d deleted=%t", e.id, e, m.ID(), m.UniqueID(), m.Size(), m.Deleted())
		}
	}

	ok(t, c.Noop())
	ok(t, c.Close())
}

func TestClientUniqueIDsAndLookup(t *testing.T) {
	po := newPostOffice()
	po.Add("u-1", "a")
	po.Add("u-2", "bb")
	po.Add("u-3", "ccc")

	c := login(t, po)

	uids, err := c.UniqueIDs()
	ok(t, err)
	want := []pop3.UniqueID{{ID: 1, UID: "u-1"}, {ID: 2, UID: "u-2"}, {ID: 3, UID: "u-3"}}
	if len(uids) != len(want) {
		t.Fatalf("Expected %v, got %v", want, uids)
	}
	for i := range want {
		if want[i] != uids[i] {
			t.Errorf("UIDL entry %d: expected %v, got %v", i, want[i], uids[i])
		}
	}

	msg, err := c.Lookup(3)
	ok(t, err)
	if msg.ID() != 3 || msg.UniqueID() != "u-3" || msg.Size() != 3 {
		t.Errorf("Unexpected message %d %q %d", msg.ID(), msg.UniqueID(), msg.Size())
	}

	_, err = c.Lookup(4)
	var serr *pop3.ServerError
	if !errors.As(err, &serr) || serr.Command != "LIST" {
		t.Errorf("Expected a LIST ServerError, got %v", err)
	}

	ok(t, c.Close())
}

func TestClientRetrieve(t *testing.T) {
	body := "This is a test message.\n" +
		"<html>It contains HTML</html>\n" +
		"\n" +
		"and ------\n" +
		"---.\n" +
		".\n" +
		"..two dots\n" +
		"Boundary items\n"

	po := newPostOffice()
	po.Add("m", body)
	c := login(t, po)

	msg, err := c.Lookup(1)
	ok(t, err)
	rc, err := c.Retrieve(msg)
	ok(t, err)
	if got := readAll(t, rc); got != body {
		t.Errorf("Expected body %q, got %q", body, got)
	}

	// The connection must still be usable after a multi-line reply.
	ok(t, c.Noop())
	ok(t, c.Close())
}

func TestClientTopThenCommand(t *testing.T) {
	po := newPostOffice()
	po.Add("m", "Subject: one\r\n\r\nbody line 1\r\nbody line 2\r\n")
	c := login(t, po)

	msg, err := c.Lookup(1)
	ok(t, err)

	rc, err := c.Top(msg, 0)
	ok(t, err)
	// Closing without reading drains the reply.
	ok(t, rc.Close())

	rc, err = c.Top(msg, 1)
	ok(t, err)
	if want, got := "Subject: one\n\nbody line 1\n", readAll(t, rc); want != got {
		t.Errorf("Expected TOP %q, got %q", want, got)
	}

	ok(t, c.Noop())
	ok(t, c.Close())
}

func TestClientAuthErrors(t *testing.T) {
	c := connect(t, newPostOffice())

	err := c.Login("bad", "p")
	var serr *pop3.ServerError
	if !errors.As(err, &serr) || serr.Command != "PASS" {
		t.Errorf("Expected a PASS ServerError, got %v", err)
	}

	if err := c.Login("u", "bad"); err == nil {
		t.Errorf("Expected error for bad password")
	}

	ok(t, c.Login("u", "p"))

	if err := c.Login("u", "p"); err == nil {
		t.Errorf("Shouldn't log in twice")
	}
	ok(t, c.Close())
}

func TestClientDeleteAndReset(t *testing.T) {
	po := newPostOffice()
	po.Add("keep", "hello world")
	po.Add("drop", "goodbye")
	c := login(t, po)

	if _, err := c.Lookup(100); err == nil {
		t.Errorf("Should have failed to look up message 100")
	}

	msg, err := c.Lookup(1)
	ok(t, err)
	if msg.Deleted() {
		t.Errorf("Expected message to not be marked as deleted")
	}

	ok(t, c.Delete(msg))
	if !msg.Deleted() {
		t.Errorf("Expected message to be marked as deleted")
	}
	if rc, err := c.Retrieve(msg); rc != nil || err == nil {
		t.Errorf("Expected error retrieving deleted message, got %v", err)
	}
	if _, err := c.Lookup(1); err == nil {
		t.Errorf("Shouldn't look up deleted message")
	}

	ok(t, c.ResetDeletions())
	if msg.Deleted() {
		t.Errorf("Expected message to not be marked as deleted after reset")
	}
	if _, err := c.Lookup(1); err != nil {
		t.Errorf("Failed to look up message after reset: %v", err)
	}

	drop, err := c.Lookup(2)
	ok(t, err)
	ok(t, c.Delete(drop))
	ok(t, c.Close())

	if want, got := "keep", po.UIDs(); len(got) != 1 || got[0] != want {
		t.Errorf("Expected only %q to remain, got %v", want, got)
	}
}

func TestClientMalformedGreeting(t *testing.T) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("HELLO there\r\n"))
		conn.Close()
	}()

	nc, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	_, err = pop3.Connect(nc, zaptest.NewLogger(t))
	if !errors.Is(err, pop3.ErrMalformedReply) {
		t.Errorf("Expected ErrMalformedReply, got %v", err)
	}
}
