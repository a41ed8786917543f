// popsync
// Copyright 2020 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package pop3

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

type state int

const (
	stateAny state = iota
	stateAuth
	stateTxn
	stateUpdate
)

func (s state) String() string {
	switch s {
	case stateAuth:
		return "AUTHORIZATION"
	case stateTxn:
		return "TRANSACTION"
	case stateUpdate:
		return "UPDATE"
	}
	return "any"
}

const (
	errSyntax     = "syntax error"
	errNoMsg      = "no such message"
	errDeletedMsg = "no such message - deleted"
)

// command is the handler for one POP3 verb, valid only in state `in`.
type command struct {
	in state
	do func(*connection)
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"USER": {stateAuth, (*connection).doUSER},
		"PASS": {stateAuth, (*connection).doPASS},
		"STAT": {stateTxn, (*connection).doSTAT},
		"LIST": {stateTxn, (*connection).doLIST},
		"UIDL": {stateTxn, (*connection).doUIDL},
		"RETR": {stateTxn, (*connection).doRETR},
		"TOP":  {stateTxn, (*connection).doTOP},
		"DELE": {stateTxn, (*connection).doDELE},
		"RSET": {stateTxn, (*connection).doRSET},
		"NOOP": {stateAny, func(conn *connection) { conn.ok("") }},
		"CAPA": {stateAny, (*connection).doCAPA},
	}
}

type connection struct {
	po PostOffice
	mb Mailbox

	tp  *textproto.Conn
	log *zap.Logger

	state
	// args are the space separated arguments of the current command and
	// param is everything after the command word.
	args  []string
	param string

	user string
}

// AcceptConnection serves one POP3 client on `netConn`, giving it access to
// the mailboxes of `po`. It returns once the client QUITs or disconnects.
func AcceptConnection(netConn net.Conn, po PostOffice, log *zap.Logger) {
	log = log.With(zap.Stringer("client", netConn.RemoteAddr()))
	conn := &connection{
		po:    po,
		tp:    textproto.NewConn(netConn),
		state: stateAuth,
		log:   log,
	}
	defer conn.tp.Close()

	conn.log.Info("accepted connection")
	conn.ok("POP3 (popsync) server " + po.Name())

	for {
		line, err := conn.tp.ReadLine()
		if err != nil {
			conn.log.Info("connection closed", zap.Error(err))
			return
		}

		verb, param, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)
		conn.param = param
		conn.args = strings.Fields(param)
		conn.log = log.With(zap.String("command", verb))

		if verb == "QUIT" {
			conn.doQUIT()
			return
		}

		cmd, ok := commands[verb]
		if !ok {
			conn.err("unknown command")
			continue
		}
		if cmd.in != stateAny && cmd.in != conn.state {
			conn.err("not in " + cmd.in.String())
			continue
		}
		cmd.do(conn)
	}
}

func (conn *connection) ok(msg string) {
	conn.log.Debug("ok", zap.String("reply", msg))
	if msg != "" {
		msg = " " + msg
	}
	conn.tp.PrintfLine("+OK%s", msg)
}

func (conn *connection) err(msg string) {
	conn.log.Warn("error", zap.String("reply", msg))
	if msg != "" {
		msg = " " + msg
	}
	conn.tp.PrintfLine("-ERR%s", msg)
}

// multiline sends a positive reply followed by `lines` and the terminating
// dot.
func (conn *connection) multiline(msg string, lines []string) {
	conn.ok(msg)
	w := conn.tp.DotWriter()
	for _, l := range lines {
		io.WriteString(w, l+"\n")
	}
	w.Close()
}

func (conn *connection) doQUIT() {
	if conn.mb != nil {
		conn.state = stateUpdate
		if err := conn.mb.Close(); err != nil {
			conn.log.Error("failed to expunge", zap.Error(err))
			conn.err("failed to remove some messages")
			return
		}
	}
	conn.ok("goodbye")
}

func (conn *connection) doUSER() {
	if conn.param == "" {
		conn.err("invalid user")
		return
	}
	conn.user = conn.param
	conn.ok("")
}

func (conn *connection) doPASS() {
	if conn.user == "" {
		conn.err("no USER")
		return
	}
	if conn.param == "" {
		conn.err("invalid pass")
		return
	}

	mb, err := conn.po.OpenMailbox(conn.user, conn.param)
	if err != nil {
		conn.log.Warn("failed to open mailbox", zap.String("user", conn.user), zap.Error(err))
		conn.user = ""
		conn.err(err.Error())
		return
	}
	conn.log.Info("authenticated", zap.String("user", conn.user))
	conn.state = stateTxn
	conn.mb = mb
	conn.ok("")
}

// live returns the messages not marked as deleted.
func (conn *connection) live() ([]Message, bool) {
	msgs, err := conn.mb.ListMessages()
	if err != nil {
		conn.log.Error("failed to list messages", zap.Error(err))
		conn.err(err.Error())
		return nil, false
	}
	kept := msgs[:0:0]
	for _, msg := range msgs {
		if !msg.Deleted() {
			kept = append(kept, msg)
		}
	}
	return kept, true
}

func (conn *connection) doSTAT() {
	msgs, ok := conn.live()
	if !ok {
		return
	}
	size := 0
	for _, msg := range msgs {
		size += msg.Size()
	}
	conn.ok(fmt.Sprintf("%d %d", len(msgs), size))
}

// listing implements LIST and UIDL, which differ only in the second column.
func (conn *connection) listing(name string, column func(Message) string) {
	if len(conn.args) > 0 {
		if msg := conn.requestedMessage(); msg != nil {
			conn.ok(fmt.Sprintf("%d %s", msg.ID(), column(msg)))
		}
		return
	}

	msgs, ok := conn.live()
	if !ok {
		return
	}
	lines := make([]string, len(msgs))
	for i, msg := range msgs {
		lines[i] = fmt.Sprintf("%d %s", msg.ID(), column(msg))
	}
	conn.multiline(name, lines)
}

func (conn *connection) doLIST() {
	conn.listing("scan listing", func(m Message) string { return strconv.Itoa(m.Size()) })
}

func (conn *connection) doUIDL() {
	conn.listing("unique-id listing", Message.UniqueID)
}

func (conn *connection) doRETR() {
	msg := conn.requestedMessage()
	if msg == nil {
		return
	}
	conn.send(func() (io.ReadCloser, error) { return conn.mb.Retrieve(msg) },
		fmt.Sprintf("%d octets", msg.Size()), copyAll)
	conn.log.Info("retrieved message", zap.String("unique-id", msg.UniqueID()))
}

func (conn *connection) doTOP() {
	if len(conn.args) != 2 {
		conn.err(errSyntax)
		return
	}
	lines, err := strconv.Atoi(conn.args[1])
	if err != nil || lines < 0 {
		conn.err(errSyntax)
		return
	}
	msg := conn.requestedMessage()
	if msg == nil {
		return
	}
	if t, ok := conn.mb.(Topper); ok {
		conn.send(func() (io.ReadCloser, error) { return t.Top(msg, lines) },
			"top of message follows", copyAll)
		return
	}
	conn.send(func() (io.ReadCloser, error) { return conn.mb.Retrieve(msg) },
		"top of message follows", func(w io.Writer, r io.Reader) {
			WriteTop(w, r, lines)
		})
}

func copyAll(w io.Writer, r io.Reader) {
	io.Copy(w, r)
}

// send replies with the content returned by `open`, as transformed by
// `write`, in a dot-stuffed block.
func (conn *connection) send(open func() (io.ReadCloser, error), reply string, write func(io.Writer, io.Reader)) {
	rc, err := open()
	if err != nil {
		conn.log.Error("failed to retrieve message", zap.Error(err))
		conn.err(err.Error())
		return
	}
	defer rc.Close()

	conn.ok(reply)
	w := conn.tp.DotWriter()
	write(w, rc)
	w.Close()
}

// WriteTop copies the header block of the message in `r` and then at most
// `lines` lines of its body.
func WriteTop(w io.Writer, r io.Reader, lines int) {
	br := bufio.NewReader(r)
	inHeader := true
	for inHeader || lines > 0 {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			io.WriteString(w, line)
			if !inHeader {
				lines--
			} else if strings.TrimRight(line, "\r\n") == "" {
				inHeader = false
			}
		}
		if err != nil {
			return
		}
	}
}

func (conn *connection) doDELE() {
	msg := conn.requestedMessage()
	if msg == nil {
		return
	}
	if err := conn.mb.Delete(msg); err != nil {
		conn.log.Error("failed to delete message", zap.Error(err))
		conn.err(err.Error())
		return
	}
	conn.log.Info("deleted message", zap.String("unique-id", msg.UniqueID()))
	conn.ok("")
}

func (conn *connection) doRSET() {
	conn.mb.Reset()
	conn.log.Info("reset")
	conn.ok("")
}

func (conn *connection) doCAPA() {
	conn.multiline("capability list", []string{"USER", "TOP", "UIDL"})
}

// requestedMessage resolves the first argument as a message number, replying
// with an error if it does not name a live message.
func (conn *connection) requestedMessage() Message {
	if len(conn.args) == 0 {
		conn.err(errSyntax)
		return nil
	}
	id, err := strconv.Atoi(conn.args[0])
	if err != nil {
		conn.err(errSyntax)
		return nil
	}
	if id < 1 {
		conn.err("invalid message-number")
		return nil
	}
	msg := conn.mb.GetMessage(id)
	if msg == nil {
		conn.err(errNoMsg)
		return nil
	}
	if msg.Deleted() {
		conn.err(errDeletedMsg)
		return nil
	}
	return msg
}
