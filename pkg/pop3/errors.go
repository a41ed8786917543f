// popsync
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package pop3

import (
	"errors"
	"fmt"
)

// ErrMalformedReply is wrapped by every error caused by a server reply that
// does not follow RFC 1939.
var ErrMalformedReply = errors.New("malformed server reply")

// ServerError is a "-ERR" status reply.
type ServerError struct {
	Command string
	Message string
}

func (e *ServerError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("Server error: %s", e.Message)
	}
	return fmt.Sprintf("Server error for %s: %s", e.Command, e.Message)
}
