// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package homie

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
)

// Verb is a handshake command prefix.  Handshake messages are printable
// ASCII: the verb, optionally followed by a space and a base64 argument.
type Verb string

const (
	// RequestPublicKey asks the peer for its identity key.
	RequestPublicKey Verb = "RQPK"

	// HerePublicKey carries our PKIX encoded identity key.
	HerePublicKey Verb = "HRPK"

	// RequestSessionKey carries our session key half wrapped to the
	// peer's identity key and asks for theirs.
	RequestSessionKey Verb = "RQSK"

	// HereSessionKey carries our session key half wrapped to the peer's
	// identity key.
	HereSessionKey Verb = "HRSK"

	// RequestAddress asks for the peer's network address.
	RequestAddress Verb = "RQIP"

	// HereAddress carries our network address sealed under the session
	// key.
	HereAddress Verb = "HRIP"
)

// dataMarker starts every sealed data message.  It is not printable, so it
// never collides with a handshake verb.
const dataMarker = 0x1f

var errUnknownVerb = errors.New("homie: unknown handshake verb")

type command struct {
	verb Verb
	arg  []byte
}

func (c *command) encode() []byte {
	if c.arg == nil {
		return []byte(c.verb)
	}
	out := make([]byte, 0, len(c.verb)+1+base64.StdEncoding.EncodedLen(len(c.arg)))
	out = append(out, c.verb...)
	out = append(out, ' ')
	return base64.StdEncoding.AppendEncode(out, c.arg)
}

func parseCommand(msg []byte) (*command, error) {
	verb, arg, hasArg := bytes.Cut(bytes.TrimSpace(msg), []byte{' '})
	c := &command{verb: Verb(verb)}
	switch c.verb {
	case RequestPublicKey, RequestAddress:
		return c, nil
	case HerePublicKey, RequestSessionKey, HereSessionKey, HereAddress:
		if !hasArg {
			return nil, fmt.Errorf("homie: %v without argument", c.verb)
		}
		b, err := base64.StdEncoding.DecodeString(string(arg))
		if err != nil {
			return nil, fmt.Errorf("homie: %v: %w", c.verb, err)
		}
		c.arg = b
		return c, nil
	default:
		return nil, errUnknownVerb
	}
}

func isDataMessage(msg []byte) bool {
	return len(msg) > 0 && msg[0] == dataMarker
}
