// Package control implements the Rayo-shaped command surface of the
// gateway: decoding Dial and HangUp commands, validating them and mapping
// them onto the session layer.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
)

// RoomNameHeader must accompany every Dial command; it names the
// conference room the bridged call joins.
const RoomNameHeader = "JvbRoomName"

var (
	ErrMissingRoomName = errors.New("no " + RoomNameHeader + " header found")
	ErrBadCommand      = errors.New("malformed command")
)

// Command is the decoded form of one inbound control request. Exactly one
// of Dial, HangUp and Unrecognized is produced per payload.
type Command interface{ isCommand() }

type Dial struct {
	Source      string            `json:"source,omitempty"`
	Destination string            `json:"destination"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type HangUp struct {
	// URI identifies the call to end: "xmpp:<resource>@<domain>" or the
	// bare resource.
	URI string `json:"uri"`
}

type Unrecognized struct {
	Type string
}

func (Dial) isCommand()         {}
func (HangUp) isCommand()       {}
func (Unrecognized) isCommand() {}

// Parse decodes a raw control payload into its command. Unknown types
// decode to Unrecognized so the caller's default handling can answer.
func Parse(data []byte) (Command, error) {
	var env struct {
		Type        string            `json:"type"`
		Source      string            `json:"source"`
		Destination string            `json:"destination"`
		Headers     map[string]string `json:"headers"`
		URI         string            `json:"uri"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	switch env.Type {
	case "dial":
		if env.Destination == "" {
			return nil, fmt.Errorf("%w: dial without destination", ErrBadCommand)
		}
		return Dial{Source: env.Source, Destination: env.Destination, Headers: env.Headers}, nil
	case "hangup":
		if env.URI == "" {
			return nil, fmt.Errorf("%w: hangup without uri", ErrBadCommand)
		}
		return HangUp{URI: env.URI}, nil
	default:
		return Unrecognized{Type: env.Type}, nil
	}
}
