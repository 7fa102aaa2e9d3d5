// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type RoomName string

// CallResource is the local part of a bridged call's identity. The fully
// qualified form is "<resource>@<gateway-domain>", so the local part must
// never contain '@'.
type CallResource string

var (
	ErrEmptyResource   = errors.New("empty call resource")
	ErrInvalidResource = errors.New("invalid call resource")
)

// NewCallResource returns a fresh resource: hex wall-clock millis plus a
// short random suffix. The suffix keeps two allocations within the same
// millisecond apart; the registry still rejects duplicates.
func NewCallResource() CallResource {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 16)
	return CallResource(ts + "-" + uuid.NewString()[:8])
}

func (r CallResource) Validate() error {
	if r == "" {
		return ErrEmptyResource
	}
	if strings.ContainsRune(string(r), '@') {
		return ErrInvalidResource
	}
	return nil
}

// Qualified returns the domain-qualified form of the resource.
func (r CallResource) Qualified(domain string) string {
	return string(r) + "@" + domain
}

// RefURI returns the control-protocol reference for the resource, e.g.
// "xmpp:5f3a9c-1b2c3d4e@callcontrol.example.net".
func (r CallResource) RefURI(domain string) string {
	return "xmpp:" + r.Qualified(domain)
}

// ParseResource extracts the local resource part from a call URI or a
// qualified resource. Accepted forms: "xmpp:res@dom", "res@dom", "res".
func ParseResource(uri string) (CallResource, error) {
	s := strings.TrimPrefix(uri, "xmpp:")
	if i := strings.IndexRune(s, '@'); i >= 0 {
		s = s[:i]
	}
	r := CallResource(s)
	if err := r.Validate(); err != nil {
		return "", err
	}
	return r, nil
}
