// Package guard implements the persistent entry-relay selection state
// machine: sampling, confirmation, primary-set maintenance, filtering,
// retry, and persistence with unknown-field round-tripping.
package guard

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reachability records what we know about connecting to a guard
type Reachability int

const (
	// ReachableUnknown means no recent attempt has settled the question
	ReachableUnknown Reachability = iota
	// Reachable means the last attempt succeeded
	Reachable
	// Unreachable means the last attempt failed
	Unreachable
)

// String returns a string representation of the reachability
func (r Reachability) String() string {
	switch r {
	case ReachableUnknown:
		return "UNKNOWN"
	case Reachable:
		return "REACHABLE"
	case Unreachable:
		return "UNREACHABLE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(r))
	}
}

// Guard is one persisted sampled entry relay.
type Guard struct {
	// ID is the relay's RSA fingerprint, lowercase hex
	ID string `json:"id"`
	// RSAID is the guard's RSA identity fingerprint, uppercase hex
	RSAID string `json:"rsa_id"`
	// Nickname is advisory only
	Nickname string `json:"nickname,omitempty"`
	// Addr is the guard's ORPort address
	Addr string `json:"addr"`

	SampledAt   time.Time  `json:"sampled_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	LastAttempt time.Time  `json:"last_attempt,omitempty"`
	LastSuccess time.Time  `json:"last_success,omitempty"`
	LastFailure time.Time  `json:"last_failure,omitempty"`

	Reachable Reachability `json:"reachable"`
	Confirmed bool         `json:"confirmed"`

	// Listed tracks whether the current directory still lists this relay
	// with the Guard flag; FirstUnlistedAt drives unlisted expiry.
	Listed          bool       `json:"listed"`
	FirstUnlistedAt *time.Time `json:"first_unlisted_at,omitempty"`

	// Unknown preserves fields written by newer versions verbatim
	Unknown map[string]json.RawMessage `json:"-"`

	// exploratoryCircPending marks a non-primary guard with an exploratory
	// circuit in flight. Not persisted.
	exploratoryCircPending bool
}

// guardKnownFields lists the keys the current version understands
var guardKnownFields = map[string]bool{
	"id": true, "rsa_id": true, "nickname": true, "addr": true,
	"sampled_at": true, "confirmed_at": true, "last_attempt": true,
	"last_success": true, "last_failure": true, "reachable": true,
	"confirmed": true, "listed": true, "first_unlisted_at": true,
}

// guardAlias avoids marshal recursion
type guardAlias Guard

// MarshalJSON emits the known fields plus any preserved unknown ones
func (g *Guard) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal((*guardAlias)(g))
	if err != nil {
		return nil, err
	}
	if len(g.Unknown) == 0 {
		return known, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(known, &m); err != nil {
		return nil, err
	}
	for k, v := range g.Unknown {
		if _, ours := m[k]; !ours {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON reads the known fields and preserves the rest
func (g *Guard) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*guardAlias)(g)); err != nil {
		return err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	for k := range m {
		if guardKnownFields[k] {
			delete(m, k)
		}
	}
	if len(m) > 0 {
		g.Unknown = m
	}
	return nil
}

// IsDown reports whether the guard should be skipped for new attempts
func (g *Guard) IsDown() bool {
	return g.Reachable == Unreachable
}

// GuardSet is the full persisted state: the sample in sampling order, the
// confirmed list in confirmation order, and the primary list in priority
// order. Primary and confirmed entries reference guards by ID.
type GuardSet struct {
	Sample    []*Guard `json:"sample"`
	Confirmed []string `json:"confirmed"`
	Primary   []string `json:"primary"`

	// Unknown preserves top-level fields written by newer versions
	Unknown map[string]json.RawMessage `json:"-"`
}

var setKnownFields = map[string]bool{
	"sample": true, "confirmed": true, "primary": true,
}

type setAlias GuardSet

// MarshalJSON emits the known fields plus preserved unknown ones
func (s *GuardSet) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal((*setAlias)(s))
	if err != nil {
		return nil, err
	}
	if len(s.Unknown) == 0 {
		return known, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(known, &m); err != nil {
		return nil, err
	}
	for k, v := range s.Unknown {
		if _, ours := m[k]; !ours {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON reads the known fields and preserves the rest
func (s *GuardSet) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*setAlias)(s)); err != nil {
		return err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	for k := range m {
		if setKnownFields[k] {
			delete(m, k)
		}
	}
	if len(m) > 0 {
		s.Unknown = m
	}
	return nil
}

// byID returns a guard in the sample by ID
func (s *GuardSet) byID(id string) *Guard {
	for _, g := range s.Sample {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// contains reports membership by ID
func (s *GuardSet) contains(id string) bool {
	return s.byID(id) != nil
}
