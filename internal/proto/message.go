// Package proto defines the wire envelopes exchanged over the session
// WebSocket. Messages are discriminated by the "code" field; "id" is an
// opaque correlation token echoed back in the reply.
package proto

import "github.com/coder/websocket"

// Inbound action codes.
const (
	CodeJoin        = "join"
	CodeLeave       = "leave"
	CodeAddGroup    = "addGroup"
	CodeRemoveGroup = "removeGroup"
	CodeClearGroup  = "clearGroup"
	CodeClearAll    = "clearAll"
)

// Outbound-only codes.
const (
	CodeSnapshot = "snapshot"
	CodePartial  = "partial"
	CodeLimited  = "limited"
)

// Error codes carried in ok:0 replies.
const (
	ErrFrozen           = "frozen"
	ErrFull             = "full"
	ErrAlreadyAllocated = "alreadyAllocated"
	ErrNonexistent      = "nonexistent"
	ErrNotInGroup       = "notInGroup"
	ErrExistent         = "existent"
	ErrInternal         = "internal"
)

// Custom close codes (>= 4000). Standard codes cover oversized (1009),
// unparsable (1007), and schema-invalid (1008) payloads.
const (
	CloseSessionDeleted websocket.StatusCode = 4000
	CloseRateLimited    websocket.StatusCode = 4001
	CloseForbidden      websocket.StatusCode = 4002
	CloseAbuse          websocket.StatusCode = 4003
)

// Inbound is the client→server envelope.
type Inbound struct {
	Code  string `json:"code"`
	ID    string `json:"id"`
	Group string `json:"group,omitempty"`
	// User lets a host act on behalf of another participant. Non-host
	// connections must leave it empty or set it to their own id.
	User string `json:"user,omitempty"`
	// Name is the display name recorded on join.
	Name string `json:"name,omitempty"`
}

// Valid reports whether the envelope satisfies the schema for its code.
func (in Inbound) Valid() bool {
	switch in.Code {
	case CodeJoin, CodeAddGroup, CodeRemoveGroup, CodeClearGroup:
		return in.Group != ""
	case CodeLeave, CodeClearAll:
		return true
	default:
		return false
	}
}

// Reply answers one inbound action. Failures (OK == 0) are unicast to the
// sender; successes are broadcast to the room, with Self set on the copy
// delivered to the originating connection.
type Reply struct {
	Code     string `json:"code"`
	ID       string `json:"id,omitempty"`
	OK       int    `json:"ok"`
	Group    string `json:"group,omitempty"`
	User     string `json:"user,omitempty"`
	Name     string `json:"name,omitempty"`
	Self     int    `json:"self,omitempty"`
	Error    string `json:"error,omitempty"`
	WillSync bool   `json:"willSync,omitempty"`
}

// Member mirrors one participant inside a snapshot.
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Group mirrors one group inside a snapshot.
type Group struct {
	Name    string   `json:"name"`
	Members []Member `json:"members"`
}

// Snapshot is the full materialized session view.
type Snapshot struct {
	Code      string  `json:"code"`
	Session   string  `json:"session"`
	HostID    string  `json:"hostId"`
	GroupSize int     `json:"groupSize"`
	Frozen    bool    `json:"frozen"`
	Groups    []Group `json:"groups"`
}

// Partial carries changed metadata fields only; it never encodes
// membership, which always travels on the reply/broadcast path.
type Partial struct {
	Code      string `json:"code"`
	GroupSize *int   `json:"groupSize,omitempty"`
	Frozen    *bool  `json:"frozen,omitempty"`
}

// Limited is the soft rate-limit notice; the connection survives it.
type Limited struct {
	Code       string `json:"code"`
	ID         string `json:"id,omitempty"`
	RetryAfter int64  `json:"retryAfter"` // seconds
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	Reset      int64  `json:"reset"` // epoch seconds
}
