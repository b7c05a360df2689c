package realtime

import "time"

// TransportKind distinguishes the two supported push transports.
type TransportKind string

const (
	TransportPush   TransportKind = "push"
	TransportSocket TransportKind = "socket"
)

// Connection is the bookkeeping record for one client connection. It is
// owned exclusively by the registry or gateway that created it; all
// field mutation happens under the owner's lock.
type Connection struct {
	ID            string
	UserID        string
	SessionID     string
	Kind          TransportKind
	Active        bool
	CreatedAt     time.Time
	LastHeartbeat time.Time
	LastActivity  time.Time
	Metadata      map[string]string

	sink Sink
}

// ConnectionInfo is a read-only snapshot of a connection for ops surfaces.
type ConnectionInfo struct {
	ID            string        `json:"id"`
	UserID        string        `json:"userId"`
	SessionID     string        `json:"sessionId,omitempty"`
	Kind          TransportKind `json:"transport"`
	Active        bool          `json:"active"`
	CreatedAt     time.Time     `json:"createdAt"`
	LastHeartbeat time.Time     `json:"lastHeartbeat"`
	LastActivity  time.Time     `json:"lastActivity"`
}

func (c *Connection) info() ConnectionInfo {
	return ConnectionInfo{
		ID:            c.ID,
		UserID:        c.UserID,
		SessionID:     c.SessionID,
		Kind:          c.Kind,
		Active:        c.Active,
		CreatedAt:     c.CreatedAt,
		LastHeartbeat: c.LastHeartbeat,
		LastActivity:  c.LastActivity,
	}
}
