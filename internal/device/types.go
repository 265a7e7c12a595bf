package device

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDeleted      Status = "deleted"
)

type Device struct {
	ID               string
	TenantID         string
	Status           Status
	AssignedServerID *string
	UpdatedAt        time.Time
	SessionSnapshot  []byte
	LoginChallenge   string
	LastError        string
}

func (d Device) Valid() bool { return d.ID != "" && d.TenantID != "" }

func (d Device) Owner() string {
	if d.AssignedServerID == nil {
		return ""
	}
	return *d.AssignedServerID
}

// Registered reports whether the snapshot came from an authenticated session,
// which allows a restore without a fresh login challenge.
func (d Device) Registered() bool {
	if len(d.SessionSnapshot) == 0 {
		return false
	}
	var s struct {
		Registered bool `json:"registered"`
	}
	if err := json.Unmarshal(d.SessionSnapshot, &s); err != nil {
		return false
	}
	return s.Registered
}

type Server struct {
	ID            string
	CurrentLoad   int
	MaxCapacity   int
	IsHealthy     bool
	IsActive      bool
	Priority      int
	LastHeartbeat time.Time
}

// LoadRatio is current_load / max_capacity; zero capacity never wins.
func (s Server) LoadRatio() float64 {
	if s.MaxCapacity <= 0 {
		return 1e18
	}
	return float64(s.CurrentLoad) / float64(s.MaxCapacity)
}

type EventType string

const (
	EventAssigned      EventType = "assigned"
	EventConnecting    EventType = "connecting"
	EventRestoring     EventType = "restoring"
	EventConnected     EventType = "connected"
	EventDisconnected  EventType = "disconnected"
	EventStuckCleared  EventType = "stuck_cleared"
	EventUnauthRestart EventType = "unauthenticated_restart"
	EventTornDown      EventType = "torn_down"
	EventError         EventType = "error"
	EventFailover      EventType = "failover"
)

type ConnectionEvent struct {
	DeviceID  string
	Event     EventType
	Error     string
	CreatedAt time.Time
}
