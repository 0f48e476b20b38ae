package model

import (
	"strings"
	"time"
)

type ConnectionStatus string

const (
	Offline    ConnectionStatus = "OFFLINE"
	Connecting ConnectionStatus = "CONNECTING"
	Online     ConnectionStatus = "ONLINE"
)

// ParseConnectionStatus maps gateway spellings onto the three lifecycle states.
func ParseConnectionStatus(s string) ConnectionStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ONLINE", "OPEN":
		return Online
	case "CONNECTING":
		return Connecting
	default:
		return Offline
	}
}

type Instance struct {
	ID           string           `json:"id"`
	Status       ConnectionStatus `json:"status"`
	InitiatedAt  *time.Time       `json:"initiatedAt,omitempty"`
	MobileNumber string           `json:"mobileNumber,omitempty"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

type User struct {
	MobileNumber string           `json:"mobileNumber"`
	InstanceID   string           `json:"instanceId"`
	Status       ConnectionStatus `json:"status"`
	OTP          string           `json:"-"`
	IsNewUser    bool             `json:"isNewUser"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// InstanceSnapshot is what the gateway reports about one instance.
type InstanceSnapshot struct {
	ID           string
	Status       ConnectionStatus
	MobileNumber string
	Token        string
	CreatedAt    time.Time
}

const jidSuffix = "@s.whatsapp.net"

// MobileFromJID strips the gateway's account suffix from an owner JID.
func MobileFromJID(jid string) string {
	return strings.TrimSuffix(strings.TrimSpace(jid), jidSuffix)
}

// GroupGreeting is the welcome text sent to new members of a tracked group.
type GroupGreeting struct {
	InstanceID   string
	GroupID      string
	Message      string
	DelayMinutes int
}
