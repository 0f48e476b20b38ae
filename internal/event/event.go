// Package event decodes gateway webhook bodies into a closed set of typed
// events consumed by the lifecycle state machine.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/LeventeLantos/scheduled-messaging/internal/model"
)

const (
	KindConnectionUpdate  = "connection.update"
	KindGroupParticipants = "group-participants.update"
	KindInstanceStatus    = "status.instance"
	KindSendMessage       = "send.message"
	KindRefreshToken      = "refreshToken"
	attributesSeparator   = "::"
	groupJIDSuffix        = "@g.us"
	participantJIDSuffix  = "@s.whatsapp.net"
	instanceRemovedStatus = "removed"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrMalformed    = errors.New("malformed event")
)

// Event is implemented only by the types in this package.
type Event interface {
	Instance() string
	isEvent()
}

type ConnectionState string

const (
	StateOpen       ConnectionState = "open"
	StateConnecting ConnectionState = "connecting"
	StateClose      ConnectionState = "close"
)

type ConnectionUpdate struct {
	InstanceID   string
	State        ConnectionState
	MobileNumber string
	Token        string
}

type GroupAction string

const (
	GroupAdd    GroupAction = "add"
	GroupRemove GroupAction = "remove"
)

type GroupParticipantsUpdate struct {
	InstanceID   string
	OwnerMobile  string
	GroupID      string
	Action       GroupAction
	Participants []string
}

// InstanceStatus reports an instance-level status change; only Removed is acted upon.
type InstanceStatus struct {
	InstanceID string
	Token      string
	Removed    bool
}

// SendAck confirms the gateway accepted a message we sent. Sender and
// MessageID come from the external attributes attached at send time.
type SendAck struct {
	InstanceID string
	Sender     string
	MessageID  string
}

type RefreshToken struct {
	InstanceID string
	Token      string
}

func (e ConnectionUpdate) Instance() string        { return e.InstanceID }
func (e GroupParticipantsUpdate) Instance() string { return e.InstanceID }
func (e InstanceStatus) Instance() string          { return e.InstanceID }
func (e SendAck) Instance() string                 { return e.InstanceID }
func (e RefreshToken) Instance() string            { return e.InstanceID }

func (ConnectionUpdate) isEvent()        {}
func (GroupParticipantsUpdate) isEvent() {}
func (InstanceStatus) isEvent()          {}
func (SendAck) isEvent()                 {}
func (RefreshToken) isEvent()            {}

type envelope struct {
	Event    string          `json:"event"`
	Instance instancePayload `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type instancePayload struct {
	Name             string `json:"name"`
	OwnerJID         string `json:"ownerJid"`
	ConnectionStatus string `json:"connectionStatus"`
	Auth             struct {
		Token string `json:"token"`
	} `json:"Auth"`
}

type dataPayload struct {
	State              string   `json:"state"`
	Status             string   `json:"status"`
	ID                 string   `json:"id"`
	Action             string   `json:"action"`
	Participants       []string `json:"participants"`
	ExternalAttributes string   `json:"externalAttributes"`
	Token              string   `json:"token"`
}

// Decode parses one webhook body.
func Decode(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Instance.Name == "" {
		return nil, fmt.Errorf("%w: instance name is required", ErrMalformed)
	}

	var data dataPayload
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: data: %v", ErrMalformed, err)
		}
	}

	inst := env.Instance
	switch env.Event {
	case KindConnectionUpdate:
		state := ConnectionState(strings.ToLower(data.State))
		switch state {
		case StateOpen, StateConnecting, StateClose:
		default:
			return nil, fmt.Errorf("%w: connection state %q", ErrMalformed, data.State)
		}
		return ConnectionUpdate{
			InstanceID:   inst.Name,
			State:        state,
			MobileNumber: model.MobileFromJID(inst.OwnerJID),
			Token:        inst.Auth.Token,
		}, nil

	case KindGroupParticipants:
		participants := make([]string, 0, len(data.Participants))
		for _, p := range data.Participants {
			if p = strings.TrimSuffix(strings.TrimSpace(p), participantJIDSuffix); p != "" {
				participants = append(participants, p)
			}
		}
		return GroupParticipantsUpdate{
			InstanceID:   inst.Name,
			OwnerMobile:  model.MobileFromJID(inst.OwnerJID),
			GroupID:      CleanGroupID(data.ID),
			Action:       GroupAction(strings.ToLower(data.Action)),
			Participants: participants,
		}, nil

	case KindInstanceStatus:
		return InstanceStatus{
			InstanceID: inst.Name,
			Token:      inst.Auth.Token,
			Removed:    strings.EqualFold(data.Status, instanceRemovedStatus),
		}, nil

	case KindSendMessage:
		sender, id, ok := ParseExternalAttributes(data.ExternalAttributes)
		if !ok {
			return nil, fmt.Errorf("%w: externalAttributes %q", ErrMalformed, data.ExternalAttributes)
		}
		return SendAck{InstanceID: inst.Name, Sender: sender, MessageID: id}, nil

	case KindRefreshToken:
		token := data.Token
		if token == "" {
			token = inst.Auth.Token
		}
		return RefreshToken{InstanceID: inst.Name, Token: token}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

// CleanGroupID extracts the group JID from the compound "<a>_<jid>@g.us" form
// some gateway versions report.
func CleanGroupID(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "_") {
		return raw
	}
	for _, part := range strings.Split(raw, "_") {
		if strings.Contains(part, groupJIDSuffix) {
			return part
		}
	}
	return raw
}

// ExternalAttributes is the tag attached to outgoing messages so the
// acknowledgement can be matched back to the stored message.
func ExternalAttributes(sender, messageID string) string {
	return sender + attributesSeparator + messageID
}

func ParseExternalAttributes(attrs string) (sender, messageID string, ok bool) {
	sender, messageID, ok = strings.Cut(attrs, attributesSeparator)
	if !ok || messageID == "" {
		return "", "", false
	}
	return sender, messageID, true
}
