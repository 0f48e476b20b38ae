package model

import (
	"regexp"
	"time"
)

type Status string

const (
	Pending Status = "pending"
	Sent    Status = "sent"
	Success Status = "success"
	Failed  Status = "failed"
	Deleted Status = "deleted"
)

// Media references an already uploaded attachment.
type Media struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	FileName string `json:"fileName,omitempty"`
}

type Message struct {
	ID           string     `json:"id"`
	Sender       string     `json:"sender"`
	Receiver     string     `json:"receiver"`
	ReceiverName string     `json:"receiverName,omitempty"`
	Body         string     `json:"body"`
	Media        *Media     `json:"media,omitempty"`
	MessageType  string     `json:"messageType,omitempty"`
	ScheduledAt  time.Time  `json:"scheduledAt"`
	Status       Status     `json:"status"`
	Version      int64      `json:"version"`
	RetryCount   int        `json:"retryCount"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	DeliveredAt  *time.Time `json:"deliveredAt,omitempty"`
}

// HasMedia reports whether the message goes out through the media variant.
func (m Message) HasMedia() bool {
	return m.Media != nil && m.Media.URL != ""
}

// MessageEdit carries the mutable fields of a scheduled message. Nil fields are
// left untouched; ClearMedia drops an attachment.
type MessageEdit struct {
	Receiver     *string
	ReceiverName *string
	Body         *string
	ScheduledAt  *time.Time
	Media        *Media
	ClearMedia   bool
}

var groupMarker = regexp.MustCompile(`\s*\[GroupID:[^\]]+\]$`)

// GroupMarker returns the tracking annotation appended to group greetings.
func GroupMarker(groupID string) string {
	return " [GroupID:" + groupID + "]"
}

// StripAnnotations removes tracking annotations that must not reach the recipient.
func StripAnnotations(body string) string {
	return groupMarker.ReplaceAllString(body, "")
}
