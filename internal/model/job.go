package model

import "time"

// DeliveryJob is the payload of a scheduled send. Version is captured at
// enqueue time and compared against the store when the job runs.
type DeliveryJob struct {
	MessageID string `json:"messageId"`
	Version   int64  `json:"version"`
}

// DiscoveryAttempt is the backoff state threaded through identity polls.
type DiscoveryAttempt struct {
	InstanceID   string        `json:"instanceId"`
	AttemptCount int           `json:"attemptCount"`
	RetryCount   int           `json:"retryCount"`
	CurrentDelay time.Duration `json:"currentDelay"`
}
