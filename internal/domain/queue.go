package domain

import "time"

// QueueSnapshot is a point-in-time view of one telephony queue.
type QueueSnapshot struct {
	QueueID         string        `json:"queue_id"`
	FriendlyName    string        `json:"friendly_name"`
	CurrentSize     int           `json:"current_size"`
	AverageWaitTime time.Duration `json:"average_wait_time"`
}

// Address is the name agents dequeue calls by.
func (q QueueSnapshot) Address() string {
	if q.FriendlyName != "" {
		return q.FriendlyName
	}
	return q.QueueID
}
