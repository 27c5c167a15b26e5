package store

import "fmt"

// Keys builds the namespaced key names used by the queue. All queue state
// lives under a single configurable prefix so several queues can share one
// Redis database.
type Keys struct {
	Prefix string
}

// Pending returns the pending list key for one priority band.
// Format: {prefix}:pending:{priority}
func (k Keys) Pending(priority string) string {
	return fmt.Sprintf("%s:pending:%s", k.Prefix, priority)
}

// PrioritySet returns the per-band ZSET kept as a cross-check of queued ids.
func (k Keys) PrioritySet(priority string) string {
	return fmt.Sprintf("%s:priority:%s", k.Prefix, priority)
}

// Scheduled returns the ZSET of tasks awaiting their due time, scored by
// due time in unix milliseconds.
func (k Keys) Scheduled() string {
	return k.Prefix + ":scheduled"
}

// Processing returns the ZSET of tasks currently held by a worker, scored
// by claim time in unix milliseconds.
func (k Keys) Processing() string {
	return k.Prefix + ":processing"
}

// DeadLetter returns the ZSET of dead-letter envelopes, scored by death
// time in unix milliseconds. Members are serialized envelopes.
func (k Keys) DeadLetter() string {
	return k.Prefix + ":dead"
}

// Task returns the key of one JSON-encoded task record.
func (k Keys) Task(id string) string {
	return fmt.Sprintf("%s:task:%s", k.Prefix, id)
}

// Worker returns the key of one JSON-encoded worker record.
func (k Keys) Worker(id string) string {
	return fmt.Sprintf("%s:agent:%s", k.Prefix, id)
}

// Workers returns the set of registered worker ids.
func (k Keys) Workers() string {
	return k.Prefix + ":agents"
}

// StickyMap returns the hash mapping sticky keys to worker ids.
func (k Keys) StickyMap() string {
	return k.Prefix + ":sticky:map"
}

// Stream returns the append-only event stream key.
func (k Keys) Stream() string {
	return k.Prefix + ":stream"
}
