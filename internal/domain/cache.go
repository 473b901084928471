package domain

import "time"

// CacheEntry is one memoized Dispatcher result.
type CacheEntry struct {
	Key        string        `json:"key"`
	Worker     string        `json:"worker"`
	HookKind   HookKind      `json:"hookKind"`
	SessionID  string        `json:"sessionId"`
	Payload    []byte        `json:"payload"`
	InsertedAt time.Time     `json:"insertedAt"`
	TTL        time.Duration `json:"ttl"`
}

func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.InsertedAt.Add(e.TTL))
}

// Connection is an authenticated duplex-channel session.
type Connection struct {
	ID             string    `json:"id"`
	Principal      string    `json:"principal"`
	Permissions    []string  `json:"permissions"`
	OpenedAt       time.Time `json:"openedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}
