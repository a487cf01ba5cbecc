package signaling

import "github.com/google/uuid"

// NewEntryKey returns a key for append-only entries. Keys are UUIDv7, so
// keys generated by one process sort lexically in generation order.
func NewEntryKey() string {
	return uuid.Must(uuid.NewV7()).String()
}
