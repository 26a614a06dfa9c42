package store

import (
	"fmt"
)

// Resource type for Redis keys
type Resource string

const (
	ResourceLock Resource = "lock"
)

const keyPrefix = "scnms"

// Key constructs a fully qualified Redis key.
// Format: scnms:{resource}:{id}
func Key(resource Resource, id string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, resource, id)
}
