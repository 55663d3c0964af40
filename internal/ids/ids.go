package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)

	nodeMu sync.Mutex
	node   *snowflake.Node
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// TokenID returns a random identifier for the jti claim.
func TokenID() string {
	return uuid.NewString()
}

// SetNode selects the snowflake node used for numeric principal ids.
// It must be called before the first NextPrincipalID when running more than one instance.
func SetNode(id int64) error {
	n, err := snowflake.NewNode(id)
	if err != nil {
		return err
	}
	nodeMu.Lock()
	node = n
	nodeMu.Unlock()
	return nil
}

// NextPrincipalID returns a new time-ordered numeric identifier.
func NextPrincipalID() int64 {
	nodeMu.Lock()
	defer nodeMu.Unlock()
	if node == nil {
		// node 1 is the single-instance default
		node, _ = snowflake.NewNode(1)
	}
	return node.Generate().Int64()
}
