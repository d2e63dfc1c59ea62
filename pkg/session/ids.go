package session

import (
	"crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/jg-phare/wirerpc/pkg/types"
)

// IDGenerator produces request ids. Implementations must be safe for
// concurrent use and must not repeat an id within a session.
type IDGenerator interface {
	Next() types.ID
}

type counterIDs struct {
	n atomic.Int64
}

func (c *counterIDs) Next() types.ID { return types.NewNumberID(c.n.Add(1)) }

// Counter returns numeric ids 1, 2, 3, ... This is the default.
func Counter() IDGenerator { return &counterIDs{} }

type ulidIDs struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func (g *ulidIDs) Next() types.ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return types.NewStringID(ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String())
}

// ULIDs returns lexically sortable string ids. Ids from one generator
// increase monotonically, even within a millisecond.
func ULIDs() IDGenerator {
	return &ulidIDs{entropy: ulid.Monotonic(rand.Reader, 0)}
}

type uuidIDs struct{}

func (uuidIDs) Next() types.ID { return types.NewStringID(uuid.NewString()) }

// UUIDs returns random (v4) string ids.
func UUIDs() IDGenerator { return uuidIDs{} }
