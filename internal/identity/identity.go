package identity

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Generator produces time-ordered identifiers. The first eight bytes hold a
// nanosecond timestamp that never goes backwards, the last eight bytes are
// random. Identifiers handed out during one clock tick are remembered so a
// random collision within the tick is resampled.
type Generator struct {
	mu   sync.Mutex
	now  func() time.Time
	read func([]byte) (int, error)
	tick int64
	seen map[uuid.UUID]struct{}
}

// Default is the process-wide generator.
var Default = New()

func New() *Generator {
	return &Generator{
		now:  time.Now,
		read: rand.Read,
		seen: make(map[uuid.UUID]struct{}),
	}
}

// Next returns a fresh identifier.
func (g *Generator) Next() uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()

	tick := g.now().UnixNano()
	if tick > g.tick {
		g.tick = tick
		clear(g.seen)
	}

	var id uuid.UUID
	binary.BigEndian.PutUint64(id[:8], uint64(g.tick))
	for {
		if _, err := g.read(id[8:]); err != nil {
			// crypto/rand does not fail on supported platforms
			panic("identity: random source failed: " + err.Error())
		}
		if _, dup := g.seen[id]; !dup {
			break
		}
	}
	g.seen[id] = struct{}{}
	return id
}

// NewString returns a fresh identifier in the canonical 8-4-4-4-12 layout.
func (g *Generator) NewString() string {
	return g.Next().String()
}

// Time extracts the timestamp prefix of an identifier produced by a Generator.
func Time(id uuid.UUID) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(id[:8])))
}

// NewString returns an identifier from the Default generator.
func NewString() string {
	return Default.NewString()
}
