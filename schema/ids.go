package schema

import (
	"fmt"
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// IDGenerator hands out globally unique identifiers for events and sagas.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator generates time-ordered UUIDv7 identifiers.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SnowflakeGenerator generates 64-bit snowflake identifiers scoped to a node.
type SnowflakeGenerator struct {
	node *snowflake.Node
}

// NewSnowflakeGenerator creates a generator for the given node number (0-1023).
func NewSnowflakeGenerator(node int64) (*SnowflakeGenerator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", node, err)
	}
	return &SnowflakeGenerator{node: n}, nil
}

func (g *SnowflakeGenerator) NewID() string {
	return g.node.Generate().String()
}

// SequenceGenerator yields deterministic ids ("<prefix>-1", "<prefix>-2", ...).
// It is meant for tests.
type SequenceGenerator struct {
	Prefix string
	next   atomic.Int64
}

func (g *SequenceGenerator) NewID() string {
	prefix := g.Prefix
	if prefix == "" {
		prefix = "id"
	}
	return fmt.Sprintf("%s-%d", prefix, g.next.Add(1))
}

// NewIDGenerator resolves an id generator by name ("uuid" or "snowflake").
func NewIDGenerator(kind string, node int64) (IDGenerator, error) {
	switch kind {
	case "", "uuid":
		return UUIDGenerator{}, nil
	case "snowflake":
		return NewSnowflakeGenerator(node)
	default:
		return nil, fmt.Errorf("unsupported id generator: %s", kind)
	}
}
