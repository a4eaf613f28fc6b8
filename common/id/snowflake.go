package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init initializes the Snowflake node with the given node ID.
// Each process sharing a jobs bucket should use a distinct node ID.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New generates a new globally unique int64 ID using the Snowflake algorithm.
func New() int64 {
	return generate().Int64()
}

// NewString returns a short, time-ordered, base36 ID suitable for keys.
func NewString() string {
	return generate().Base36()
}

func generate() snowflake.ID {
	// Callers that never ran Init (tests, the CLI) get node 0.
	_ = Init(0)
	return node.Generate()
}
