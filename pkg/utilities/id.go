package utilities

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

// NewKSUID generates a new globally unique KSUID string.
func NewKSUID() string {
	return ksuid.New().String()
}

// IDGenerator hands out snowflake ids from a single node.
// The node must be created once per process; a fresh node per call can repeat ids.
type IDGenerator struct {
	node *snowflake.Node
}

// NewIDGenerator creates a generator for nodeID (0-1023).
func NewIDGenerator(nodeID int64) (*IDGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	return &IDGenerator{node: node}, nil
}

// SnowflakeNodeFromEnv reads SNOWFLAKE_NODE, defaulting to 1.
func SnowflakeNodeFromEnv() int64 {
	nodeEnv := os.Getenv("SNOWFLAKE_NODE")
	if nodeEnv == "" {
		return 1
	}
	nodeID, err := strconv.ParseInt(nodeEnv, 10, 64)
	if err != nil {
		return 1
	}
	return nodeID
}

// Next returns a new id.
func (g *IDGenerator) Next() int64 {
	return g.node.Generate().Int64()
}
