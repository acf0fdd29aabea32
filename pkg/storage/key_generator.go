package storage

import (
	"hash/adler32"
	"os"

	"github.com/bwmarrin/snowflake"
)

// NewKeyGenerator creates a snowflake node seeded from the process
// environment, so two app instances on different hosts end up with
// different node ids.
// constraints: creating two generators within a few microseconds on the
// same host will create generators with the same seed
func NewKeyGenerator() *snowflake.Node {
	hash32 := adler32.New()
	for _, e := range os.Environ() {
		hash32.Sum([]byte(e))
	}
	node, err := snowflake.NewNode(int64(hash32.Sum32() % 1024))
	if err != nil {
		panic("can't initialize snowflake ID generator. Message: " + err.Error())
	}
	return node
}
