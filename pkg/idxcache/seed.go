package idxcache

import (
	"math/rand"
	"sync"
	"time"
)

var seedOnce sync.Once
var seedRand *rand.Rand

// randSeed returns a process-lifetime-random uint64, used to randomize the
// per-index hash seed at open time (spec §4.1).
func randSeed() uint64 {
	seedOnce.Do(func() {
		seedRand = rand.New(rand.NewSource(time.Now().UnixNano()))
	})
	return seedRand.Uint64()
}
