package liveplan

import (
	"hash/fnv"
	"sync"

	id "heirloom/pkg/domain"
)

const lockShards = 64

// UserLocks serialises all writes for one user onto one mutex. Shards are
// fixed-size; distinct users may share a shard, which only costs waiting.
type UserLocks struct {
	shards [lockShards]sync.Mutex
}

func NewUserLocks() *UserLocks {
	return &UserLocks{}
}

func (l *UserLocks) Lock(userID id.UserID) func() {
	shard := &l.shards[shardFor(userID)]
	shard.Lock()
	return shard.Unlock
}

func shardFor(userID id.UserID) uint32 {
	h := fnv.New32a()
	h.Write([]byte(userID.String()))
	return h.Sum32() % lockShards
}
