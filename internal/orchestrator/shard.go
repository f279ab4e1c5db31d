package orchestrator

import "hash/fnv"

// InShard reports whether tenantID belongs to shard index of count.
// Every tenant maps to exactly one shard.
func InShard(tenantID string, index, count int) bool {
	if count <= 1 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return int(h.Sum32()%uint32(count)) == index
}
