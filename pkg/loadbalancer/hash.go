package loadbalancer

import "github.com/cespare/xxhash/v2"

// xxhashString is the hash function rendezvous hashing uses to score each
// candidate replica for a client key.
func xxhashString(s string) uint64 {
	return xxhash.Sum64String(s)
}
