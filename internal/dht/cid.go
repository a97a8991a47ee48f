package dht

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var addressPrefix = cid.Prefix{
	Version:  0,
	Codec:    cid.Raw,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

// ComputeCID returns the content id under which providers of an agent
// address are stored.
func ComputeCID(address string) (cid.Cid, error) {
	c, err := addressPrefix.Sum([]byte(address))
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to compute cid for %q: %w", address, err)
	}
	return c, nil
}
