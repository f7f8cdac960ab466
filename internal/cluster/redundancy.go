package cluster

import (
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// RedundancyProvider fills the missing blobs of a stripe. On write it is
// handed the data blobs and nil parity slots; on read it reconstructs
// whatever subset of blobs failed CRC validation or was unreachable. All
// non-nil blobs of a stripe must have equal length.
type RedundancyProvider interface {
	NumData() int
	NumParity() int
	// Compute fills every nil entry of the stripe in place. It fails when
	// fewer than NumData blobs are present.
	Compute(stripe [][]byte) error
}

// ErasureProvider implements Reed-Solomon erasure coding. Instances are
// stateless after construction and may be shared across clusters with the
// same geometry.
type ErasureProvider struct {
	nData   int
	nParity int
	enc     reedsolomon.Encoder
}

// NewErasureProvider creates a provider for stripes of nData data blobs and
// nParity parity blobs.
func NewErasureProvider(nData, nParity int) (*ErasureProvider, error) {
	enc, err := reedsolomon.New(nData, nParity)
	if err != nil {
		return nil, fmt.Errorf("building reed-solomon encoder: %w", err)
	}
	return &ErasureProvider{nData: nData, nParity: nParity, enc: enc}, nil
}

// NumData returns the number of data blobs per stripe.
func (p *ErasureProvider) NumData() int { return p.nData }

// NumParity returns the number of parity blobs per stripe.
func (p *ErasureProvider) NumParity() int { return p.nParity }

// Compute reconstructs all nil blobs of the stripe.
func (p *ErasureProvider) Compute(stripe [][]byte) error {
	if len(stripe) != p.nData+p.nParity {
		return fmt.Errorf("stripe has %d blobs, want %d", len(stripe), p.nData+p.nParity)
	}
	if err := p.enc.Reconstruct(stripe); err != nil {
		return fmt.Errorf("reconstructing stripe: %w", err)
	}
	return nil
}

// ReplicationProvider protects data by storing full copies: one data blob
// plus NumParity identical copies.
type ReplicationProvider struct {
	nParity int
}

// NewReplicationProvider creates a provider keeping nParity extra copies.
func NewReplicationProvider(nParity int) *ReplicationProvider {
	return &ReplicationProvider{nParity: nParity}
}

// NumData returns 1: replication never splits the value.
func (p *ReplicationProvider) NumData() int { return 1 }

// NumParity returns the number of extra copies.
func (p *ReplicationProvider) NumParity() int { return p.nParity }

// Compute copies the first surviving blob into every nil slot.
func (p *ReplicationProvider) Compute(stripe [][]byte) error {
	var source []byte
	found := false
	for _, blob := range stripe {
		if blob != nil {
			source = blob
			found = true
			break
		}
	}
	if !found {
		return errors.New("no blob left to replicate from")
	}
	for i, blob := range stripe {
		if blob == nil {
			c := make([]byte, len(source))
			copy(c, source)
			stripe[i] = c
		}
	}
	return nil
}
