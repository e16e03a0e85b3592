package roadmap

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// IDProvider issues record identifiers that stay unique across both peers.
type IDProvider interface {
	NewID() (int64, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider deriving positive int64 ids from UUIDv7 values.
// The leading 48 bits are a millisecond timestamp, so ids sort roughly by creation time.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (int64, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return 0, err
	}
	id := int64(binary.BigEndian.Uint64(value[:8]) & 0x7fffffffffffffff)
	if id == 0 {
		id = 1
	}
	return id, nil
}
