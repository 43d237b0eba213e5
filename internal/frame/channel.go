package frame

import (
	"github.com/google/uuid"
)

// ChannelID uniquely identifies one relayed connection for the lifetime of
// its tunnel. It is carried on the wire as 16 raw bytes.
type ChannelID [16]byte

// NewChannelID allocates a fresh random channel identifier.
func NewChannelID() ChannelID {
	return ChannelID(uuid.New())
}

// ParseChannelID decodes a canonical UUID string into a ChannelID.
func ParseChannelID(s string) (ChannelID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ChannelID{}, err
	}
	return ChannelID(u), nil
}

// ChannelIDFromBytes reads a ChannelID from a 16-byte slice.
func ChannelIDFromBytes(b []byte) (ChannelID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return ChannelID{}, err
	}
	return ChannelID(u), nil
}

func (c ChannelID) String() string {
	return uuid.UUID(c).String()
}

// Bytes returns the 16-byte wire representation.
func (c ChannelID) Bytes() []byte {
	return c[:]
}

// IsZero reports whether c is the zero-value channel ID.
func (c ChannelID) IsZero() bool {
	return c == ChannelID{}
}
