package ids

import "encoding/binary"

// MarshalBinary renders the packed ID as an 8-byte little-endian integer,
// the wire format the RPC layer's ID unions use.
func (b BufferID) MarshalBinary() ([]byte, error) { return marshal(uint64(b)), nil }

func (b *BufferID) UnmarshalBinary(data []byte) error {
	v, err := unmarshal(data)
	if err != nil {
		return err
	}
	*b = BufferID(v)
	return nil
}

func (t TargetID) MarshalBinary() ([]byte, error) { return marshal(uint64(t)), nil }

func (t *TargetID) UnmarshalBinary(data []byte) error {
	v, err := unmarshal(data)
	if err != nil {
		return err
	}
	*t = TargetID(v)
	return nil
}

func (b BlobID) MarshalBinary() ([]byte, error) { return marshal(uint64(b)), nil }

func (b *BlobID) UnmarshalBinary(data []byte) error {
	v, err := unmarshal(data)
	if err != nil {
		return err
	}
	*b = BlobID(v)
	return nil
}

func (v VBucketID) MarshalBinary() ([]byte, error) { return marshal(uint64(v)), nil }

func (v *VBucketID) UnmarshalBinary(data []byte) error {
	val, err := unmarshal(data)
	if err != nil {
		return err
	}
	*v = VBucketID(val)
	return nil
}

func marshal(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func unmarshal(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, errBadWireLength
	}
	return binary.LittleEndian.Uint64(data), nil
}
