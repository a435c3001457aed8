package pgas

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// TeamID identifies a team. Every member of a team agrees on its value.
type TeamID int32

const (
	// TeamAll spans every unit from Init until Exit.
	TeamAll TeamID = 0

	TeamNull TeamID = -1
)

// SegmentID identifies a memory segment within a team.
type SegmentID int32

// SegmentLocal holds the allocations served by the local pool of each
// unit, exposed through the static window.
const SegmentLocal SegmentID = 0

// GlobalPtr is the logical address of remotely accessible memory: a byte
// offset within the segment of a unit of a team. It is never dereferenced
// directly, see `Runtime.Put`, `Runtime.Get` and `Runtime.Addr`.
type GlobalPtr struct {
	Team    TeamID
	Unit    int32
	Segment SegmentID
	Offset  uint64
}

// NullPtr addresses nothing.
var NullPtr = GlobalPtr{Team: TeamNull, Unit: -1}

func (p GlobalPtr) IsNull() bool {
	return p.Unit < 0
}

// Add moves the pointer n bytes forward, or backward if n is negative.
func (p GlobalPtr) Add(n int64) GlobalPtr {
	p.Offset = uint64(int64(p.Offset) + n)
	return p
}

// WithUnit returns the same location in the memory of another unit.
func (p GlobalPtr) WithUnit(unit int) GlobalPtr {
	p.Unit = int32(unit)
	return p
}

func (p GlobalPtr) String() string {
	if p.IsNull() {
		return "gptr(null)"
	}
	return fmt.Sprintf("gptr(team=%d unit=%d seg=%d off=%#x)", p.Team, p.Unit, p.Segment, p.Offset)
}

const (
	gptrFieldTeam    protowire.Number = 1
	gptrFieldUnit    protowire.Number = 2
	gptrFieldSegment protowire.Number = 3
	gptrFieldOffset  protowire.Number = 4
)

// MarshalBinary encodes the pointer as protobuf varint fields, so it can be
// shipped inside collective payloads.
func (p GlobalPtr) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, gptrFieldTeam, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(p.Team)))
	b = protowire.AppendTag(b, gptrFieldUnit, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(p.Unit)))
	b = protowire.AppendTag(b, gptrFieldSegment, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(p.Segment)))
	b = protowire.AppendTag(b, gptrFieldOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Offset)
	return b, nil
}

// UnmarshalBinary decodes what MarshalBinary produced. Unknown fields are
// skipped and missing ones are left to zero.
func (p *GlobalPtr) UnmarshalBinary(b []byte) error {
	var out GlobalPtr
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrInvalidArgument, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case gptrFieldTeam:
			out.Team = TeamID(protowire.DecodeZigZag(v))
		case gptrFieldUnit:
			out.Unit = int32(protowire.DecodeZigZag(v))
		case gptrFieldSegment:
			out.Segment = SegmentID(protowire.DecodeZigZag(v))
		case gptrFieldOffset:
			out.Offset = v
		}
	}
	*p = out
	return nil
}
