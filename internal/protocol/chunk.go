package protocol

import (
	"encoding/binary"
	"fmt"
)

// Wire messages that fit in one DataChannel message are sent as they are, so a
// browser reads the {event, data} envelope straight from the channel. Larger
// messages are split into parts whose first byte is TypePart. No envelope
// starts with that byte: JSON opens with '{' and msgpack with a map header.
const TypePart uint8 = 0x02

// HeaderSize is the fixed chunk header size: Type(1) + MsgID(4) + Index(2) + Count(2).
const HeaderSize = 9

// MaxChunkSize bounds every DataChannel message, header included. 16 KiB is
// the largest size every SCTP stack delivers without fragmentation issues.
const MaxChunkSize = 16 * 1024

// MaxPayloadSize is the payload room left in one chunk.
const MaxPayloadSize = MaxChunkSize - HeaderSize

// MaxMessageSize is the largest wire message Split accepts.
const MaxMessageSize = 0xFFFF * MaxPayloadSize

// Chunk is one framed piece of a wire message transmitted over the
// DataChannel.
type Chunk struct {
	Type    uint8  // always TypePart
	MsgID   uint32 // Per-sender message identifier
	Index   uint16 // Position within the message, from 0
	Count   uint16 // Number of chunks in the message
	Payload []byte
}

// EncodeChunk serializes a Chunk into a byte slice.
func EncodeChunk(c *Chunk) []byte {
	buf := make([]byte, HeaderSize+len(c.Payload))
	buf[0] = c.Type
	binary.BigEndian.PutUint32(buf[1:5], c.MsgID)
	binary.BigEndian.PutUint16(buf[5:7], c.Index)
	binary.BigEndian.PutUint16(buf[7:9], c.Count)
	copy(buf[HeaderSize:], c.Payload)
	return buf
}

// DecodeChunk deserializes a byte slice into a Chunk.
func DecodeChunk(data []byte) (*Chunk, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("chunk too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	c := &Chunk{
		Type:  data[0],
		MsgID: binary.BigEndian.Uint32(data[1:5]),
		Index: binary.BigEndian.Uint16(data[5:7]),
		Count: binary.BigEndian.Uint16(data[7:9]),
	}
	switch {
	case c.Type != TypePart:
		return nil, fmt.Errorf("unknown chunk type 0x%02x", c.Type)
	case c.Count == 0 || c.Index >= c.Count:
		return nil, fmt.Errorf("chunk index %d out of range (count %d)", c.Index, c.Count)
	}
	if len(data) > HeaderSize {
		c.Payload = make([]byte, len(data)-HeaderSize)
		copy(c.Payload, data[HeaderSize:])
	}
	return c, nil
}

// Framed reports whether data is one part of a split message rather than a
// whole wire message.
func Framed(data []byte) bool {
	return len(data) >= HeaderSize && data[0] == TypePart
}

// Split returns the DataChannel messages that carry msg, each at most
// MaxChunkSize bytes. A message that already fits is returned unchanged.
func Split(msgID uint32, msg []byte) ([][]byte, error) {
	if len(msg) > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes (max %d)", len(msg), MaxMessageSize)
	}
	if len(msg) <= MaxChunkSize {
		return [][]byte{msg}, nil
	}

	count := (len(msg) + MaxPayloadSize - 1) / MaxPayloadSize
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		end := min((i+1)*MaxPayloadSize, len(msg))
		out = append(out, EncodeChunk(&Chunk{
			Type:    TypePart,
			MsgID:   msgID,
			Index:   uint16(i),
			Count:   uint16(count),
			Payload: msg[i*MaxPayloadSize : end],
		}))
	}
	return out, nil
}
