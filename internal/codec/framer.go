// Package codec reassembles provider A's length-prefixed TCP stream into
// discrete payloads. Payload decoding is the session's concern; this layer
// only finds the frame boundaries.
package codec

import "encoding/binary"

// headerSize is the 4-byte big-endian unsigned length prefix.
const headerSize = 4

// Framer accumulates raw bytes and emits complete payloads. A partial
// frame is retained in the tail until the rest arrives. Not safe for
// concurrent use; each connection owns one Framer.
type Framer struct {
	tail []byte
}

// Push appends p to the internal buffer and returns every complete payload
// now available, in stream order. A zero-length frame yields an empty
// (non-nil) payload. The retained tail is copied down after each emission
// so a long-lived partial frame cannot pin the whole history of the
// stream.
func (f *Framer) Push(p []byte) [][]byte {
	f.tail = append(f.tail, p...)

	var payloads [][]byte
	for len(f.tail) >= headerSize {
		n := binary.BigEndian.Uint32(f.tail[:headerSize])
		total := headerSize + int(n)
		if len(f.tail) < total {
			break
		}
		payload := make([]byte, n)
		copy(payload, f.tail[headerSize:total])
		payloads = append(payloads, payload)

		remaining := len(f.tail) - total
		copy(f.tail, f.tail[total:])
		f.tail = f.tail[:remaining]
	}
	return payloads
}

// Pending returns the number of buffered bytes awaiting a complete frame.
func (f *Framer) Pending() int {
	return len(f.tail)
}

// AppendFrame appends payload to dst with the 4-byte length prefix and
// returns the extended slice.
func AppendFrame(dst, payload []byte) []byte {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}
