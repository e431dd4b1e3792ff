// Package seq implements the 2-bit packed sequence format: C=0, A=1,
// T=2, G=3; any other character (conventionally N) compresses to the
// same code as G, with its original position and character recorded
// in an out-of-band exception list so decompression restores the
// exact upper-cased original, not a lossy G.
package seq

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	codeC = 0
	codeA = 1
	codeT = 2
	codeG = 3

	ambiguousCode = codeG
)

var baseToCode = map[byte]byte{
	'C': codeC,
	'A': codeA,
	'T': codeT,
	'G': codeG,
}

var codeToBase = [4]byte{'C', 'A', 'T', 'G'}

// Exception records one ambiguous base's original position and
// character, so Decompress can restore it exactly instead of
// reporting back the G it was packed as.
type Exception struct {
	Position int
	Char     byte
}

// Compressed is a packed sequence plus the header fields needed to
// invert it: the original length (packing may pad the final byte) and
// the exception list for ambiguous bases.
type Compressed struct {
	Length     int
	Packed     []byte
	Exceptions []Exception
}

// Compress packs s (case-insensitively) 4 bases to the byte. Any
// character outside A/C/G/T is packed as the ambiguous sentinel and
// recorded as an Exception so Decompress can recover the original
// character exactly.
func Compress(s string) Compressed {
	upper := strings.ToUpper(s)
	c := Compressed{Length: len(upper)}
	c.Packed = make([]byte, (len(upper)+3)/4)

	for i := 0; i < len(upper); i++ {
		ch := upper[i]
		code, ok := baseToCode[ch]
		if !ok {
			code = ambiguousCode
			c.Exceptions = append(c.Exceptions, Exception{Position: i, Char: ch})
		}
		c.Packed[i/4] |= code << uint((i%4)*2)
	}
	return c
}

// Decompress inverts Compress exactly: uncompress(compress(s)) equals
// strings.ToUpper(s), including every ambiguous base, because the
// exception list restores what the 2-bit code alone would lose.
func Decompress(c Compressed) string {
	out := make([]byte, c.Length)
	for i := 0; i < c.Length; i++ {
		code := (c.Packed[i/4] >> uint((i%4)*2)) & 0x3
		out[i] = codeToBase[code]
	}
	for _, e := range c.Exceptions {
		if e.Position < 0 || e.Position >= len(out) {
			continue
		}
		out[e.Position] = e.Char
	}
	return string(out)
}

// Marshal encodes the on-disk framing for one compressed record: a fixed
// 4-byte length prefix, a 4-byte exception count, the exceptions
// themselves (5 bytes each: 4-byte position + 1-byte char), then the
// packed bases. metadata is this exception list — an out-of-band
// channel the 2-bit stream alone can't carry.
func Marshal(c Compressed) []byte {
	buf := make([]byte, 0, 8+len(c.Exceptions)*5+len(c.Packed))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(c.Length))
	buf = append(buf, lenBuf[:]...)

	var excBuf [4]byte
	binary.BigEndian.PutUint32(excBuf[:], uint32(len(c.Exceptions)))
	buf = append(buf, excBuf[:]...)

	for _, e := range c.Exceptions {
		var posBuf [4]byte
		binary.BigEndian.PutUint32(posBuf[:], uint32(e.Position))
		buf = append(buf, posBuf[:]...)
		buf = append(buf, e.Char)
	}
	buf = append(buf, c.Packed...)
	return buf
}

// Unmarshal inverts Marshal.
func Unmarshal(data []byte) (Compressed, error) {
	if len(data) < 8 {
		return Compressed{}, fmt.Errorf("seq: header truncated, got %d bytes", len(data))
	}
	length := int(binary.BigEndian.Uint32(data[0:4]))
	excCount := int(binary.BigEndian.Uint32(data[4:8]))

	offset := 8
	exceptions := make([]Exception, 0, excCount)
	for i := 0; i < excCount; i++ {
		if offset+5 > len(data) {
			return Compressed{}, fmt.Errorf("seq: exception list truncated at entry %d", i)
		}
		pos := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		ch := data[offset+4]
		exceptions = append(exceptions, Exception{Position: pos, Char: ch})
		offset += 5
	}

	packedLen := (length + 3) / 4
	if offset+packedLen > len(data) {
		return Compressed{}, fmt.Errorf("seq: packed body truncated, want %d bytes, have %d", packedLen, len(data)-offset)
	}
	packed := make([]byte, packedLen)
	copy(packed, data[offset:offset+packedLen])

	return Compressed{Length: length, Packed: packed, Exceptions: exceptions}, nil
}
