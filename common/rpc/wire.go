// Package rpc implements the bidirectional command/response protocol spoken
// between the region and its rack controllers: a length-prefixed key/value
// wire format over a persistent TCP connection, a registry of typed command
// schemas, and a connection type that multiplexes concurrent calls.
package rpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Reserved box keys. Every key starting with "_" belongs to the protocol.
const (
	keyCommand          = "_command"
	keyAsk              = "_ask"
	keyAnswer           = "_answer"
	keyError            = "_error"
	keyErrorCode        = "_error_code"
	keyErrorDescription = "_error_description"
)

const (
	maxKeyLen   = 255
	maxValueLen = 0xffff
)

// Box is one wire message: a flat set of byte-string key/value pairs.
type Box map[string][]byte

// writeBox serializes a box: repeated (uint16 key length, key, uint16 value
// length, value) pairs terminated by a zero key length. Keys are written in
// sorted order so frames are deterministic.
func writeBox(w io.Writer, box Box) error {
	keys := make([]string, 0, len(box))
	for k := range box {
		if len(k) == 0 || len(k) > maxKeyLen {
			return fmt.Errorf("invalid box key %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		v := box[k]
		if len(v) > maxValueLen {
			return fmt.Errorf("box value for %q exceeds %d bytes", k, maxValueLen)
		}
		binary.Write(&buf, binary.BigEndian, uint16(len(k)))
		buf.WriteString(k)
		binary.Write(&buf, binary.BigEndian, uint16(len(v)))
		buf.Write(v)
	}
	// Zero-length key terminates the box.
	buf.Write([]byte{0, 0})

	_, err := w.Write(buf.Bytes())
	return err
}

// readBox parses one box from r.
func readBox(r io.Reader) (Box, error) {
	box := make(Box)
	for {
		var keyLen uint16
		if err := binary.Read(r, binary.BigEndian, &keyLen); err != nil {
			return nil, err
		}
		if keyLen == 0 {
			return box, nil
		}
		if keyLen > maxKeyLen {
			return nil, fmt.Errorf("%w: key length %d", ErrProtocolViolation, keyLen)
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, err
		}
		var valLen uint16
		if err := binary.Read(r, binary.BigEndian, &valLen); err != nil {
			return nil, err
		}
		val := make([]byte, valLen)
		if _, err := io.ReadFull(r, val); err != nil {
			return nil, err
		}
		if _, dup := box[string(key)]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrProtocolViolation, key)
		}
		box[string(key)] = val
	}
}
