package sol

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// binVersion is the version byte leading every binary-encoded object.
// Decoders reject records with any other value so the format can evolve.
const binVersion = 0x01

// maxValueLen caps the value payload of a single object on decode. Guards
// the backup-file scanner against a corrupted length prefix.
const maxValueLen = 1 << 20

// Binary layout of one object:
//
//	[1] version  [8] mac  [4] timestamp (uint32 BE)  [1] type
//	[4] value length (uint32 BE)  [n] value JSON
//
// The format is self-framing, so the backup file is a plain concatenation
// of records.

// EncodeBinary serializes one object into the binary record format.
func EncodeBinary(o Object) ([]byte, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if o.Timestamp > int64(^uint32(0)) {
		return nil, fmt.Errorf("sol: timestamp %d overflows the wire format", o.Timestamp)
	}
	buf := make([]byte, 0, 1+MACLen+4+1+4+len(o.Value))
	buf = append(buf, binVersion)
	buf = append(buf, o.MAC[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(o.Timestamp))
	buf = append(buf, byte(o.Type))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(o.Value)))
	buf = append(buf, o.Value...)
	return buf, nil
}

// DecodeBinary reads one object from r. Returns io.EOF when r is exhausted
// at a record boundary.
func DecodeBinary(r io.Reader) (Object, error) {
	var o Object

	var header [1 + MACLen + 4 + 1 + 4]byte
	if _, err := io.ReadFull(r, header[:1]); err != nil {
		if errors.Is(err, io.EOF) {
			return o, io.EOF
		}
		return o, fmt.Errorf("sol: reading record header: %w", err)
	}
	if header[0] != binVersion {
		return o, fmt.Errorf("sol: unsupported record version 0x%02x", header[0])
	}
	if _, err := io.ReadFull(r, header[1:]); err != nil {
		return o, fmt.Errorf("sol: truncated record header: %w", err)
	}

	copy(o.MAC[:], header[1:1+MACLen])
	o.Timestamp = int64(binary.BigEndian.Uint32(header[1+MACLen : 1+MACLen+4]))
	o.Type = Type(header[1+MACLen+4])

	valueLen := binary.BigEndian.Uint32(header[1+MACLen+5:])
	if valueLen > maxValueLen {
		return o, fmt.Errorf("sol: record value length %d exceeds limit", valueLen)
	}
	o.Value = make(json.RawMessage, valueLen)
	if _, err := io.ReadFull(r, o.Value); err != nil {
		return o, fmt.Errorf("sol: truncated record value: %w", err)
	}
	if err := o.Validate(); err != nil {
		return o, err
	}
	return o, nil
}

// chunkEnvelope is the JSON body POSTed to the upstream server: a format
// version and a list of base64-encoded binary objects.
type chunkEnvelope struct {
	V int      `json:"v"`
	O []string `json:"o"`
}

// ChunkPayload wraps a batch of binary-encoded objects into the HTTP body
// accepted by the upstream /api/v1/o.json endpoint.
func ChunkPayload(bins [][]byte) ([]byte, error) {
	env := chunkEnvelope{V: binVersion, O: make([]string, len(bins))}
	for i, b := range bins {
		env.O[i] = base64.StdEncoding.EncodeToString(b)
	}
	return json.Marshal(env)
}

// DecodeChunkPayload is the inverse of ChunkPayload. The upstream server is
// the primary consumer; it is kept here so tests can verify payloads end to
// end.
func DecodeChunkPayload(payload []byte) ([]Object, error) {
	var env chunkEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("sol: malformed chunk payload: %w", err)
	}
	if env.V != binVersion {
		return nil, fmt.Errorf("sol: unsupported chunk payload version %d", env.V)
	}
	objs := make([]Object, 0, len(env.O))
	for i, s := range env.O {
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("sol: chunk entry %d: %w", i, err)
		}
		o, err := decodeOne(raw)
		if err != nil {
			return nil, fmt.Errorf("sol: chunk entry %d: %w", i, err)
		}
		objs = append(objs, o)
	}
	return objs, nil
}

func decodeOne(raw []byte) (Object, error) {
	return DecodeBinary(bytes.NewReader(raw))
}
