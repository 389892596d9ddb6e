// Package sol implements the SOL sensor-object model and its encodings.
//
// A SOL object is the canonical record flowing through the publication
// pipeline: {mac, timestamp, type, value}. The package owns:
//   - the Object type and its invariants (Validate)
//   - the translation of raw manager notifications into objects
//   - the binary encoding used on the wire and in the backup file
//   - the HTTP chunk payload wrapping batches of binary objects
//   - the append-only backup file with scan-by-timestamp-range
//
// Objects are immutable after creation: Value is stored as raw JSON and is
// never rewritten, so encode→decode round-trips are byte-identical.
package sol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MACLen is the length of a mesh device identifier.
const MACLen = 8

// MAC is an 8-byte device identifier, printed as "00-17-0d-00-00-38-06-16".
type MAC [MACLen]byte

func (m MAC) String() string {
	parts := make([]string, MACLen)
	for i, b := range m {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, "-")
}

// IsZero reports whether the MAC is all zeroes. The zero MAC is only valid
// as the seed of a getMoteConfig iteration, never on a published object.
func (m MAC) IsZero() bool {
	return m == MAC{}
}

// ParseMAC parses the dashed (or colon-separated) hex form.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	sep := "-"
	if strings.Contains(s, ":") {
		sep = ":"
	}
	parts := strings.Split(s, sep)
	if len(parts) != MACLen {
		return m, fmt.Errorf("sol: malformed MAC %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return m, fmt.Errorf("sol: malformed MAC %q: %w", s, err)
		}
		m[i] = byte(v)
	}
	return m, nil
}

// MACFromBytes converts a byte slice of length 8 into a MAC.
func MACFromBytes(b []byte) (MAC, error) {
	var m MAC
	if len(b) != MACLen {
		return m, fmt.Errorf("sol: MAC must be %d bytes, got %d", MACLen, len(b))
	}
	copy(m[:], b)
	return m, nil
}

// MarshalJSON renders the MAC in its dashed hex form.
func (m MAC) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts either the dashed hex string or an array of 8 byte
// values, which is how the manager API represents addresses.
func (m *MAC) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseMAC(s)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	}
	var raw []byte
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("sol: MAC must be a string or byte array")
	}
	parsed, err := MACFromBytes(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Type tags the shape of an object's value payload.
type Type uint8

const (
	TypeDataRaw         Type = 0x01
	TypeEvent           Type = 0x02
	TypeHealthReport    Type = 0x03
	TypeIPData          Type = 0x04
	TypeLog             Type = 0x05
	TypeSnapshot        Type = 0x20
	TypeSolManagerStats Type = 0x21
)

var typeNames = map[Type]string{
	TypeDataRaw:         "NOTIF_DATA_RAW",
	TypeEvent:           "NOTIF_EVENT",
	TypeHealthReport:    "NOTIF_HEALTHREPORT",
	TypeIPData:          "NOTIF_IPDATA",
	TypeLog:             "NOTIF_LOG",
	TypeSnapshot:        "SNAPSHOT",
	TypeSolManagerStats: "SOLMANAGER_STATS",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

// Valid reports whether t belongs to the closed type enumeration.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Object is one canonical sensor record. Timestamp is epoch seconds UTC.
// Value is the type-specific payload, kept as raw JSON so the object can be
// re-encoded without loss.
type Object struct {
	MAC       MAC             `json:"mac"`
	Timestamp int64           `json:"timestamp"`
	Type      Type            `json:"type"`
	Value     json.RawMessage `json:"value"`
}

// Validate checks the object invariants: non-zero MAC, positive timestamp,
// known type, well-formed value.
func (o Object) Validate() error {
	if o.MAC.IsZero() {
		return fmt.Errorf("sol: object has zero MAC")
	}
	if o.Timestamp <= 0 {
		return fmt.Errorf("sol: object timestamp %d is not positive", o.Timestamp)
	}
	if !o.Type.Valid() {
		return fmt.Errorf("sol: unknown object type 0x%02x", uint8(o.Type))
	}
	if len(o.Value) == 0 || !json.Valid(o.Value) {
		return fmt.Errorf("sol: object value is not valid JSON")
	}
	return nil
}
