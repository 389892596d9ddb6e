package sol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMAC(t *testing.T) {
	mac, err := ParseMAC("00-17-0d-00-00-38-06-16")
	require.NoError(t, err)
	assert.Equal(t, MAC{0x00, 0x17, 0x0d, 0x00, 0x00, 0x38, 0x06, 0x16}, mac)
	assert.Equal(t, "00-17-0d-00-00-38-06-16", mac.String())

	colon, err := ParseMAC("00:17:0d:00:00:38:06:16")
	require.NoError(t, err)
	assert.Equal(t, mac, colon)

	_, err = ParseMAC("00-17-0d")
	assert.Error(t, err)

	_, err = ParseMAC("zz-17-0d-00-00-38-06-16")
	assert.Error(t, err)
}

func TestMACJSON(t *testing.T) {
	mac := MAC{0x00, 0x17, 0x0d, 0x00, 0x00, 0x38, 0x06, 0x16}

	out, err := json.Marshal(mac)
	require.NoError(t, err)
	assert.Equal(t, `"00-17-0d-00-00-38-06-16"`, string(out))

	var fromString MAC
	require.NoError(t, json.Unmarshal(out, &fromString))
	assert.Equal(t, mac, fromString)

	// The manager API represents addresses as arrays of byte values.
	var fromArray MAC
	require.NoError(t, json.Unmarshal([]byte(`[0,23,13,0,0,56,6,22]`), &fromArray))
	assert.Equal(t, mac, fromArray)

	var bad MAC
	assert.Error(t, json.Unmarshal([]byte(`[0,23]`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`42`), &bad))
}

func TestObjectValidate(t *testing.T) {
	valid := Object{
		MAC:       MAC{0, 0x17, 0x0d, 0, 0, 0x38, 0x06, 0x16},
		Timestamp: 1700000000,
		Type:      TypeDataRaw,
		Value:     json.RawMessage(`{"srcPort":61625}`),
	}
	require.NoError(t, valid.Validate())

	zeroMAC := valid
	zeroMAC.MAC = MAC{}
	assert.Error(t, zeroMAC.Validate())

	badTS := valid
	badTS.Timestamp = 0
	assert.Error(t, badTS.Validate())

	badType := valid
	badType.Type = Type(0x7f)
	assert.Error(t, badType.Validate())

	badValue := valid
	badValue.Value = json.RawMessage(`{"srcPort":`)
	assert.Error(t, badValue.Validate())

	emptyValue := valid
	emptyValue.Value = nil
	assert.Error(t, emptyValue.Validate())
}

func TestTypeNames(t *testing.T) {
	assert.True(t, TypeSnapshot.Valid())
	assert.Equal(t, "SNAPSHOT", TypeSnapshot.String())
	assert.False(t, Type(0x7f).Valid())
	assert.Equal(t, "UNKNOWN(0x7f)", Type(0x7f).String())
}
