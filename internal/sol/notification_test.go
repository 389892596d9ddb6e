package sol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testManagerMAC = MAC{0x00, 0x17, 0x0d, 0x00, 0x00, 0x38, 0x06, 0x16}
	testMoteMAC    = MAC{0x00, 0x17, 0x0d, 0x00, 0x00, 0x38, 0x07, 0x01}
)

func TestNetworkTime(t *testing.T) {
	n := Notification{Name: NotifData, Body: json.RawMessage(`{"utcSecs":1700000000,"utcUsecs":250000}`)}
	secs, usecs, ok := n.NetworkTime()
	require.True(t, ok)
	assert.Equal(t, int64(1700000000), secs)
	assert.Equal(t, int64(250000), usecs)

	// Both fields must be present for a usable sample.
	partial := Notification{Name: NotifData, Body: json.RawMessage(`{"utcSecs":1700000000}`)}
	_, _, ok = partial.NetworkTime()
	assert.False(t, ok)

	empty := Notification{Name: NotifEvent, Body: json.RawMessage(`{}`)}
	_, _, ok = empty.NetworkTime()
	assert.False(t, ok)
}

func TestFromNotificationData(t *testing.T) {
	n := Notification{
		Name: NotifData,
		Body: json.RawMessage(`{"macAddress":"00-17-0d-00-00-38-07-01","srcPort":61625,"dstPort":61625,"data":"AQID"}`),
	}
	objs, err := FromNotification(n, testManagerMAC, 1700000100)
	require.NoError(t, err)
	require.Len(t, objs, 1)

	o := objs[0]
	assert.Equal(t, testMoteMAC, o.MAC)
	assert.Equal(t, int64(1700000100), o.Timestamp)
	assert.Equal(t, TypeDataRaw, o.Type)
	assert.NoError(t, o.Validate())

	var value struct {
		SrcPort int    `json:"srcPort"`
		DstPort int    `json:"dstPort"`
		Payload []byte `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(o.Value, &value))
	assert.Equal(t, 61625, value.SrcPort)
	assert.Equal(t, []byte{1, 2, 3}, value.Payload)
}

func TestFromNotificationDataFallsBackToManagerMAC(t *testing.T) {
	n := Notification{Name: NotifOAP, Body: json.RawMessage(`{"srcPort":1,"dstPort":2,"data":"AA=="}`)}
	objs, err := FromNotification(n, testManagerMAC, 1700000100)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, testManagerMAC, objs[0].MAC)
}

func TestFromNotificationEvent(t *testing.T) {
	n := Notification{
		Name: NotifEvent,
		Body: json.RawMessage(`{"eventId":17,"eventType":4,"eventData":{"moteId":3}}`),
	}
	objs, err := FromNotification(n, testManagerMAC, 1700000100)
	require.NoError(t, err)
	require.Len(t, objs, 1)

	// Events originate from the manager itself.
	assert.Equal(t, testManagerMAC, objs[0].MAC)
	assert.Equal(t, TypeEvent, objs[0].Type)

	var value struct {
		EventID   int             `json:"eventId"`
		EventType int             `json:"eventType"`
		Payload   json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(objs[0].Value, &value))
	assert.Equal(t, 17, value.EventID)
	assert.JSONEq(t, `{"moteId":3}`, string(value.Payload))
}

func TestFromNotificationHealthReportFanOut(t *testing.T) {
	n := Notification{
		Name: NotifHR,
		Body: json.RawMessage(`{"macAddress":"00-17-0d-00-00-38-07-01","hr":{"Neighbors":{"numItems":2},"Device":{"charge":100}}}`),
	}
	objs, err := FromNotification(n, testManagerMAC, 1700000100)
	require.NoError(t, err)
	require.Len(t, objs, 2)

	// One object per section, in sorted section-name order.
	var first, second struct {
		Name   string          `json:"name"`
		Fields json.RawMessage `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(objs[0].Value, &first))
	require.NoError(t, json.Unmarshal(objs[1].Value, &second))
	assert.Equal(t, "Device", first.Name)
	assert.Equal(t, "Neighbors", second.Name)

	for _, o := range objs {
		assert.Equal(t, testMoteMAC, o.MAC)
		assert.Equal(t, TypeHealthReport, o.Type)
		assert.NoError(t, o.Validate())
	}
}

func TestFromNotificationLogAndIPData(t *testing.T) {
	log := Notification{Name: NotifLog, Body: json.RawMessage(`{"macAddress":"00-17-0d-00-00-38-07-01","logMsg":"aGk="}`)}
	objs, err := FromNotification(log, testManagerMAC, 1700000100)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, TypeLog, objs[0].Type)

	ip := Notification{Name: NotifIPData, Body: json.RawMessage(`{"data":"AQI="}`)}
	objs, err = FromNotification(ip, testManagerMAC, 1700000100)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, TypeIPData, objs[0].Type)
	assert.Equal(t, testManagerMAC, objs[0].MAC)
}

func TestFromNotificationUnknownKind(t *testing.T) {
	n := Notification{Name: "somethingNew", Body: json.RawMessage(`{}`)}
	objs, err := FromNotification(n, testManagerMAC, 1700000100)
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestFromNotificationMalformedBody(t *testing.T) {
	n := Notification{Name: NotifData, Body: json.RawMessage(`{"srcPort":`)}
	_, err := FromNotification(n, testManagerMAC, 1700000100)
	assert.Error(t, err)
}
