package sol

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Notification names as emitted by the manager. NotifHealthReportRaw is the
// unparsed SDK-internal form and is filtered out before dispatch; the
// structured health reports arrive under NotifHR.
const (
	NotifData            = "notifData"
	NotifEvent           = "event"
	NotifHR              = "hr"
	NotifHealthReportRaw = "notifHealthReport"
	NotifIPData          = "notifIpData"
	NotifLog             = "notifLog"
	NotifOAP             = "oap"
	NotifError           = "error"
	NotifFinish          = "finish"
)

// Notification is one raw message from the manager: a name identifying the
// notification kind and the undecoded JSON body. It is created on arrival
// and consumed exactly once by the dispatcher.
type Notification struct {
	Name string
	Body json.RawMessage
}

// networkTime is the optional manager-clock pair carried by most
// notifications.
type networkTime struct {
	UTCSecs  *int64 `json:"utcSecs"`
	UTCUsecs *int64 `json:"utcUsecs"`
}

// NetworkTime extracts the manager-clock sample from the body, if present.
func (n Notification) NetworkTime() (secs, usecs int64, ok bool) {
	var nt networkTime
	if err := json.Unmarshal(n.Body, &nt); err != nil {
		return 0, 0, false
	}
	if nt.UTCSecs == nil || nt.UTCUsecs == nil {
		return 0, 0, false
	}
	return *nt.UTCSecs, *nt.UTCUsecs, true
}

// FromNotification translates one manager notification into zero or more SOL
// objects. managerMAC identifies the originating basestation and is used for
// notifications that carry no mote address of their own. epoch is the
// projected arrival time in epoch seconds.
//
// Health reports fan out into one object per report section; notification
// kinds with no object mapping yield an empty slice.
func FromNotification(n Notification, managerMAC MAC, epoch int64) ([]Object, error) {
	switch n.Name {
	case NotifData, NotifOAP:
		return dataToObjects(n, managerMAC, epoch)
	case NotifEvent:
		return eventToObjects(n, managerMAC, epoch)
	case NotifHR:
		return hrToObjects(n, managerMAC, epoch)
	case NotifIPData:
		return ipDataToObjects(n, managerMAC, epoch)
	case NotifLog:
		return logToObjects(n, managerMAC, epoch)
	default:
		return nil, nil
	}
}

func dataToObjects(n Notification, managerMAC MAC, epoch int64) ([]Object, error) {
	var body struct {
		MACAddress *MAC   `json:"macAddress"`
		SrcPort    int    `json:"srcPort"`
		DstPort    int    `json:"dstPort"`
		Data       []byte `json:"data"`
	}
	if err := json.Unmarshal(n.Body, &body); err != nil {
		return nil, fmt.Errorf("sol: malformed %s body: %w", n.Name, err)
	}
	value, err := json.Marshal(struct {
		SrcPort int    `json:"srcPort"`
		DstPort int    `json:"dstPort"`
		Payload []byte `json:"payload"`
	}{body.SrcPort, body.DstPort, body.Data})
	if err != nil {
		return nil, err
	}
	mac := managerMAC
	if body.MACAddress != nil {
		mac = *body.MACAddress
	}
	return []Object{{MAC: mac, Timestamp: epoch, Type: TypeDataRaw, Value: value}}, nil
}

func eventToObjects(n Notification, managerMAC MAC, epoch int64) ([]Object, error) {
	var body struct {
		EventID   int             `json:"eventId"`
		EventType int             `json:"eventType"`
		EventData json.RawMessage `json:"eventData"`
	}
	if err := json.Unmarshal(n.Body, &body); err != nil {
		return nil, fmt.Errorf("sol: malformed event body: %w", err)
	}
	if body.EventData == nil {
		body.EventData = json.RawMessage("null")
	}
	value, err := json.Marshal(struct {
		EventID   int             `json:"eventId"`
		EventType int             `json:"eventType"`
		Payload   json.RawMessage `json:"payload"`
	}{body.EventID, body.EventType, body.EventData})
	if err != nil {
		return nil, err
	}
	return []Object{{MAC: managerMAC, Timestamp: epoch, Type: TypeEvent, Value: value}}, nil
}

// hrToObjects fans a structured health report out into one object per
// section ("Device", "Neighbors", ...). Sections are emitted in sorted name
// order so repeated translations of the same report are deterministic.
func hrToObjects(n Notification, managerMAC MAC, epoch int64) ([]Object, error) {
	var body struct {
		MACAddress *MAC                       `json:"macAddress"`
		HR         map[string]json.RawMessage `json:"hr"`
	}
	if err := json.Unmarshal(n.Body, &body); err != nil {
		return nil, fmt.Errorf("sol: malformed hr body: %w", err)
	}
	mac := managerMAC
	if body.MACAddress != nil {
		mac = *body.MACAddress
	}
	names := make([]string, 0, len(body.HR))
	for name := range body.HR {
		names = append(names, name)
	}
	sort.Strings(names)

	objs := make([]Object, 0, len(names))
	for _, name := range names {
		value, err := json.Marshal(struct {
			Name   string          `json:"name"`
			Fields json.RawMessage `json:"fields"`
		}{name, body.HR[name]})
		if err != nil {
			return nil, err
		}
		objs = append(objs, Object{MAC: mac, Timestamp: epoch, Type: TypeHealthReport, Value: value})
	}
	return objs, nil
}

func ipDataToObjects(n Notification, managerMAC MAC, epoch int64) ([]Object, error) {
	var body struct {
		MACAddress *MAC   `json:"macAddress"`
		Data       []byte `json:"data"`
	}
	if err := json.Unmarshal(n.Body, &body); err != nil {
		return nil, fmt.Errorf("sol: malformed ip data body: %w", err)
	}
	value, err := json.Marshal(struct {
		Payload []byte `json:"payload"`
	}{body.Data})
	if err != nil {
		return nil, err
	}
	mac := managerMAC
	if body.MACAddress != nil {
		mac = *body.MACAddress
	}
	return []Object{{MAC: mac, Timestamp: epoch, Type: TypeIPData, Value: value}}, nil
}

func logToObjects(n Notification, managerMAC MAC, epoch int64) ([]Object, error) {
	var body struct {
		MACAddress *MAC   `json:"macAddress"`
		LogMsg     []byte `json:"logMsg"`
	}
	if err := json.Unmarshal(n.Body, &body); err != nil {
		return nil, fmt.Errorf("sol: malformed log body: %w", err)
	}
	value, err := json.Marshal(struct {
		Message []byte `json:"message"`
	}{body.LogMsg})
	if err != nil {
		return nil, err
	}
	mac := managerMAC
	if body.MACAddress != nil {
		mac = *body.MACAddress
	}
	return []Object{{MAC: mac, Timestamp: epoch, Type: TypeLog, Value: value}}, nil
}
