// Package socketio speaks the subset of Engine.IO v4 / Socket.IO v5 used by
// the AVC backend: text packets over a single websocket transport on the
// default namespace.
package socketio

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Engine.IO packet types.
const (
	eioOpen    byte = '0'
	eioClose   byte = '1'
	eioPing    byte = '2'
	eioPong    byte = '3'
	eioMessage byte = '4'
	eioUpgrade byte = '5'
	eioNoop    byte = '6'
)

// Socket.IO packet types.
const (
	sioConnect      byte = '0'
	sioDisconnect   byte = '1'
	sioEvent        byte = '2'
	sioAck          byte = '3'
	sioConnectError byte = '4'
	sioBinaryEvent  byte = '5'
	sioBinaryAck    byte = '6'
)

// Synthetic events delivered by Client around the transport lifetime.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

var (
	ErrEmptyPacket       = errors.New("socketio: empty packet")
	ErrBinaryUnsupported = errors.New("socketio: binary packets are not supported")
)

// Event is a named Socket.IO event. Data holds the raw JSON of the first
// argument, or nil when the event carried none.
type Event struct {
	Name string
	Data []byte
}

// handshake is the Engine.IO OPEN payload.
type handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// packet is a decoded Socket.IO packet (the part after the Engine.IO '4').
type packet struct {
	Type      byte
	Namespace string
	HasAck    bool
	AckID     uint64
	Data      []byte
}

func decodePacket(b []byte) (packet, error) {
	if len(b) == 0 {
		return packet{}, ErrEmptyPacket
	}

	p := packet{Type: b[0], Namespace: "/"}
	if p.Type < sioConnect || p.Type > sioBinaryAck {
		return p, fmt.Errorf("socketio: unknown packet type %q", p.Type)
	}
	if p.Type == sioBinaryEvent || p.Type == sioBinaryAck {
		return p, ErrBinaryUnsupported
	}

	rest := b[1:]
	if len(rest) > 0 && rest[0] == '/' {
		if idx := bytes.IndexByte(rest, ','); idx >= 0 {
			p.Namespace = string(rest[:idx])
			rest = rest[idx+1:]
		} else {
			p.Namespace = string(rest)
			rest = nil
		}
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.ParseUint(string(rest[:i]), 10, 64)
		if err != nil {
			return p, fmt.Errorf("socketio: bad ack id: %w", err)
		}
		p.HasAck = true
		p.AckID = id
		rest = rest[i:]
	}

	p.Data = rest
	return p, nil
}

// event extracts the event name and first argument from an EVENT packet.
func (p packet) event() (Event, error) {
	if p.Type != sioEvent {
		return Event{}, fmt.Errorf("socketio: packet type %q is not an event", p.Type)
	}

	var parts []jsoniter.RawMessage
	if err := json.Unmarshal(p.Data, &parts); err != nil {
		return Event{}, fmt.Errorf("socketio: decode event: %w", err)
	}
	if len(parts) == 0 {
		return Event{}, errors.New("socketio: event without name")
	}

	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return Event{}, fmt.Errorf("socketio: event name: %w", err)
	}

	ev := Event{Name: name}
	if len(parts) > 1 {
		ev.Data = []byte(parts[1])
	}
	return ev, nil
}

// encodeEvent builds a complete Engine.IO message carrying a Socket.IO EVENT.
func encodeEvent(namespace, name string, args ...any) ([]byte, error) {
	payload := make([]any, 0, len(args)+1)
	payload = append(payload, name)
	payload = append(payload, args...)

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("socketio: encode %s: %w", name, err)
	}

	var buf bytes.Buffer
	buf.Grow(len(data) + len(namespace) + 3)
	buf.WriteByte(eioMessage)
	buf.WriteByte(sioEvent)
	if namespace != "" && namespace != "/" {
		buf.WriteString(namespace)
		buf.WriteByte(',')
	}
	buf.Write(data)
	return buf.Bytes(), nil
}

// encodeControl builds an Engine.IO message carrying a Socket.IO control
// packet (CONNECT, DISCONNECT, CONNECT_ERROR) with an optional JSON body.
func encodeControl(sioType byte, body any) ([]byte, error) {
	out := []byte{eioMessage, sioType}
	if body == nil {
		return out, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return append(out, data...), nil
}
