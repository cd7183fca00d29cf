package cell

import (
	"encoding/binary"
	"fmt"
)

// Relay cell layout inside a cell body, after full peeling:
//
//	relay_cmd  (1 byte)
//	recognised (2 bytes, 0x0000 in plaintext)
//	stream_id  (2 bytes)
//	digest     (4 bytes, running digest of the recognising hop)
//	length     (2 bytes)
//	payload    (length bytes)
//	padding    (zero, to BodyLen)
const (
	// RelayHeaderLen is the length of the relay header inside the body
	RelayHeaderLen = 11
	// MaxRelayPayload is the maximum payload of a single relay cell
	MaxRelayPayload = BodyLen - RelayHeaderLen // 490 bytes

	// digestOffset is the offset of the digest field inside the body
	digestOffset = 5
	// recognisedOffset is the offset of the recognised marker
	recognisedOffset = 1
)

// RelayCommand represents the inner command of a relay cell
type RelayCommand byte

// Relay commands
const (
	RelayBegin                 RelayCommand = 1
	RelayData                  RelayCommand = 2
	RelayEnd                   RelayCommand = 3
	RelayConnected             RelayCommand = 4
	RelaySendme                RelayCommand = 5
	RelayExtend                RelayCommand = 6
	RelayExtended              RelayCommand = 7
	RelayEstablishIntro        RelayCommand = 8
	RelayIntroEstablished      RelayCommand = 9
	RelayIntroduce1            RelayCommand = 10
	RelayIntroduce2            RelayCommand = 11
	RelayIntroduceAck          RelayCommand = 12
	RelayEstablishRendezvous   RelayCommand = 13
	RelayRendezvousEstablished RelayCommand = 14
	RelayRendezvous1           RelayCommand = 15
	RelayRendezvous2           RelayCommand = 16
	RelayRendezvousNack        RelayCommand = 17
)

// Reasons carried in the first payload byte of an END relay cell.
const (
	EndReasonMisc        byte = 1
	EndReasonDone        byte = 2
	EndReasonRefused     byte = 3
	EndReasonUnreachable byte = 4
	EndReasonExhausted   byte = 5
)

// String returns a human-readable representation of the relay command
func (c RelayCommand) String() string {
	switch c {
	case RelayBegin:
		return "BEGIN"
	case RelayData:
		return "DATA"
	case RelayEnd:
		return "END"
	case RelayConnected:
		return "CONNECTED"
	case RelaySendme:
		return "SENDME"
	case RelayExtend:
		return "EXTEND"
	case RelayExtended:
		return "EXTENDED"
	case RelayEstablishIntro:
		return "ESTABLISH_INTRO"
	case RelayIntroEstablished:
		return "INTRO_ESTABLISHED"
	case RelayIntroduce1:
		return "INTRODUCE1"
	case RelayIntroduce2:
		return "INTRODUCE2"
	case RelayIntroduceAck:
		return "INTRODUCE_ACK"
	case RelayEstablishRendezvous:
		return "ESTABLISH_RENDEZVOUS"
	case RelayRendezvousEstablished:
		return "RENDEZVOUS_ESTABLISHED"
	case RelayRendezvous1:
		return "RENDEZVOUS1"
	case RelayRendezvous2:
		return "RENDEZVOUS2"
	case RelayRendezvousNack:
		return "RENDEZVOUS_NACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", c)
	}
}

// RelayCell is the inner, onion-encrypted unit carried by a RELAY cell,
// meaningful only to the originator or the recognising hop.
type RelayCell struct {
	Command  RelayCommand
	StreamID uint16
	Digest   [4]byte
	Data     []byte
}

// NewRelayCell creates a relay cell. The digest field is filled in by the
// circuit layer when the cell is sealed.
func NewRelayCell(streamID uint16, cmd RelayCommand, data []byte) *RelayCell {
	return &RelayCell{
		Command:  cmd,
		StreamID: streamID,
		Data:     data,
	}
}

// Encode serialises the relay cell into a full-size cell body (BodyLen
// bytes, zero padded). The recognised marker is written as zero.
func (rc *RelayCell) Encode() ([]byte, error) {
	if len(rc.Data) > MaxRelayPayload {
		return nil, fmt.Errorf("relay payload too long: %d > %d", len(rc.Data), MaxRelayPayload)
	}

	body := make([]byte, BodyLen)
	body[0] = byte(rc.Command)
	// recognised marker: bytes 1-2 stay zero
	binary.BigEndian.PutUint16(body[3:5], rc.StreamID)
	copy(body[digestOffset:digestOffset+4], rc.Digest[:])
	binary.BigEndian.PutUint16(body[9:11], uint16(len(rc.Data)))
	copy(body[RelayHeaderLen:], rc.Data)
	return body, nil
}

// DecodeRelayCell parses a fully-peeled cell body into a relay cell.
func DecodeRelayCell(body []byte) (*RelayCell, error) {
	if len(body) < RelayHeaderLen {
		return nil, fmt.Errorf("relay cell too short: %d bytes", len(body))
	}

	recognised := binary.BigEndian.Uint16(body[recognisedOffset : recognisedOffset+2])
	if recognised != 0 {
		return nil, fmt.Errorf("relay cell not recognised: marker %#04x", recognised)
	}

	length := binary.BigEndian.Uint16(body[9:11])
	if int(length) > len(body)-RelayHeaderLen {
		return nil, fmt.Errorf("relay cell length %d exceeds body", length)
	}

	rc := &RelayCell{
		Command:  RelayCommand(body[0]),
		StreamID: binary.BigEndian.Uint16(body[3:5]),
		Data:     make([]byte, length),
	}
	copy(rc.Digest[:], body[digestOffset:digestOffset+4])
	copy(rc.Data, body[RelayHeaderLen:RelayHeaderLen+int(length)])
	return rc, nil
}

// Recognised reports whether a peeled body carries the plaintext
// recognised marker. A relay that fails this check forwards the cell
// rather than rejecting it.
func Recognised(body []byte) bool {
	if len(body) < RelayHeaderLen {
		return false
	}
	return binary.BigEndian.Uint16(body[recognisedOffset:recognisedOffset+2]) == 0
}

// PeekDigest extracts the digest field from a peeled body.
func PeekDigest(body []byte) [4]byte {
	var d [4]byte
	if len(body) >= digestOffset+4 {
		copy(d[:], body[digestOffset:digestOffset+4])
	}
	return d
}

// ZeroDigest returns a copy of the body with the digest field zeroed,
// the canonical bytes both ends hash when computing the running digest.
func ZeroDigest(body []byte) []byte {
	cp := make([]byte, len(body))
	copy(cp, body)
	for i := digestOffset; i < digestOffset+4 && i < len(cp); i++ {
		cp[i] = 0
	}
	return cp
}

// SetDigest writes the digest field into a body in place.
func SetDigest(body []byte, digest [4]byte) {
	if len(body) >= digestOffset+4 {
		copy(body[digestOffset:digestOffset+4], digest[:])
	}
}
