package mqttbroker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Control packet types (MQTT 3.1.1, section 2.2.1).
const (
	packetConnect     byte = 1
	packetConnAck     byte = 2
	packetPublish     byte = 3
	packetPubAck      byte = 4
	packetSubscribe   byte = 8
	packetSubAck      byte = 9
	packetUnsubscribe byte = 10
	packetUnsubAck    byte = 11
	packetPingReq     byte = 12
	packetPingResp    byte = 13
	packetDisconnect  byte = 14
)

const maxRemainingLength = 268_435_455

var errMalformedLength = errors.New("malformed remaining length")

// fixedHeader is the first byte of every control packet.
func fixedHeader(kind byte, flags byte) byte {
	return kind<<4 | flags&0x0F
}

// readPacket reads one control packet and returns its header byte and body.
func readPacket(r *bufio.Reader, limit int) (byte, []byte, error) {
	header, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}

	length, err := readRemainingLength(r)
	if err != nil {
		return 0, nil, err
	}
	if limit > 0 && length > limit {
		return 0, nil, fmt.Errorf("packet of %d bytes exceeds limit %d", length, limit)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return header, body, nil
}

func readRemainingLength(r io.ByteReader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&0x7F) * multiplier
		if digit&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, errMalformedLength
}

func appendRemainingLength(dst []byte, length int) []byte {
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		dst = append(dst, digit)
		if length == 0 {
			return dst
		}
	}
}

func encodePacket(header byte, body []byte) ([]byte, error) {
	if len(body) > maxRemainingLength {
		return nil, fmt.Errorf("packet body of %d bytes too large", len(body))
	}
	out := make([]byte, 0, 1+4+len(body))
	out = append(out, header)
	out = appendRemainingLength(out, len(body))
	return append(out, body...), nil
}

func encodePublish(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 0xFFFF {
		return nil, fmt.Errorf("topic of %d bytes too long", len(topic))
	}
	body := make([]byte, 0, 2+len(topic)+len(payload))
	body = appendString(body, topic)
	body = append(body, payload...)
	return encodePacket(fixedHeader(packetPublish, 0), body)
}

// encodeAck builds the four-byte PUBACK or UNSUBACK for packetID.
func encodeAck(kind byte, packetID uint16) []byte {
	return []byte{fixedHeader(kind, 0), 0x02, byte(packetID >> 8), byte(packetID)}
}

func encodeSubAck(packetID uint16, granted []byte) ([]byte, error) {
	body := []byte{byte(packetID >> 8), byte(packetID)}
	body = append(body, granted...)
	return encodePacket(fixedHeader(packetSubAck, 0), body)
}

func appendString(dst []byte, s string) []byte {
	dst = append(dst, byte(len(s)>>8), byte(len(s)))
	return append(dst, s...)
}

// body walks the variable header and payload of a packet.
type body []byte

func (b *body) readByte() (byte, error) {
	if len(*b) < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *body) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *body) readString() (string, error) {
	n, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(n) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:n])
	*b = (*b)[n:]
	return s, nil
}

func (b *body) rest() []byte {
	out := make([]byte, len(*b))
	copy(out, *b)
	*b = nil
	return out
}

func (b *body) remaining() int { return len(*b) }

// inboundPublish is a decoded PUBLISH packet.
type inboundPublish struct {
	topic    string
	qos      byte
	packetID uint16
	payload  []byte
}

func decodePublish(header byte, raw []byte) (inboundPublish, error) {
	qos := (header >> 1) & 0x03
	if qos > 1 {
		return inboundPublish{}, fmt.Errorf("unsupported qos %d", qos)
	}

	b := body(raw)
	topic, err := b.readString()
	if err != nil {
		return inboundPublish{}, fmt.Errorf("read topic: %w", err)
	}
	if topic == "" {
		return inboundPublish{}, errors.New("empty topic")
	}

	msg := inboundPublish{topic: topic, qos: qos}
	if qos == 1 {
		if msg.packetID, err = b.readUint16(); err != nil {
			return inboundPublish{}, fmt.Errorf("read packet id: %w", err)
		}
	}
	msg.payload = b.rest()
	return msg, nil
}
