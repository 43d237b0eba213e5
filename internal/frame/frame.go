package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrMalformedFrame is returned when a frame's reported lengths do not
	// fit within the bytes actually received.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnsupportedVersion is returned when a frame's preamble carries a
	// version byte this codec does not understand.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrUnknownFrameType is returned for a type byte not in the protocol.
	ErrUnknownFrameType = errors.New("unknown frame type")

	// ErrEncoding is returned when a value cannot legally be placed on the
	// wire (e.g. a length-prefixed string over 255 bytes).
	ErrEncoding = errors.New("encoding error")
)

// Frame is the generic wire unit: a 2-byte preamble plus an opaque,
// type-specific body. Typed payload structs in this package encode to and
// decode from Frame.Payload.
type Frame struct {
	Type    Type
	Payload []byte
}

// Pack serializes a frame of type t carrying body to its wire
// representation: version(1) | type(1) | body.
func Pack(t Type, body []byte) []byte {
	buf := make([]byte, 2+len(body))
	buf[0] = Version
	buf[1] = uint8(t)
	copy(buf[2:], body)
	return buf
}

// Parse splits a raw WebSocket message into its frame type and body,
// validating the preamble. It does not interpret the body; callers use the
// matching typed payload's Decode to do that.
func Parse(buf []byte) (*Frame, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: preamble truncated", ErrMalformedFrame)
	}
	if buf[0] != Version {
		return nil, fmt.Errorf("%w: got %d", ErrUnsupportedVersion, buf[0])
	}
	return &Frame{Type: Type(buf[1]), Payload: buf[2:]}, nil
}

// writeLengthPrefixed appends a 1-byte length followed by s to buf. It
// fails with ErrEncoding if s is longer than MaxLengthPrefixed.
func writeLengthPrefixed(buf []byte, s string) ([]byte, error) {
	if len(s) > MaxLengthPrefixed {
		return nil, fmt.Errorf("%w: string of %d bytes exceeds %d", ErrEncoding, len(s), MaxLengthPrefixed)
	}
	buf = append(buf, byte(len(s)))
	buf = append(buf, s...)
	return buf, nil
}

// readLengthPrefixed reads a 1-byte length followed by that many bytes from
// buf, returning the string and the number of bytes consumed.
func readLengthPrefixed(buf []byte) (string, int, error) {
	if len(buf) < 1 {
		return "", 0, fmt.Errorf("%w: missing length byte", ErrMalformedFrame)
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return "", 0, fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrMalformedFrame, n, len(buf)-1)
	}
	return string(buf[1 : 1+n]), 1 + n, nil
}

// AuthPayload is the body of an AUTH frame.
type AuthPayload struct {
	Token    string
	Reverse  bool
	Instance ChannelID
}

func (p *AuthPayload) Encode() ([]byte, error) {
	buf := make([]byte, 0, 1+len(p.Token)+1+16)
	var err error
	buf, err = writeLengthPrefixed(buf, p.Token)
	if err != nil {
		return nil, err
	}
	if p.Reverse {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, p.Instance.Bytes()...)
	return buf, nil
}

func DecodeAuth(body []byte) (*AuthPayload, error) {
	token, n, err := readLengthPrefixed(body)
	if err != nil {
		return nil, err
	}
	rest := body[n:]
	if len(rest) < 1+16 {
		return nil, fmt.Errorf("%w: AUTH body truncated", ErrMalformedFrame)
	}
	instance, err := ChannelIDFromBytes(rest[1:17])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &AuthPayload{
		Token:    token,
		Reverse:  rest[0] != 0,
		Instance: instance,
	}, nil
}

// AuthResponsePayload is the body of an AUTH_RESPONSE frame.
type AuthResponsePayload struct {
	Success bool
	Error   string
}

func (p *AuthResponsePayload) Encode() ([]byte, error) {
	if p.Success {
		return []byte{1}, nil
	}
	buf := []byte{0}
	return writeLengthPrefixed(buf, p.Error)
}

func DecodeAuthResponse(body []byte) (*AuthResponsePayload, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("%w: AUTH_RESPONSE body truncated", ErrMalformedFrame)
	}
	if body[0] != 0 {
		return &AuthResponsePayload{Success: true}, nil
	}
	errMsg, _, err := readLengthPrefixed(body[1:])
	if err != nil {
		return nil, err
	}
	return &AuthResponsePayload{Success: false, Error: errMsg}, nil
}

// Addr is a SOCKS5-style address: one of Host (domain) or IP bytes, plus a
// port, tagged by AddrType. On the wire it is addrLen(1) | host text |
// port(2); IPs travel as their textual form and AddrType is inferred from
// that text on decode.
type Addr struct {
	AddrType uint8
	Host     string // for AddrTypeDomain
	IP       []byte // 4 or 16 bytes for AddrTypeIPv4/AddrTypeIPv6
	Port     uint16
}

func (a *Addr) encode() ([]byte, error) {
	var addrBytes string
	switch a.AddrType {
	case AddrTypeDomain:
		addrBytes = a.Host
	case AddrTypeIPv4, AddrTypeIPv6:
		addrBytes = net.IP(a.IP).String()
	default:
		return nil, fmt.Errorf("%w: unknown address type %d", ErrEncoding, a.AddrType)
	}
	buf, err := writeLengthPrefixed(nil, addrBytes)
	if err != nil {
		return nil, err
	}
	port := make([]byte, 2)
	binary.BigEndian.PutUint16(port, a.Port)
	return append(buf, port...), nil
}

func decodeAddr(body []byte) (*Addr, int, error) {
	raw, n, err := readLengthPrefixed(body)
	if err != nil {
		return nil, 0, err
	}
	rest := body[n:]
	if len(rest) < 2 {
		return nil, 0, fmt.Errorf("%w: address missing port", ErrMalformedFrame)
	}
	port := binary.BigEndian.Uint16(rest[0:2])
	a := &Addr{Port: port}
	if ip := net.ParseIP(raw); ip == nil {
		a.AddrType, a.Host = AddrTypeDomain, raw
	} else if ip4 := ip.To4(); ip4 != nil {
		a.AddrType, a.IP = AddrTypeIPv4, []byte(ip4)
	} else {
		a.AddrType, a.IP = AddrTypeIPv6, []byte(ip)
	}
	return a, n + 2, nil
}

// ConnectPayload is the body of a CONNECT frame.
type ConnectPayload struct {
	Protocol  Protocol
	ChannelID ChannelID
	Addr      *Addr // present when Protocol == ProtocolTCP
}

func (p *ConnectPayload) Encode() ([]byte, error) {
	buf := make([]byte, 0, 1+16)
	buf = append(buf, uint8(p.Protocol))
	buf = append(buf, p.ChannelID.Bytes()...)
	if p.Protocol == ProtocolTCP {
		addrBuf, err := p.Addr.encode()
		if err != nil {
			return nil, err
		}
		buf = append(buf, addrBuf...)
	}
	return buf, nil
}

func DecodeConnect(body []byte) (*ConnectPayload, error) {
	if len(body) < 1+16 {
		return nil, fmt.Errorf("%w: CONNECT body truncated", ErrMalformedFrame)
	}
	proto := Protocol(body[0])
	cid, err := ChannelIDFromBytes(body[1:17])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	p := &ConnectPayload{Protocol: proto, ChannelID: cid}
	if proto == ProtocolTCP {
		rest := body[17:]
		if len(rest) < 1 {
			return nil, fmt.Errorf("%w: CONNECT missing address", ErrMalformedFrame)
		}
		addr, _, err := decodeAddr(rest)
		if err != nil {
			return nil, err
		}
		p.Addr = addr
	}
	return p, nil
}

// ConnectResponsePayload is the body of a CONNECT_RESPONSE frame.
type ConnectResponsePayload struct {
	Success   bool
	ChannelID ChannelID
	Error     string
}

func (p *ConnectResponsePayload) Encode() ([]byte, error) {
	buf := make([]byte, 0, 1+16)
	if p.Success {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, p.ChannelID.Bytes()...)
	if !p.Success {
		return writeLengthPrefixed(buf, p.Error)
	}
	return buf, nil
}

func DecodeConnectResponse(body []byte) (*ConnectResponsePayload, error) {
	if len(body) < 1+16 {
		return nil, fmt.Errorf("%w: CONNECT_RESPONSE body truncated", ErrMalformedFrame)
	}
	success := body[0] != 0
	cid, err := ChannelIDFromBytes(body[1:17])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	p := &ConnectResponsePayload{Success: success, ChannelID: cid}
	if !success {
		errMsg, _, err := readLengthPrefixed(body[17:])
		if err != nil {
			return nil, err
		}
		p.Error = errMsg
	}
	return p, nil
}

// DataPayload is the body of a DATA frame.
type DataPayload struct {
	Protocol    Protocol
	ChannelID   ChannelID
	Compression Compression
	Data        []byte
}

func (p *DataPayload) Encode() ([]byte, error) {
	if p.Compression != CompressionNone {
		return nil, fmt.Errorf("%w: compression %d not supported", ErrEncoding, p.Compression)
	}
	buf := make([]byte, 1+16+1+4+len(p.Data))
	buf[0] = uint8(p.Protocol)
	copy(buf[1:17], p.ChannelID.Bytes())
	buf[17] = uint8(p.Compression)
	binary.BigEndian.PutUint32(buf[18:22], uint32(len(p.Data)))
	copy(buf[22:], p.Data)
	return buf, nil
}

func DecodeData(body []byte) (*DataPayload, error) {
	if len(body) < 1+16+1+4 {
		return nil, fmt.Errorf("%w: DATA body truncated", ErrMalformedFrame)
	}
	proto := Protocol(body[0])
	cid, err := ChannelIDFromBytes(body[1:17])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	compression := Compression(body[17])
	dataLen := binary.BigEndian.Uint32(body[18:22])
	rest := body[22:]
	if uint32(len(rest)) < dataLen {
		return nil, fmt.Errorf("%w: DATA length %d exceeds remaining %d bytes", ErrMalformedFrame, dataLen, len(rest))
	}
	if compression != CompressionNone {
		return nil, fmt.Errorf("%w: unsupported compression %d", ErrMalformedFrame, compression)
	}
	data := make([]byte, dataLen)
	copy(data, rest[:dataLen])
	return &DataPayload{Protocol: proto, ChannelID: cid, Compression: compression, Data: data}, nil
}

// DisconnectPayload is the body of a DISCONNECT frame.
type DisconnectPayload struct {
	ChannelID ChannelID
	Error     string // optional, empty if graceful
}

func (p *DisconnectPayload) Encode() ([]byte, error) {
	buf := append([]byte{}, p.ChannelID.Bytes()...)
	if p.Error == "" {
		return buf, nil
	}
	return writeLengthPrefixed(buf, p.Error)
}

func DecodeDisconnect(body []byte) (*DisconnectPayload, error) {
	if len(body) < 16 {
		return nil, fmt.Errorf("%w: DISCONNECT body truncated", ErrMalformedFrame)
	}
	cid, err := ChannelIDFromBytes(body[:16])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	p := &DisconnectPayload{ChannelID: cid}
	if len(body) > 16 {
		errMsg, _, err := readLengthPrefixed(body[16:])
		if err != nil {
			return nil, err
		}
		p.Error = errMsg
	}
	return p, nil
}

// ConnectorPayload is the body of a CONNECTOR frame.
type ConnectorPayload struct {
	ChannelID ChannelID
	Token     string
	Operation Operation
}

func (p *ConnectorPayload) Encode() ([]byte, error) {
	buf := append([]byte{}, p.ChannelID.Bytes()...)
	var err error
	buf, err = writeLengthPrefixed(buf, p.Token)
	if err != nil {
		return nil, err
	}
	buf = append(buf, uint8(p.Operation))
	return buf, nil
}

func DecodeConnector(body []byte) (*ConnectorPayload, error) {
	if len(body) < 16 {
		return nil, fmt.Errorf("%w: CONNECTOR body truncated", ErrMalformedFrame)
	}
	cid, err := ChannelIDFromBytes(body[:16])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	token, n, err := readLengthPrefixed(body[16:])
	if err != nil {
		return nil, err
	}
	rest := body[16+n:]
	if len(rest) < 1 {
		return nil, fmt.Errorf("%w: CONNECTOR missing operation", ErrMalformedFrame)
	}
	return &ConnectorPayload{ChannelID: cid, Token: token, Operation: Operation(rest[0])}, nil
}

// ConnectorResponsePayload is the body of a CONNECTOR_RESPONSE frame.
//
// The wire format conflates success-with-token (add) and success-with-no-token
// (remove acknowledgement) under a single success flag; callers must
// disambiguate using the operation they issued, not solely from this struct.
type ConnectorResponsePayload struct {
	ChannelID ChannelID
	Success   bool
	Error     string
	Token     string
}

func (p *ConnectorResponsePayload) Encode() ([]byte, error) {
	buf := append([]byte{}, p.ChannelID.Bytes()...)
	if p.Success {
		buf = append(buf, 1)
		return writeLengthPrefixed(buf, p.Token)
	}
	buf = append(buf, 0)
	return writeLengthPrefixed(buf, p.Error)
}

func DecodeConnectorResponse(body []byte) (*ConnectorResponsePayload, error) {
	if len(body) < 16+1 {
		return nil, fmt.Errorf("%w: CONNECTOR_RESPONSE body truncated", ErrMalformedFrame)
	}
	cid, err := ChannelIDFromBytes(body[:16])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	success := body[16] != 0
	s, _, err := readLengthPrefixed(body[17:])
	if err != nil {
		return nil, err
	}
	p := &ConnectorResponsePayload{ChannelID: cid, Success: success}
	if success {
		p.Token = s
	} else {
		p.Error = s
	}
	return p, nil
}

// PartnersPayload is the body of a PARTNERS frame: an informational,
// advisory client count for a reverse token.
type PartnersPayload struct {
	Count int
}

func (p *PartnersPayload) Encode() ([]byte, error) {
	j := fmt.Sprintf(`{"count":%d}`, p.Count)
	buf := make([]byte, 4+len(j))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(j)))
	copy(buf[4:], j)
	return buf, nil
}

func DecodePartners(body []byte) (*PartnersPayload, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: PARTNERS body truncated", ErrMalformedFrame)
	}
	n := binary.BigEndian.Uint32(body[0:4])
	rest := body[4:]
	if uint32(len(rest)) < n {
		return nil, fmt.Errorf("%w: PARTNERS length %d exceeds remaining %d bytes", ErrMalformedFrame, n, len(rest))
	}
	var parsed struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rest[:n], &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &PartnersPayload{Count: parsed.Count}, nil
}

// AuthJSON is the text-frame equivalent of AuthPayload, accepted during
// authentication only for backward compatibility with JSON-speaking clients.
type AuthJSON struct {
	Token    string `json:"token"`
	Reverse  bool   `json:"reverse"`
	Instance string `json:"instance"`
}

// DecodeAuthJSON parses a text-frame AUTH message into an AuthPayload.
func DecodeAuthJSON(text []byte) (*AuthPayload, error) {
	var j AuthJSON
	if err := json.Unmarshal(text, &j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	instance, err := ParseChannelID(j.Instance)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &AuthPayload{Token: j.Token, Reverse: j.Reverse, Instance: instance}, nil
}

// EncodeAuthJSON renders an AuthPayload as its text-frame JSON equivalent.
func EncodeAuthJSON(p *AuthPayload) ([]byte, error) {
	return json.Marshal(AuthJSON{Token: p.Token, Reverse: p.Reverse, Instance: p.Instance.String()})
}
