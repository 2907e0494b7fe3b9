package discovery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

var (
	ErrNoObject      = errors.New("discovery: no complete object")
	ErrObjectTooLong = errors.New("discovery: object exceeds limit")
	ErrBadRobotIP    = errors.New("discovery: robotIP is not an integer")
)

// nextObject returns the first balanced {...} in buf and the bytes after
// it. Braces inside JSON strings do not count. Bytes before the opening
// brace are discarded.
func nextObject(buf []byte) (obj, rest []byte, err error) {
	start := bytes.IndexByte(buf, '{')
	if start < 0 {
		return nil, nil, ErrNoObject
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(buf); i++ {
		ch := buf[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return buf[start : i+1], buf[i+1:], nil
			}
		}
	}
	return nil, buf[start:], ErrNoObject
}

type dsMessage struct {
	RobotIP *json.Number `json:"robotIP"`
}

// parseRobotIP reads the robotIP field of one object. found is false when
// the object has no such field. A zero address means no robot and yields a
// nil IP.
func parseRobotIP(obj []byte) (ip net.IP, found bool, err error) {
	var msg dsMessage
	dec := json.NewDecoder(bytes.NewReader(obj))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return nil, false, fmt.Errorf("discovery: decode: %w", err)
	}
	if msg.RobotIP == nil {
		return nil, false, nil
	}
	v, err := msg.RobotIP.Int64()
	if err != nil || v < 0 || v > 0xFFFFFFFF {
		return nil, true, fmt.Errorf("%w: %s", ErrBadRobotIP, msg.RobotIP.String())
	}
	if v == 0 {
		return nil, true, nil
	}
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v)).To4(), true, nil
}
