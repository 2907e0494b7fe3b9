package discovery

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextObjectBalancedBraces(t *testing.T) {
	buf := []byte(`noise{"a":{"b":"}"},"robotIP":1}{"x"`)
	obj, rest, err := nextObject(buf)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"b":"}"},"robotIP":1}`, string(obj))
	assert.Equal(t, `{"x"`, string(rest))

	_, rest, err = nextObject(rest)
	assert.True(t, errors.Is(err, ErrNoObject))
	assert.Equal(t, `{"x"`, string(rest), "partial object kept for the next read")

	_, rest, err = nextObject([]byte("no braces here"))
	assert.True(t, errors.Is(err, ErrNoObject))
	assert.Empty(t, rest)
}

func TestNextObjectEscapedQuote(t *testing.T) {
	obj, _, err := nextObject([]byte(`{"s":"a\"}b","robotIP":2}`))
	require.NoError(t, err)
	assert.Equal(t, `{"s":"a\"}b","robotIP":2}`, string(obj))
}

func TestParseRobotIP(t *testing.T) {
	ip, found, err := parseRobotIP([]byte(`{"robotIP":167772418,"other":true}`))
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, ip.Equal(net.IPv4(10, 0, 1, 2)))

	ip, found, err = parseRobotIP([]byte(`{"robotIP":0}`))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Nil(t, ip)

	_, found, err = parseRobotIP([]byte(`{"status":"ok"}`))
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = parseRobotIP([]byte(`{"robotIP":"10.0.1.2"}`))
	assert.Error(t, err)

	_, _, err = parseRobotIP([]byte(`{"robotIP":4294967296}`))
	assert.True(t, errors.Is(err, ErrBadRobotIP))
}
