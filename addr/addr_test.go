package addr

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromNetIPv4(t *testing.T) {
	a, err := FromNetIP(net.ParseIP("10.0.0.5"), 12345)
	require.NoError(t, err)
	require.Equal(t, FamilyIPv4, a.Family)
	require.Equal(t, uint16(12345), a.Port)
	require.Equal(t, "10.0.0.5:12345", a.String())
}

func TestFromNetIPv6(t *testing.T) {
	a, err := FromNetIP(net.ParseIP("::1"), 80)
	require.NoError(t, err)
	require.Equal(t, FamilyIPv6, a.Family)
	require.Equal(t, "[::1]:80", a.String())
}

func TestZeroValueIsZero(t *testing.T) {
	var a SocketAddress
	require.True(t, a.IsZero())

	b, err := FromNetIP(net.ParseIP("127.0.0.1"), 1)
	require.NoError(t, err)
	require.False(t, b.IsZero())
}

func TestColocatedWith(t *testing.T) {
	a := MustParse("10.0.0.1:100")
	b := MustParse("10.0.0.1:200")
	c := MustParse("10.0.0.2:100")
	require.True(t, a.ColocatedWith(b))
	require.False(t, a.ColocatedWith(c))
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("not-an-endpoint")
	require.Error(t, err)

	_, err = Parse("10.0.0.1:notaport")
	require.Error(t, err)
}

func TestParseRoundTrip(t *testing.T) {
	a, err := Parse("192.168.1.10:31234")
	require.NoError(t, err)
	require.Equal(t, "192.168.1.10:31234", a.String())
}
