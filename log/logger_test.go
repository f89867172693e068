package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithPrefixesFields(t *testing.T) {
	l := New()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.SetLevel(Debug)

	l.With("rank", 3, "session", "abcd").Debugf("connected")

	require.Contains(t, buf.String(), "rank=3")
	require.Contains(t, buf.String(), "session=abcd")
	require.Contains(t, buf.String(), "connected")
}

func TestWithIsCumulative(t *testing.T) {
	l := New()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.SetLevel(Debug)

	l.With("bootstrap", "root").With("session", "xyz").Debugf("BEGIN")

	require.Contains(t, buf.String(), "bootstrap=root")
	require.Contains(t, buf.String(), "session=xyz")
}

func TestSetLevelFiltersBelowThreshold(t *testing.T) {
	l := New()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.SetLevel(Warn)

	l.Debugf("should not appear")
	l.Infof("should not appear either")
	l.Warnf("should appear")

	require.NotContains(t, buf.String(), "should not appear")
	require.Contains(t, buf.String(), "should appear")
}
