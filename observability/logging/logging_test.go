package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("bearer_token", "s3cret").Value.String())
	require.Equal(t, "", MaskField("bearer_token", "").Value.String())
	require.Equal(t, "0xabc", MaskField("signer_address", "0xabc").Value.String())
	require.Contains(t, RedactionAllowlist(), "signer_source")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}
