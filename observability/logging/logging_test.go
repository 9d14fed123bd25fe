package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWritesCanonicalKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithOptions("marketd", "test", Options{Level: "debug", Output: &buf})
	logger.Debug("listing created", "release", 7)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "listing created", line["message"])
	require.Equal(t, "marketd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Contains(t, line, "timestamp")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestSensitiveValuesAreMasked(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithOptions("marketd", "", Options{Output: &buf})
	logger.Info("request rejected",
		"authorization", "Bearer abc.def",
		slog.Group("auth", slog.String("hmac_secret", "s3cret")),
		"release", "7",
	)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "Bearer "+RedactedValue, line["authorization"])
	require.Equal(t, RedactedValue, line["auth"].(map[string]any)["hmac_secret"])
	require.Equal(t, "7", line["release"])
	require.NotContains(t, line, "env")
}

func TestMaskBearer(t *testing.T) {
	require.Equal(t, "Bearer "+RedactedValue, MaskBearer("Bearer abc.def"))
	require.Equal(t, RedactedValue, MaskBearer("abc.def"))
	require.Equal(t, "", MaskBearer("  "))
	require.True(t, IsSensitive(" Token "))
	require.False(t, IsSensitive("release"))
}
