package ui

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{10 * 1024 * 1024, "10.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatBytes(tt.input))
		})
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", FormatDuration(45*time.Second))
	assert.Equal(t, "2m 5s", FormatDuration(125*time.Second))
	assert.Equal(t, "1h 30m", FormatDuration(90*time.Minute))
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "model.onnx", TruncateString("model.onnx", 40))
	long := strings.Repeat("a", 50) + "shard.bin"
	truncated := TruncateString(long, 20)
	assert.Len(t, truncated, 20)
	assert.True(t, strings.HasPrefix(truncated, "..."))
	assert.True(t, strings.HasSuffix(truncated, "shard.bin"))
	assert.Equal(t, "in", TruncateString("bin", 2))
}

func TestProgressBarAsWriter(t *testing.T) {
	var out bytes.Buffer
	bar := NewProgressBar(1000, "model.onnx", &out)

	n, err := io.Copy(bar, bytes.NewReader(make([]byte, 1000)))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)
	require.NoError(t, bar.Finish())
	assert.NotEmpty(t, out.String())
}
