package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"0", 0, false},
		{"4096", 4096, false},
		{"100B", 100, false},
		{"1KB", 1000, false},
		{"1.5KB", 1500, false},
		{"1K", 1024, false},
		{"64KiB", 64 * 1024, false},
		{"64kib", 64 * 1024, false},
		{"4 MB", 4000000, false},
		{"1.5MiB", 1572864, false},
		{"2G", 2 << 30, false},
		{"1TiB", 1 << 40, false},
		{" 8M ", 8 << 20, false},

		{"", 0, true},
		{"MB", 0, true},
		{"12XB", 0, true},
		{"1.2.3MB", 0, true},
		{"-5MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSizeOr(t *testing.T) {
	n, err := ParseSizeOr("", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	n, err = ParseSizeOr("1K", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), n)

	_, err = ParseSizeOr("lots", 42)
	assert.Error(t, err)
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "0 B", FormatSize(0))
	assert.Equal(t, "1023 B", FormatSize(1023))
	assert.Equal(t, "1 KiB", FormatSize(1024))
	assert.Equal(t, "1.5 KiB", FormatSize(1536))
	assert.Equal(t, "4 MiB", FormatSize(4<<20))
	assert.Equal(t, "1.25 GiB", FormatSize(5<<28))
	assert.Equal(t, "2048 TiB", FormatSize(2<<50))
}
