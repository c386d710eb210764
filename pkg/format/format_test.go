package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{5 * 1024 * 1024 * 1024, "5.0 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Bytes(tt.in))
	}
}

func TestBitRate(t *testing.T) {
	assert.Equal(t, "128 kbps", BitRate(128))
	assert.Equal(t, "4.5 Mbps", BitRate(4500))
}

func TestNumber(t *testing.T) {
	assert.Equal(t, "1,234,567", Number(1234567))
	assert.Equal(t, "42", Number(42))
}

func TestNumberCompact(t *testing.T) {
	assert.Equal(t, "999", NumberCompact(999))
	assert.Equal(t, "1.2K", NumberCompact(1234))
	assert.Equal(t, "1.2M", NumberCompact(1234567))
	assert.Equal(t, "2.5B", NumberCompact(2_500_000_000))
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, "45.7%", Percentage(45.678, 1))
	assert.Equal(t, "100%", Percentage(100, 0))
}

func TestTimecode(t *testing.T) {
	assert.Equal(t, "00:00", Timecode(0))
	assert.Equal(t, "01:30", Timecode(90*time.Second))
	assert.Equal(t, "01:02:03", Timecode(time.Hour+2*time.Minute+3*time.Second))
	assert.Equal(t, "00:00", Timecode(-time.Second))
}

func TestUptime(t *testing.T) {
	assert.Equal(t, "45s", Uptime(45*time.Second))
	assert.Equal(t, "2m 5s", Uptime(2*time.Minute+5*time.Second))
	assert.Equal(t, "3h 20m", Uptime(3*time.Hour+20*time.Minute))
	assert.Equal(t, "1d 2h", Uptime(26*time.Hour))
}
