package bbr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModeString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "STARTUP", ModeStartup.String())
	assert.Equal(t, "PROBE_BW", ModeProbeBandwidth.String())
	assert.Equal(t, "PROBE_RTT", ModeProbeRtt.String())
	assert.Equal(t, "UNKNOWN", Mode(3).String())
}
