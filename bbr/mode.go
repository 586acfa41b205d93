// BBR control-loop mode definitions.

package bbr

// Mode represents the operating modes of the control loop.
type Mode int

const (
	ModeStartup Mode = iota
	ModeProbeBandwidth
	ModeProbeRtt
)

func (m Mode) String() string {
	switch m {
	case ModeStartup:
		return "STARTUP"
	case ModeProbeBandwidth:
		return "PROBE_BW"
	case ModeProbeRtt:
		return "PROBE_RTT"
	default:
		return "UNKNOWN"
	}
}
