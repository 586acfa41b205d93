// BBR-style control loop over a programmable datapath.
// The loop owns no I/O: it consumes periodic reports from the datapath
// controller, maintains bottleneck-rate and min-RTT estimates, and answers
// with program installs and field updates.

package bbr

import (
	"time"

	"github.com/sagernet/quic-go/congestion"
	"github.com/sagernet/quic-go/monotime"
	ccp "github.com/sagernet/sing-ccp"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
)

const (
	// DefaultBottleneckRate is the conservative initial rate estimate in
	// bytes per second, about 1 Mbps.
	DefaultBottleneckRate = 125000

	// InitialMinRttUs is the RTT seeded at flow creation, large enough that
	// any real sample improves on it.
	InitialMinRttUs = 1_000_000

	// probeRttSentinelUs replaces the minimum RTT on entry into ProbeRtt, so
	// the probe measures a fresh RTT floor instead of inheriting a stale one.
	probeRttSentinelUs = 0x3fffffff

	// DefaultProbeRttInterval is how long a rate or RTT estimate stays valid
	// before it must be re-probed.
	DefaultProbeRttInterval = 10 * time.Second

	// probeRttCwndPackets is the congestion window applied on entry into
	// ProbeRtt, in segments, small enough to drain the bottleneck queue.
	probeRttCwndPackets = 4
)

type Options struct {
	Logger   logger.Logger
	Datapath ccp.Datapath
	Info     ccp.DatapathInfo
	Clock    Clock
	// ProbeRttInterval overrides DefaultProbeRttInterval when positive.
	ProbeRttInterval time.Duration
}

// ControlLoop holds the per-flow estimator state. It is not safe for
// concurrent use: the datapath controller delivers at most one report at a
// time per flow, and every flow owns an independent ControlLoop.
type ControlLoop struct {
	datapath         ccp.Datapath
	logger           logger.Logger
	clock            Clock
	probeRttInterval time.Duration
	mss              congestion.ByteCount

	mode                   Mode
	bottleneckRate         float64
	bottleneckRateDeadline monotime.Time
	minRttUs               int64
	minRttDeadline         monotime.Time
	pulseState             int64
	start                  monotime.Time
}

// NewControlLoop seeds the flow state, selects Startup and installs its
// measurement program on the datapath.
func NewControlLoop(options Options) (*ControlLoop, error) {
	if options.Datapath == nil {
		return nil, E.New("missing datapath")
	}
	if options.Info.MSS <= 0 {
		return nil, E.New("missing maximum segment size")
	}
	if options.Logger == nil {
		options.Logger = logger.NOP()
	}
	clock := options.Clock
	if clock == nil {
		clock = DefaultClock{}
	}
	probeRttInterval := options.ProbeRttInterval
	if probeRttInterval <= 0 {
		probeRttInterval = DefaultProbeRttInterval
	}
	now := clock.Now()
	loop := &ControlLoop{
		datapath:               options.Datapath,
		logger:                 options.Logger,
		clock:                  clock,
		probeRttInterval:       probeRttInterval,
		mss:                    options.Info.MSS,
		mode:                   ModeStartup,
		bottleneckRate:         DefaultBottleneckRate,
		bottleneckRateDeadline: now.Add(probeRttInterval),
		minRttUs:               InitialMinRttUs,
		minRttDeadline:         now.Add(probeRttInterval),
		start:                  now,
	}
	err := loop.setMode(ModeStartup)
	if err != nil {
		return nil, err
	}
	return loop, nil
}

func (l *ControlLoop) Mode() Mode {
	return l.mode
}

// BottleneckRate returns the current rate estimate in bytes per second.
func (l *ControlLoop) BottleneckRate() float64 {
	return l.bottleneckRate
}

// MinRttUs returns the current minimum RTT estimate in microseconds.
func (l *ControlLoop) MinRttUs() int64 {
	return l.minRttUs
}

// PulseState returns the last pulse phase reported by the ProbeBandwidth
// program. It is meaningful only while the loop is in ProbeBandwidth.
func (l *ControlLoop) PulseState() int64 {
	return l.pulseState
}

// OnReport processes one report from the currently installed program. The
// returned error is a contract violation between the program and the
// handler, not a transient condition.
func (l *ControlLoop) OnReport(report ccp.Report) error {
	switch l.mode {
	case ModeStartup, ModeProbeBandwidth:
		return l.onBandwidthReport(l.clock.Now(), report)
	case ModeProbeRtt:
		return l.onProbeRttReport(l.clock.Now(), report)
	default:
		return E.New("report in unknown mode ", int(l.mode))
	}
}

// onBandwidthReport handles reports from the Startup and ProbeBandwidth
// programs, which share their accounting fields. The checks run in a fixed
// order: a lower RTT refreshes the estimate, an expired RTT deadline forces
// ProbeRtt, a higher rate raises the estimate, and Startup exits into
// ProbeBandwidth after its first report.
func (l *ControlLoop) onBandwidthReport(now monotime.Time, report ccp.Report) error {
	loss, err := report.Field(fieldLoss)
	if err != nil {
		return err
	}
	minRtt, err := report.Field(fieldMinRtt)
	if err != nil {
		return err
	}
	rate, err := report.Field(fieldRate)
	if err != nil {
		return err
	}
	pulseState, err := report.Field(fieldPulseState)
	if err != nil {
		return err
	}
	if minRtt < 0 {
		return E.New("negative rtt sample: ", minRtt)
	}
	if l.mode == ModeProbeBandwidth {
		l.pulseState = pulseState
	}
	l.logger.Debug("probe bandwidth: elapsed=", now.Sub(l.start),
		" loss=", loss,
		" min rtt=", minRtt,
		" rate (Mbps)=", float64(rate)/125000.0,
		" bottle rate (Mbps)=", l.bottleneckRate/125000.0,
		" pulse state=", pulseState)

	if minRtt < l.minRttUs {
		l.minRttUs = minRtt
		l.minRttDeadline = now.Add(l.probeRttInterval)
	}

	if now.After(l.minRttDeadline) {
		l.minRttUs = probeRttSentinelUs
		err = l.setMode(ModeProbeRtt)
		if err != nil {
			return err
		}
	}

	// A non-positive measured rate never beats the positive estimate, so a
	// broken sample degrades to "no improvement" here.
	if float64(rate) > l.bottleneckRate {
		l.bottleneckRate = float64(rate)
		l.bottleneckRateDeadline = now.Add(l.probeRttInterval)
		if l.mode != ModeStartup {
			l.pushRateFields()
		}
	}

	if l.mode == ModeStartup {
		return l.setMode(ModeProbeBandwidth)
	}
	return nil
}

// onProbeRttReport handles the single report the ProbeRtt program emits:
// adopt the probed RTT floor, re-validate the rate estimate if its deadline
// passed while probing, and return to ProbeBandwidth.
func (l *ControlLoop) onProbeRttReport(now monotime.Time, report ccp.Report) error {
	minRtt, err := report.Field(fieldMinRtt)
	if err != nil {
		return err
	}
	if minRtt < 0 {
		return E.New("negative rtt sample: ", minRtt)
	}
	l.minRttUs = minRtt
	l.minRttDeadline = now.Add(l.probeRttInterval)
	l.logger.Debug("probe rtt: min rtt=", minRtt)

	if now.After(l.bottleneckRateDeadline) {
		l.bottleneckRate = DefaultBottleneckRate
		l.bottleneckRateDeadline = now.Add(l.probeRttInterval)
	}

	return l.setMode(ModeProbeBandwidth)
}

// setMode switches the operating mode and installs its measurement program,
// seeded with the current estimates where the program needs them. Field
// updates on the way in are fire-and-forget; a failed install is returned
// because the next report would no longer match its handler.
func (l *ControlLoop) setMode(mode Mode) error {
	l.mode = mode
	switch mode {
	case ModeStartup:
		l.logger.Info("switching to ", mode)
		err := l.datapath.Install(StartupProgram, nil)
		if err != nil {
			return E.Cause(err, "install startup program")
		}
	case ModeProbeBandwidth:
		l.pulseState = 0
		fields := DeriveFields(l.bottleneckRate, l.minRttUs)
		l.logger.Info("switching to ", mode,
			": cwnd=", fields.CwndCap,
			" rate 3/4 (Mbps)=", float64(fields.ThreeFourthsRate)/125000.0,
			" bottle rate (Mbps)=", l.bottleneckRate/125000.0,
			" rate 5/4 (Mbps)=", float64(fields.FiveFourthsRate)/125000.0,
			" min rtt (us)=", l.minRttUs)
		err := l.datapath.Install(ProbeBandwidthProgram, probeBandwidthSeeds(l.minRttUs, fields))
		if err != nil {
			return E.Cause(err, "install probe bandwidth program")
		}
	case ModeProbeRtt:
		l.logger.Info("switching to ", mode, ": bottle rate (Mbps)=", l.bottleneckRate/125000.0)
		err := l.datapath.UpdateField(registerCwnd, int64(probeRttCwndPackets*l.mss))
		if err != nil {
			l.logger.Warn(E.Cause(err, "clamp congestion window"))
		}
		err = l.datapath.Install(ProbeRttProgram, nil)
		if err != nil {
			return E.Cause(err, "install probe rtt program")
		}
	}
	return nil
}

// pushRateFields propagates a raised bottleneck rate to the live pulse
// registers without reinstalling the program.
func (l *ControlLoop) pushRateFields() {
	fields := DeriveFields(l.bottleneckRate, l.minRttUs)
	err := l.datapath.UpdateFields([]ccp.Field{
		{Name: registerBottleRate, Value: fields.Rate},
		{Name: registerThreeFourthsRate, Value: fields.ThreeFourthsRate},
		{Name: registerFiveFourthsRate, Value: fields.FiveFourthsRate},
		{Name: registerCwndCap, Value: fields.CwndCap},
	})
	if err != nil {
		l.logger.Warn(E.Cause(err, "update rate fields"))
	}
}
