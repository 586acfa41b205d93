// Measurement-program descriptors for the three operating modes.
// The program sources are a wire contract with the datapath's execution
// engine and must not be reworded: field names, volatility and report
// triggers are exactly what the report handlers expect back.

package bbr

import ccp "github.com/sagernet/sing-ccp"

// Report field names delivered by the Startup and ProbeBandwidth programs.
// The ProbeRtt program only reports fieldMinRtt.
const (
	fieldLoss       = "loss"
	fieldMinRtt     = "minrtt"
	fieldRate       = "rate"
	fieldPulseState = "pulseState"
)

// Datapath register names seeded at install time or pushed through updates.
const (
	registerCwnd             = "Cwnd"
	registerReportMinRtt     = "Report.minrtt"
	registerCwndCap          = "cwndCap"
	registerBottleRate       = "bottleRate"
	registerThreeFourthsRate = "threeFourthsRate"
	registerFiveFourthsRate  = "fiveFourthsRate"
)

// StartupProgram accumulates lost packets, the minimum RTT sample and the
// max of min(outgoing, incoming) delivery rate, and reports once the elapsed
// time since install exceeds the tracked minimum RTT. loss and rate are
// volatile (reset to zero on every report); minrtt and pulseState persist.
const StartupProgram = `
(def
    (Report
        (volatile loss 0)
        (minrtt +infinity)
        (volatile rate 0)
        (pulseState 0)
    )
)
(when true
    (:= Report.loss (+ Report.loss Ack.lost_pkts_sample))
    (:= Report.minrtt (min Report.minrtt Flow.rtt_sample_us))
    (:= Report.rate (max Report.rate (min Flow.rate_outgoing Flow.rate_incoming)))
    (:= Report.pulseState 5)
    (fallthrough)
)
(when (> Micros Report.minrtt)
    (report)
)
`

// ProbeBandwidthProgram mirrors the Startup accounting and adds the
// three-phase rate pulse, sequenced by elapsed time against the measured
// minimum RTT: after one min-RTT pace at 3/4 of the bottleneck rate, after
// two at the full rate, and after eight cap the congestion window, pace at
// 5/4, reset the elapsed clock and wrap the phase back to zero. Each phase
// advance emits a report. The pulse registers are seeded from the control
// loop's current estimates at install time.
const ProbeBandwidthProgram = `
(def
    (Report
        (volatile minrtt +infinity)
        (volatile loss 0)
        (volatile rate 0)
        (pulseState 0)
    )
    (pulseState 0)
    (cwndCap 0)
    (bottleRate 0)
    (threeFourthsRate 0)
    (fiveFourthsRate 0)
)
(when true
    (:= Report.loss (+ Report.loss Ack.lost_pkts_sample))
    (:= Report.minrtt (min Report.minrtt Flow.rtt_sample_us))
    (:= Report.pulseState pulseState)
    (:= Report.rate (max Report.rate (min Flow.rate_outgoing Flow.rate_incoming)))
    (fallthrough)
)
(when (&& (> Micros Report.minrtt) (== pulseState 0))
    (:= Rate threeFourthsRate)
    (:= pulseState 1)
    (report)
)
(when (&& (> Micros (* Report.minrtt 2)) (== pulseState 1))
    (:= Rate bottleRate)
    (:= pulseState 2)
    (report)
)
(when (&& (> Micros (* Report.minrtt 8)) (== pulseState 2))
    (:= pulseState 0)
    (:= Cwnd cwndCap)
    (:= Rate fiveFourthsRate)
    (:= Micros 0)
    (report)
)
`

// ProbeRttProgram only tracks the minimum RTT sample and reports after a
// fixed two-second window, or as soon as fewer than four packets are in
// flight, whichever comes first.
const ProbeRttProgram = `
(def
    (Report (volatile minrtt +infinity))
)
(when true
    (:= Report.minrtt (min Report.minrtt Flow.rtt_sample_us))
    (fallthrough)
)
(when (> Micros 2000000)
    (report)
)
(when (< Flow.packets_in_flight 4)
    (report)
)
`

// probeBandwidthSeeds carries the latest estimates into a fresh
// ProbeBandwidth install, so the first pulse paces against current values
// instead of the program's zero defaults.
func probeBandwidthSeeds(minRttUs int64, fields Fields) []ccp.Field {
	return []ccp.Field{
		{Name: registerReportMinRtt, Value: minRttUs},
		{Name: registerCwndCap, Value: fields.CwndCap},
		{Name: registerBottleRate, Value: fields.Rate},
		{Name: registerThreeFourthsRate, Value: fields.ThreeFourthsRate},
		{Name: registerFiveFourthsRate, Value: fields.FiveFourthsRate},
	}
}
