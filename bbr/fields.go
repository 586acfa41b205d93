package bbr

// Fields holds the datapath register values derived from the current
// bottleneck rate and minimum RTT estimates.
type Fields struct {
	Rate             int64
	ThreeFourthsRate int64
	FiveFourthsRate  int64
	CwndCap          int64
}

// DeriveFields computes the register values for the given estimates:
// the bottleneck rate itself, the 0.75x and 1.25x pulse rates, and the
// congestion window cap of twice the bandwidth-delay product. Results
// truncate toward zero to match the integer registers on the datapath side.
func DeriveFields(bottleneckRate float64, minRttUs int64) Fields {
	return Fields{
		Rate:             int64(bottleneckRate),
		ThreeFourthsRate: int64(bottleneckRate * 0.75),
		FiveFourthsRate:  int64(bottleneckRate * 1.25),
		CwndCap:          int64(bottleneckRate * 2 * (float64(minRttUs) / 1e6)),
	}
}
