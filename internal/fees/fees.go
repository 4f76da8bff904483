// Package fees is the single place gross amounts are split into net and
// platform fee. The Settlement Reconciler and any fee preview surface must
// both call Split so the figures can never drift apart.
package fees

// Policy is the platform fee schedule: basis points with an absolute cap.
type Policy struct {
	BasisPoints int
	CapMinor    int64
}

// Split divides a gross amount into the member's net credit and the platform
// fee. For every gross >= 0: net + fee == gross, fee >= 0, net >= 0.
// Negative gross amounts split as zero; callers validate sign before money
// moves.
func (p Policy) Split(grossMinor int64) (netMinor, feeMinor int64) {
	if grossMinor <= 0 {
		return 0, 0
	}
	fee := grossMinor * int64(p.BasisPoints) / 10000
	if p.CapMinor > 0 && fee > p.CapMinor {
		fee = p.CapMinor
	}
	if fee < 0 {
		fee = 0
	}
	if fee > grossMinor {
		fee = grossMinor
	}
	return grossMinor - fee, fee
}
