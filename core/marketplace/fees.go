package marketplace

// feeDenominator is the basis-point scale: 10000 bps = 100%.
const feeDenominator = 10000

// SplitFee computes the platform cut and the net freelancer payout for an
// escrow amount at the given basis-point rate. The fee is floored, so the
// freelancer receives any rounding remainder.
func SplitFee(escrow int64, feeBps uint32) (fee, payout int64) {
	fee = escrow * int64(feeBps) / feeDenominator
	payout = escrow - fee
	return fee, payout
}

// SplitDispute divides an escrow between employer and freelancer according to
// the arbitrated employer percentage. 0 routes the full escrow to the
// freelancer and 100 fully refunds the employer; both are valid outcomes.
func SplitDispute(escrow int64, employerPct uint32) (employer, freelancer int64) {
	employer = escrow * int64(employerPct) / 100
	freelancer = escrow - employer
	return employer, freelancer
}
