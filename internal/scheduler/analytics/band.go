package analytics

// Band is a coarse rating of a percentage for human-facing reports.
type Band string

const (
	BandPoor      Band = "poor"
	BandFair      Band = "fair"
	BandGood      Band = "good"
	BandExcellent Band = "excellent"
)

// BandFor rates a percentage: below 40 is poor, below 60 fair, up to 80 good and above 80 excellent.
func BandFor(percent float64) Band {
	switch {
	case percent < 40:
		return BandPoor
	case percent < 60:
		return BandFair
	case percent <= 80:
		return BandGood
	default:
		return BandExcellent
	}
}
