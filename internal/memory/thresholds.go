package memory

// SizeBand classifies a thread's atom count against the soft thresholds
type SizeBand string

const (
	BandSmall       SizeBand = "small"        // below the target range
	BandTarget      SizeBand = "target"       // within the target range
	BandLarge       SizeBand = "large"        // above target, below warning
	BandWarning     SizeBand = "warning"      // worth reviewing for a split
	BandSoftCeiling SizeBand = "soft_ceiling" // should be split
	BandHardCeiling SizeBand = "hard_ceiling" // must be split
)

// Thresholds are the thread size limits used by the organizer
type Thresholds struct {
	TargetMin   int `yaml:"target_min" json:"target_min" validate:"gte=1"`
	TargetMax   int `yaml:"target_max" json:"target_max" validate:"gtefield=TargetMin"`
	Warning     int `yaml:"warning" json:"warning" validate:"gtfield=TargetMax"`
	SoftCeiling int `yaml:"soft_ceiling" json:"soft_ceiling" validate:"gtfield=Warning"`
	HardCeiling int `yaml:"hard_ceiling" json:"hard_ceiling" validate:"gtfield=SoftCeiling"`
}

// DefaultThresholds returns the standard limits: target 5-15, warning 25,
// soft ceiling 50, hard ceiling 75.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TargetMin:   5,
		TargetMax:   15,
		Warning:     25,
		SoftCeiling: 50,
		HardCeiling: 75,
	}
}

// Band returns the size band for a thread with n atoms
func (t Thresholds) Band(n int) SizeBand {
	switch {
	case n >= t.HardCeiling:
		return BandHardCeiling
	case n >= t.SoftCeiling:
		return BandSoftCeiling
	case n >= t.Warning:
		return BandWarning
	case n > t.TargetMax:
		return BandLarge
	case n >= t.TargetMin:
		return BandTarget
	default:
		return BandSmall
	}
}

// NeedsSplitReview reports whether a thread of size n should be considered
// for splitting
func (t Thresholds) NeedsSplitReview(n int) bool {
	return n >= t.Warning
}
