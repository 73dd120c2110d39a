package delivery

// Decide picks the transport strategy for a file of the given size. It is
// evaluated once per request and never revisited mid-transfer.
func Decide(size, primaryCap int64, secondaryAvailable bool) Strategy {
	switch {
	case size <= primaryCap:
		return StrategyDirect
	case secondaryAvailable:
		return StrategySecondaryLarge
	default:
		return StrategySplitFallback
	}
}
