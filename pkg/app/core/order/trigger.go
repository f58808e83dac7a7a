package order

// ShouldExecute is the trigger predicate. Both boundaries are inclusive.
//
//	STOP_LOSS    current <= trigger
//	BUY_LIMIT    current <= trigger
//	BUY_STOP     current >= trigger
//	TAKE_PROFIT  current >= trigger
//
// Unknown types never trigger. Settlement must call this again with the live
// level; a result observed during discovery is stale by the time an executor acts.
func ShouldExecute(t Type, triggerLevel, currentLevel int64) bool {
	switch t {
	case StopLoss, BuyLimit:
		return currentLevel <= triggerLevel
	case BuyStop, TakeProfit:
		return currentLevel >= triggerLevel
	default:
		return false
	}
}
