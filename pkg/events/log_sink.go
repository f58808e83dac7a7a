package events

import "go.uber.org/zap"

// LogSink writes every event as a structured log line
type LogSink struct {
	logger *zap.SugaredLogger
}

func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ev Event) {
	switch ev.Type {
	case OrdersDiscovered:
		s.logger.Infow("orders_discovered",
			"market", ev.Market,
			"level", ev.Level,
			"count", len(ev.OrderIDs),
		)
	case ClaimRedeemed:
		s.logger.Infow("claim_redeemed",
			"token_id", ev.TokenID.Hex(),
			"holder", ev.Owner.Hex(),
			"burned", ev.Amount,
			"paid", ev.AmountIn,
		)
	default:
		s.logger.Infow("order_event",
			"type", ev.Type.String(),
			"market", ev.Market,
			"order_id", ev.OrderID.Hex(),
			"owner", ev.Owner.Hex(),
			"order_type", ev.OrderType,
			"amount_in", ev.AmountIn,
			"trigger_level", ev.TriggerLevel,
		)
	}
}
