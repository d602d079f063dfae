package broker

import domain "tradesim/internal/domain/entity/marketdata"

// BaseMessage is the wire envelope on the candles exchange. Producers may
// publish either the bare candle or the enveloped form; the consumer accepts
// both.
type BaseMessage struct {
	Candle *domain.Candle `json:"candle,omitempty"`
}
