package model

import "time"

// PriceUpdate is one decoded feed message: the latest known price for every
// symbol the message carried, stamped with the receive time.
type PriceUpdate struct {
	Exchange   string
	Prices     map[string]float64
	ReceivedAt time.Time
}
