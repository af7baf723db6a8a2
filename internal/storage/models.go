package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// RelayState is the last-alert mailbox shared by the dispatcher and the relay.
// Time is epoch seconds and strictly increases between consecutive alerts.
// It serialises as {"msg": ..., "time": ...}, the layout of existing last_msg.json files.
type RelayState struct {
	Message string `json:"msg"`
	Time    int64  `json:"time"`
}

// AlertRecord captures an emitted alert for auditing.
type AlertRecord struct {
	ID          int64
	Exchange    string
	Instrument  string
	OldPrice    decimal.Decimal
	NewPrice    decimal.Decimal
	PercentDiff decimal.Decimal
	Minutes     int
	Message     string
	CreatedAt   time.Time
}
