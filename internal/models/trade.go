package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is the state of a single purchase attempt
type TradeStatus string

const (
	TradeStatusInitiated TradeStatus = "initiated"
	TradeStatusMempool   TradeStatus = "mempool"
	TradeStatusConfirmed TradeStatus = "confirmed"
)

// TradeHistory is an append-only record of one purchase attempt on an order
type TradeHistory struct {
	Id                      int64           `db:"id"`
	OrderId                 int64           `db:"order_id"`
	Status                  TradeStatus     `db:"status"`
	FeeRate                 decimal.Decimal `db:"fee_rate"`
	TransactionId           string          `db:"transaction_id"`
	TakerPaymentAddressId   int64           `db:"taker_payment_address_id"`
	TakerOrdinalAddressId   int64           `db:"taker_ordinal_address_id"`
	MarketplaceTakerFeeBips int64           `db:"marketplace_taker_fee_collected_bips"`
	MarketplaceFeeSats      int64           `db:"marketplace_fee_collected_sats"`
	PlatformTakerFeeBips    int64           `db:"platform_taker_fee_collected_bips"`
	PlatformFeeSats         int64           `db:"platform_fee_collected_sats"`
	CreatedAt               time.Time       `db:"created_at"`
}

// TradeFeeEntry carries the fee collection of one order in a purchase
type TradeFeeEntry struct {
	OrderId                 int64
	MarketplaceTakerFeeBips int64
	MarketplaceFeeSats      int64
	PlatformTakerFeeBips    int64
	PlatformFeeSats         int64
}

// MonitoringDetection is the store's verdict for a spent monitored outpoint
type MonitoringDetection struct {
	Outpoint string
	OrderIds []int64
	IsSnipe  bool
}

// Webhook event types
const (
	EventOrderConfirmed = "order_confirmed"
	EventOrderSniped    = "order_sniped"
)

// OrderEvent is the outbound webhook payload
type OrderEvent struct {
	EventType string  `json:"eventType"`
	TxId      string  `json:"txid"`
	OrderIds  []int64 `json:"orderIds"`
}
