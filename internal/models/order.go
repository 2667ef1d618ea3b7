package models

import (
	"time"
)

// OrderStatus is the lifecycle state of an orderbook entry
type OrderStatus string

const (
	OrderStatusPendingMakerConfirmation OrderStatus = "pending_maker_confirmation"
	OrderStatusActive                   OrderStatus = "active"
	OrderStatusPendingTakerConfirmation OrderStatus = "pending_taker_confirmation"
	OrderStatusBroadcast                OrderStatus = "broadcast"
	OrderStatusCanceled                 OrderStatus = "canceled"
	OrderStatusConfirmed                OrderStatus = "confirmed"
)

// IsTerminal reports whether no further transition is allowed
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCanceled || s == OrderStatusConfirmed
}

// ListingType distinguishes plain listings from launchpad and auction orders
type ListingType string

const (
	ListingTypeListing   ListingType = "listing"
	ListingTypeLaunchpad ListingType = "launchpad"
	ListingTypeAuction   ListingType = "auction"
)

const OrderSideSell = "sell"

// Order represents an orderbook entry. Joined columns (outpoint, addresses,
// public keys) are filled by the store on reads.
type Order struct {
	Id                      int64       `db:"id"`
	UtxoId                  int64       `db:"utxo_id"`
	Outpoint                string      `db:"outpoint"`
	UtxoValue               int64       `db:"utxo_value"`
	Price                   int64       `db:"price"`
	Side                    string      `db:"side"`
	ListingType             ListingType `db:"listing_type"`
	Status                  OrderStatus `db:"status"`
	MakerPaymentAddressId   int64       `db:"maker_payment_address_id"`
	MakerOrdinalAddressId   int64       `db:"maker_ordinal_address_id"`
	MakerPaymentAddress     string      `db:"maker_payment_address"`
	MakerOrdinalAddress     string      `db:"maker_ordinal_address"`
	MakerOrdinalPublicKey   string      `db:"maker_ordinal_public_key"`
	PlatformMakerFeeBips    int64       `db:"platform_maker_fee"`
	PlatformTakerFeeBips    int64       `db:"platform_taker_fee"`
	MarketplaceMakerFeeBips int64       `db:"marketplace_maker_fee"`
	MarketplaceTakerFeeBips int64       `db:"marketplace_taker_fee"`
	PlatformFeeAddressId    int64       `db:"platform_fee_btc_address_id"`
	MarketplaceFeeAddressId int64       `db:"marketplace_fee_btc_address_id"`
	PlatformFeeAddress      string      `db:"platform_fee_address"`
	MarketplaceFeeAddress   string      `db:"marketplace_fee_address"`
	PsbtId                  string      `db:"psbt_id"`
	IndexInMakerPsbt        int         `db:"index_in_maker_psbt"`
	MakerOutputValue        int64       `db:"maker_output_value"`
	BatchId                 string      `db:"batch_id"`
	MarketplaceId           string      `db:"marketplace_id"`
	CreatedAt               time.Time   `db:"created_at"`
	UpdatedAt               time.Time   `db:"updated_at"`
}

// Utxo is an on-chain output known to the marketplace
type Utxo struct {
	Id        int64     `db:"id"`
	Outpoint  string    `db:"utxo"`
	Value     int64     `db:"value"`
	AddressId int64     `db:"address_id"`
	IsSpent   bool      `db:"is_spent"`
	CreatedAt time.Time `db:"created_at"`
}

// AssetKind classifies what an output carries
type AssetKind string

const (
	AssetKindInscription AssetKind = "inscription"
	AssetKindRune        AssetKind = "rune"
	AssetKindRareSat     AssetKind = "rare_sat"
)

// AttachedAsset is an inscription, rune balance or rare sat range on a Utxo
type AttachedAsset struct {
	Id            int64     `db:"id"`
	UtxoId        int64     `db:"utxo_id"`
	Kind          AssetKind `db:"kind"`
	InscriptionId string    `db:"inscription_id"`
	RuneName      string    `db:"rune_name"`
	RuneAmount    string    `db:"rune_amount"`
	RangeStart    int64     `db:"range_start"`
	RangeEnd      int64     `db:"range_end"`
	Satributes    string    `db:"satributes"`
}

// Address is a bitcoin address known to the marketplace
type Address struct {
	Id        int64     `db:"id"`
	Address   string    `db:"address"`
	PublicKey string    `db:"public_key"`
	CreatedAt time.Time `db:"created_at"`
}

// Marketplace is a storefront with its own fee schedule
type Marketplace struct {
	Id           string `db:"id"`
	Name         string `db:"name"`
	MakerFeeBips int64  `db:"maker_fee_bips"`
	TakerFeeBips int64  `db:"taker_fee_bips"`
	FeeAddress   string `db:"fee_address"`
}

// NonTradableCollection identifies an inscription that blocks trading
type NonTradableCollection struct {
	Slug          string `db:"slug"`
	InscriptionId string `db:"inscription_id"`
}

// PsbtStatus is the signing state of a stored PSBT
type PsbtStatus string

const (
	PsbtStatusProcessing PsbtStatus = "processing"
	PsbtStatusUnsigned   PsbtStatus = "unsigned"
	PsbtStatusSigned     PsbtStatus = "signed"
)

// PsbtRecord stores a maker PSBT and, once returned, its signed form
type PsbtRecord struct {
	Id           string     `db:"id"`
	UnsignedPsbt string     `db:"unsigned_psbt"`
	SignedPsbt   string     `db:"signed_psbt"`
	IsSigned     bool       `db:"is_signed"`
	BatchId      string     `db:"batch_id"`
	Status       PsbtStatus `db:"status"`
	CreatedAt    time.Time  `db:"created_at"`
}
