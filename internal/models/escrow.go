package models

import (
	"time"
)

// EscrowWallet is a 2-of-2 multisig wallet shared between the server and a user
type EscrowWallet struct {
	Id               int64     `db:"id"`
	AccountIndex     uint32    `db:"account_index"`
	AddressIndex     uint32    `db:"address_index"`
	UserPublicKeyHex string    `db:"user_public_key_hex"`
	UserAddress      string    `db:"user_address"`
	DerivationPath   string    `db:"derivation_path"`
	MultisigAddress  string    `db:"wallet_address"`
	WitnessScript    string    `db:"witness_script"`
	ServerPublicKey  string    `db:"server_public_key"`
	ReservedBalance  int64     `db:"reserved_balance"`
	CreatedAt        time.Time `db:"created_at"`
}

// AuctionStatus is the lifecycle state of an auction
type AuctionStatus string

const (
	AuctionStatusActive  AuctionStatus = "active"
	AuctionStatusEnded   AuctionStatus = "ended"
	AuctionStatusSettled AuctionStatus = "settled"
)

// BidStatus is the lifecycle state of an auction bid
type BidStatus string

const (
	BidStatusPending  BidStatus = "pending"
	BidStatusActive   BidStatus = "active"
	BidStatusWon      BidStatus = "won"
	BidStatusDeclined BidStatus = "declined"
)

// Auction is an English auction over one order
type Auction struct {
	Id           int64         `db:"id"`
	OrderId      int64         `db:"order_id"`
	ReservePrice *int64        `db:"reserve_price"`
	EndTime      time.Time     `db:"end_time"`
	Status       AuctionStatus `db:"status"`
	CreatedAt    time.Time     `db:"created_at"`
}

// Bid is one bid in an auction, funded from the bidder's escrow wallet
type Bid struct {
	Id                   int64     `db:"id"`
	AuctionId            int64     `db:"auction_id"`
	BidAmount            int64     `db:"bid_amount"`
	Status               BidStatus `db:"status"`
	MultiSigWalletId     int64     `db:"multi_sig_wallet_id"`
	BidderOrdinalAddress string    `db:"bidder_ordinal_address"`
	ReservedAmount       int64     `db:"reserved_amount"`
	UnsignedPsbt         string    `db:"unsigned_psbt"`
	SignedPsbt           string    `db:"signed_psbt"`
	FinalSignedPsbt      string    `db:"final_signed_psbt"`
	CreatedAt            time.Time `db:"created_at"`
}
