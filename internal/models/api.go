/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package models

import (
	"github.com/shopspring/decimal"
)

// ListingResult represents the result of building a maker PSBT
type ListingResult struct {
	Psbt     string  `json:"psbt,omitempty"`
	PsbtId   string  `json:"psbtId,omitempty"`
	OrderIds []int64 `json:"orderIds,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// MessageResult represents a state change acknowledged with a message
type MessageResult struct {
	Message string `json:"message,omitempty"`
	TxId    string `json:"txId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PaddingCheck reports whether an address holds enough padding outputs
type PaddingCheck struct {
	PaddingOutputsExist     bool          `json:"paddingOutputsExist"`
	RequiredDummyOutputs    int           `json:"requiredDummyOutputs"`
	AdditionalOutputsNeeded int           `json:"additionalOutputsNeeded"`
	Selected                []AddressUtxo `json:"-"`
}

// PurchaseResult represents the result of building a taker PSBT
type PurchaseResult struct {
	Psbt                    string          `json:"psbt,omitempty"`
	InputIndices            []int           `json:"inputIndices,omitempty"`
	MinerFee                int64           `json:"minerFee,omitempty"`
	FeeRate                 decimal.Decimal `json:"feeRate,omitempty"`
	Error                   string          `json:"error,omitempty"`
	RequiredDummyOutputs    int             `json:"requiredDummyOutputs,omitempty"`
	AdditionalOutputsNeeded int             `json:"additionalOutputsNeeded,omitempty"`
	Available               int64           `json:"available,omitempty"`
	Needed                  int64           `json:"needed,omitempty"`
}

// MergeResult represents the result of merging and broadcasting a trade
type MergeResult struct {
	TxId    string          `json:"txId,omitempty"`
	FeeRate decimal.Decimal `json:"feeRate,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WithdrawalResult represents an unsigned escrow spend
type WithdrawalResult struct {
	Psbt                string `json:"psbt,omitempty"`
	PaymentInputIndices []int  `json:"paymentInputIndices,omitempty"`
	Fee                 int64  `json:"fee,omitempty"`
	Error               string `json:"error,omitempty"`
}

// BidResult represents a placed bid awaiting the bidder's signature
type BidResult struct {
	BidId        int64  `json:"bidId,omitempty"`
	Psbt         string `json:"psbt,omitempty"`
	InputIndices []int  `json:"inputIndices,omitempty"`
	Error        string `json:"error,omitempty"`
}

// AuctionDetails is an auction, its bids and the current winner if any
type AuctionDetails struct {
	Auction    Auction `json:"auction"`
	Bids       []Bid   `json:"bids"`
	WinningBid *Bid    `json:"winningBid"`
}

// FinalizeResult represents the outcome of closing an auction
type FinalizeResult struct {
	AuctionId    int64         `json:"auctionId"`
	Status       AuctionStatus `json:"status"`
	WinningBidId int64         `json:"winningBidId,omitempty"`
	TxId         string        `json:"txId,omitempty"`
	Message      string        `json:"message,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// TransferResult represents an unsigned transfer of listed outputs, paid for
// by the maker's payment address
type TransferResult struct {
	Psbt                string `json:"psbt,omitempty"`
	OrdinalInputIndices []int  `json:"ordinalInputIndices,omitempty"`
	PaymentInputIndices []int  `json:"paymentInputIndices,omitempty"`
	Fee                 int64  `json:"fee,omitempty"`
	Error               string `json:"error,omitempty"`
}

// AuctionResult represents a newly opened auction
type AuctionResult struct {
	AuctionId int64  `json:"auctionId,omitempty"`
	Error     string `json:"error,omitempty"`
}
