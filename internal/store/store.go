package store

import (
	"context"
	"errors"
	"time"

	"ordinals-market-engine/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrNotFound               = errors.New("record not found")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrAlreadyListed          = errors.New("utxos already listed")
	ErrFeeRateTooLow          = errors.New("fee rate does not exceed previous attempts")
	ErrOrderConfirmed         = errors.New("order already confirmed")
	ErrInsufficientBalance    = errors.New("insufficient unreserved wallet balance")
)

// CreateUtxoParams describes an observed output and everything attached to it.
// Writing the same outpoint twice never duplicates rows.
type CreateUtxoParams struct {
	Outpoint     string
	Value        int64
	Address      string
	Inscriptions []string
	Runes        []models.RuneBalance
	RareSats     []models.SatRange
}

// CreateOrderParams contains the fields of one order in a listing request
type CreateOrderParams struct {
	UtxoId                  int64
	Price                   int64
	ListingType             models.ListingType
	MakerPaymentAddressId   int64
	MakerOrdinalAddressId   int64
	PlatformMakerFeeBips    int64
	PlatformTakerFeeBips    int64
	MarketplaceMakerFeeBips int64
	MarketplaceTakerFeeBips int64
	PlatformFeeAddressId    int64
	MarketplaceFeeAddressId int64
	IndexInMakerPsbt        int
	MakerOutputValue        int64
	BatchId                 string
	MarketplaceId           string
}

// CreateListingParams groups the maker PSBT and its orders so they are
// persisted all-or-nothing.
type CreateListingParams struct {
	Psbt   models.PsbtRecord
	Orders []CreateOrderParams
}

// EnterInitiatedStateParams records a purchase attempt over a set of orders.
// ExpectedStatuses holds the status each order was read in; the update only
// applies if the order is still in that status.
type EnterInitiatedStateParams struct {
	Entries               []models.TradeFeeEntry
	ExpectedStatuses      map[int64]models.OrderStatus
	FeeRate               decimal.Decimal
	TakerPaymentAddressId int64
	TakerOrdinalAddressId int64
}

// RecordBroadcastParams records the broadcast of a merged trade
type RecordBroadcastParams struct {
	OrderIds      []int64
	TransactionId string
	FeeRate       decimal.Decimal
}

// MonitoringInputParams describes a transaction that spends monitored outpoints
type MonitoringInputParams struct {
	TransactionId string
	Outpoints     []string
	FeeRate       decimal.Decimal
	Confirmed     bool
}

// SetMultiSigWalletParams completes a reserved escrow wallet row
type SetMultiSigWalletParams struct {
	UserPublicKeyHex string
	UserAddress      string
	AccountIndex     uint32
	AddressIndex     uint32
	DerivationPath   string
	MultisigAddress  string
	WitnessScript    string
	ServerPublicKey  string
}

// CreateBidParams places a bid and locks the escrow funds backing it
type CreateBidParams struct {
	AuctionId            int64
	MultiSigWalletId     int64
	BidAmount            int64
	BidderOrdinalAddress string
	ReservedAmount       int64
	AvailableBalance     int64
	ReservedOutpoints    []string
	UnsignedPsbt         string
}

// MarketStore defines the contract that every backend must satisfy.
type MarketStore interface {
	// --- Addresses ---
	GetOrInsertAddress(ctx context.Context, address, publicKey string) (int64, error)

	// --- Marketplaces & collections ---
	GetMarketplace(ctx context.Context, marketplaceId string) (*models.Marketplace, error)
	UpsertMarketplace(ctx context.Context, marketplace models.Marketplace) error
	UpsertCollection(ctx context.Context, setting models.CollectionSetting) error
	AddCollectionItems(ctx context.Context, slug string, inscriptionIds []string) error
	GetNonTradableCollections(ctx context.Context, inscriptionIds []string) ([]models.NonTradableCollection, error)
	GetNonTradableCollectionsByOrderIds(ctx context.Context, orderIds []int64) ([]models.NonTradableCollection, error)

	// --- Utxos ---
	CreateUtxo(ctx context.Context, params CreateUtxoParams) (*models.Utxo, error)
	CloneUtxo(ctx context.Context, fromOutpoint, toOutpoint string) (*models.Utxo, error)
	GetUtxoWithOrder(ctx context.Context, outpoint string) (*models.Utxo, *models.Order, error)
	GetUtxoAssets(ctx context.Context, utxoId int64) ([]models.AttachedAsset, error)

	// --- Orders & PSBTs ---
	CreateListing(ctx context.Context, params CreateListingParams) ([]int64, error)
	ConfirmListing(ctx context.Context, psbtId, signedPsbt string) ([]int64, error)
	GetPsbt(ctx context.Context, psbtId string) (*models.PsbtRecord, error)
	GetOrder(ctx context.Context, orderId int64) (*models.Order, error)
	GetOrders(ctx context.Context, orderIds []int64) ([]models.Order, error)
	GetOrdersByPsbtId(ctx context.Context, psbtId string) ([]models.Order, error)
	GetActiveOrBroadcastOrders(ctx context.Context, orderIds []int64, marketplaceId string, listingType models.ListingType) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderIds []int64, from []models.OrderStatus, to models.OrderStatus) error
	RevertStalePendingOrders(ctx context.Context, before time.Time) (int64, error)

	// --- Trade history ---
	GetTradeHistory(ctx context.Context, orderId int64) ([]models.TradeHistory, error)
	GetTradeHistoryByOrderIds(ctx context.Context, orderIds []int64) ([]models.TradeHistory, error)
	EnterInitiatedState(ctx context.Context, params EnterInitiatedStateParams) error
	RecordBroadcast(ctx context.Context, params RecordBroadcastParams) error
	AbandonPurchaseAttempt(ctx context.Context, orderIds []int64) error

	// --- Monitoring ---
	GetMonitoringUTXOs(ctx context.Context) ([]string, error)
	MonitoringInputDetected(ctx context.Context, params MonitoringInputParams) ([]models.MonitoringDetection, error)

	// --- Escrow wallets ---
	GetMultiSigWallet(ctx context.Context, userPublicKeyHex string) (*models.EscrowWallet, error)
	GetMultiSigWalletById(ctx context.Context, walletId int64) (*models.EscrowWallet, error)
	ReserveMultiSigWallet(ctx context.Context, userPublicKeyHex, userAddress string) (uint32, uint32, error)
	SetMultiSigWallet(ctx context.Context, params SetMultiSigWalletParams) (*models.EscrowWallet, error)
	GetReservedOutpoints(ctx context.Context, walletId int64) (map[string]int64, error)

	// --- Auctions ---
	CreateAuction(ctx context.Context, orderId int64, reservePrice *int64, endTime time.Time) (int64, error)
	GetAuction(ctx context.Context, auctionId int64) (*models.Auction, error)
	GetAuctionBids(ctx context.Context, auctionId int64) ([]models.Bid, error)
	CreateBid(ctx context.Context, params CreateBidParams) (int64, error)
	SetBidSignedPsbt(ctx context.Context, bidId int64, signedPsbt string) error
	CompleteBid(ctx context.Context, bidId int64, finalSignedPsbt string) error
	DeclineAuctionBids(ctx context.Context, auctionId, winningBidId int64) ([]int64, error)
	UpdateAuctionStatus(ctx context.Context, auctionId int64, status models.AuctionStatus) error

	// --- Lifecycle ---
	Close()
}
