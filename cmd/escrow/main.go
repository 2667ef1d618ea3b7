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

package main

import (
	"context"
	"flag"
	"fmt"

	"ordinals-market-engine/internal/chain"
	"ordinals-market-engine/internal/common"
	"ordinals-market-engine/internal/config"
	"ordinals-market-engine/internal/escrow"
	"ordinals-market-engine/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type escrowRequest struct {
	pubKey      string
	userAddress string
	recipient   string
	amount      int64
	padding     int
	feeRate     decimal.Decimal
	signedPsbt  string
}

func parseAndValidateFlags() (*escrowRequest, error) {
	pubKeyFlag := flag.String("pubkey", "", "User public key hex (required)")
	addressFlag := flag.String("address", "", "User address recorded when the wallet is created")
	recipientFlag := flag.String("recipient", "", "Withdraw to this address")
	amountFlag := flag.Int64("amount", 0, "Withdrawal amount in sats, 0 sweeps the wallet")
	paddingFlag := flag.Int("padding", 0, "Create this many padding outputs")
	feeRateFlag := flag.String("fee-rate", "", "Fee rate in sat/vB, defaults to the next block estimate")
	signedFlag := flag.String("signed", "", "User-signed withdrawal PSBT to cosign and broadcast")
	flag.Parse()

	if *pubKeyFlag == "" {
		return nil, fmt.Errorf("--pubkey is required")
	}
	if *amountFlag < 0 || *paddingFlag < 0 {
		return nil, fmt.Errorf("--amount and --padding must not be negative")
	}

	req := &escrowRequest{
		pubKey:      *pubKeyFlag,
		userAddress: *addressFlag,
		recipient:   *recipientFlag,
		amount:      *amountFlag,
		padding:     *paddingFlag,
		signedPsbt:  *signedFlag,
	}
	if *feeRateFlag != "" {
		rate, err := decimal.NewFromString(*feeRateFlag)
		if err != nil {
			return nil, fmt.Errorf("invalid fee rate format: %w", err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("fee rate must be greater than zero")
		}
		req.feeRate = rate
	}
	return req, nil
}

func resolveFeeRate(ctx context.Context, gateway chain.Gateway, rate decimal.Decimal) (decimal.Decimal, error) {
	if rate.IsPositive() {
		return rate, nil
	}
	estimates, err := gateway.GetFeeEstimates(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch fee estimates: %w", err)
	}
	return chain.NextBlockFeeRate(estimates), nil
}

func printWallet(wallet *models.EscrowWallet, utxos *escrow.WalletUtxos) {
	common.PrintHeader("ESCROW WALLET", common.DefaultWidth)
	common.PrintField("Wallet ID", wallet.Id)
	common.PrintField("Address", wallet.MultisigAddress)
	common.PrintField("Derivation Path", wallet.DerivationPath)
	common.PrintField("Server Key", wallet.ServerPublicKey)
	common.PrintField("Spendable", common.FormatSats(utxos.Balance()))
	common.PrintField("Confirmed Total", common.FormatSats(utxos.ConfirmedTotal()))
	common.PrintField("Reserved by Bids", common.FormatSats(wallet.ReservedBalance))
	common.PrintSeparator("=", common.DefaultWidth)

	outputs := append(append([]models.AddressUtxo(nil), utxos.Available...), utxos.Reserved...)
	for i, u := range outputs {
		state := "available"
		if i >= len(utxos.Available) {
			state = "reserved"
		}
		if !u.Status.Confirmed {
			state += ", unconfirmed"
		}
		fmt.Printf("%s %s %12d sats (%s)\n", common.BoxPrefix(i == len(outputs)-1), u.Outpoint(), u.Value, state)
	}
	fmt.Println()
}

func printPsbt(title string, result *models.WithdrawalResult) {
	common.PrintHeader(title, common.DefaultWidth)
	if result.Error != "" {
		fmt.Printf("Error: %s\n", result.Error)
		common.PrintSeparator("=", common.DefaultWidth)
		return
	}
	common.PrintField("Fee", common.FormatSats(result.Fee))
	common.PrintField("Sign Inputs", result.PaymentInputIndices)
	fmt.Printf("PSBT:\n%s\n", result.Psbt)
	common.PrintSeparator("=", common.DefaultWidth)
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	req, err := parseAndValidateFlags()
	if err != nil {
		zap.L().Fatal("Invalid flags", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	zap.L().Info("Initializing services")
	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	escrowService, err := services.InitializeEscrow(cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize escrow keys", zap.Error(err))
	}

	if req.signedPsbt != "" {
		result, err := escrowService.SignAndFinalizeWithdrawal(ctx, req.pubKey, req.signedPsbt)
		if err != nil {
			zap.L().Fatal("Failed to finalize withdrawal", zap.Error(err))
		}
		if result.Error != "" {
			common.PrintHeader("WITHDRAWAL FAILED", common.DefaultWidth)
			fmt.Printf("Error: %s\n", result.Error)
			common.PrintSeparator("=", common.DefaultWidth)
			return
		}
		common.PrintFooter(fmt.Sprintf("Withdrawal broadcast: %s", result.TxId), common.DefaultWidth)
		return
	}

	wallet, err := escrowService.GetOrCreateWallet(ctx, req.pubKey, req.userAddress)
	if err != nil {
		zap.L().Fatal("Failed to load escrow wallet", zap.Error(err))
	}
	utxos, err := escrowService.GetWalletUtxos(ctx, wallet)
	if err != nil {
		zap.L().Fatal("Failed to fetch wallet outputs", zap.Error(err))
	}
	printWallet(wallet, utxos)

	if req.recipient == "" && req.padding == 0 {
		return
	}

	feeRate, err := resolveFeeRate(ctx, services.Gateway, req.feeRate)
	if err != nil {
		zap.L().Fatal("Failed to resolve fee rate", zap.Error(err))
	}

	if req.padding > 0 {
		result, err := escrowService.CreatePaddingPsbt(ctx, req.pubKey, req.padding, services.Market.DummyUtxoValue, feeRate)
		if err != nil {
			zap.L().Fatal("Failed to create padding PSBT", zap.Error(err))
		}
		printPsbt("PADDING PSBT", result)
	}

	if req.recipient != "" {
		result, err := escrowService.CreateWithdrawalPsbt(ctx, req.pubKey, req.recipient, req.amount, feeRate)
		if err != nil {
			zap.L().Fatal("Failed to create withdrawal PSBT", zap.Error(err))
		}
		printPsbt("WITHDRAWAL PSBT", result)
	}
}
