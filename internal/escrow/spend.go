package escrow

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"ordinals-market-engine/internal/fees"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const msgNotEnoughPadding = "Your wallet address doesn't have enough funds for padding outputs"

var (
	ErrReservedInput  = errors.New("Reserved input used in transaction")
	ErrMissingUserSig = errors.New("escrow input is missing the user signature")
	ErrForeignInput   = errors.New("input does not spend the escrow wallet")
)

// CreateWithdrawalPsbt builds an unsigned spend of the user's confirmed,
// unreserved escrow outputs. An amount of zero, or the whole balance, sweeps
// the wallet into a single output with the fee taken from it.
func (s *Service) CreateWithdrawalPsbt(ctx context.Context, userPubKeyHex, recipient string, amount int64, feeRate decimal.Decimal) (*models.WithdrawalResult, error) {
	if _, err := parseUserKey(userPubKeyHex); err != nil {
		return nil, err
	}
	if amount < 0 {
		return &models.WithdrawalResult{Error: "amount must not be negative"}, nil
	}

	wallet, err := s.lookupWallet(ctx, userPubKeyHex)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return &models.WithdrawalResult{Error: msgNoWallet}, nil
	}

	multisig, err := s.WalletMultisig(wallet)
	if err != nil {
		return nil, err
	}
	recipientScript, err := txbuilder.PayToAddress(recipient, s.keys.Params())
	if err != nil {
		return &models.WithdrawalResult{Error: fmt.Sprintf("invalid recipient address: %v", err)}, nil
	}

	utxos, err := s.GetWalletUtxos(ctx, wallet)
	if err != nil {
		return nil, err
	}
	candidates := utxos.ConfirmedAvailable()

	var (
		sel     *txbuilder.Selection
		outputs []*wire.TxOut
	)
	if amount == 0 || amount == utxos.Balance() {
		var value int64
		sel, value, err = txbuilder.SweepCoins(candidates, multisig.PkScript, recipientScript, feeRate)
		if err != nil {
			return s.insufficient(wallet, err)
		}
		outputs = []*wire.TxOut{wire.NewTxOut(value, recipientScript)}
	} else {
		payment := wire.NewTxOut(amount, recipientScript)
		if err := fees.CheckPaymentOutput(payment); err != nil {
			return &models.WithdrawalResult{Error: err.Error()}, nil
		}
		outputs = []*wire.TxOut{payment}
		sel, err = txbuilder.SelectCoins(candidates, txbuilder.CoinRequest{
			Target:       amount,
			ScriptPubKey: multisig.PkScript,
			Outputs:      outputs,
			ChangeScript: multisig.PkScript,
			FeeRate:      feeRate,
		})
		if err != nil {
			return s.insufficient(wallet, err)
		}
		if sel.Change > 0 {
			outputs = append(outputs, wire.NewTxOut(sel.Change, multisig.PkScript))
		}
	}

	result, err := s.spendPsbt(multisig, sel, outputs)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Escrow withdrawal prepared",
		zap.Int64("wallet_id", wallet.Id),
		zap.String("recipient", recipient),
		zap.Int64("amount", outputs[0].Value),
		zap.Int("inputs", len(sel.Inputs)),
		zap.Int64("fee", sel.Fee))
	return result, nil
}

// CreatePaddingPsbt splits escrow funds into count padding outputs paid back
// to the wallet, so the wallet can fund auction bids.
func (s *Service) CreatePaddingPsbt(ctx context.Context, userPubKeyHex string, count int, paddingValue int64, feeRate decimal.Decimal) (*models.WithdrawalResult, error) {
	if count <= 0 {
		return &models.WithdrawalResult{Error: "number of padding outputs must be positive"}, nil
	}
	wallet, err := s.lookupWallet(ctx, userPubKeyHex)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return &models.WithdrawalResult{Error: msgNoWallet}, nil
	}
	multisig, err := s.WalletMultisig(wallet)
	if err != nil {
		return nil, err
	}

	utxos, err := s.GetWalletUtxos(ctx, wallet)
	if err != nil {
		return nil, err
	}

	outputs := make([]*wire.TxOut, count)
	for i := range outputs {
		outputs[i] = wire.NewTxOut(paddingValue, multisig.PkScript)
	}
	sel, err := txbuilder.SelectCoins(utxos.ConfirmedAvailable(), txbuilder.CoinRequest{
		Target:       paddingValue * int64(count),
		ScriptPubKey: multisig.PkScript,
		Outputs:      outputs,
		ChangeScript: multisig.PkScript,
		FeeRate:      feeRate,
	})
	var short *txbuilder.InsufficientFundsError
	if errors.As(err, &short) {
		return &models.WithdrawalResult{Error: msgNotEnoughPadding}, nil
	}
	if err != nil {
		return nil, err
	}
	if sel.Change > 0 {
		outputs = append(outputs, wire.NewTxOut(sel.Change, multisig.PkScript))
	}
	return s.spendPsbt(multisig, sel, outputs)
}

func (s *Service) insufficient(wallet *models.EscrowWallet, err error) (*models.WithdrawalResult, error) {
	var short *txbuilder.InsufficientFundsError
	if !errors.As(err, &short) {
		return nil, err
	}
	zap.L().Info("Escrow withdrawal rejected",
		zap.Int64("wallet_id", wallet.Id),
		zap.Int64("available", short.Available),
		zap.Int64("needed", short.Needed))
	return &models.WithdrawalResult{Error: msgInsufficientFunds}, nil
}

// spendPsbt wraps the selected escrow outputs and the given outputs into a
// PSBT carrying the witness script each input needs.
func (s *Service) spendPsbt(multisig *Multisig, sel *txbuilder.Selection, outputs []*wire.TxOut) (*models.WithdrawalResult, error) {
	tx := wire.NewMsgTx(txbuilder.TxVersion)
	for _, u := range sel.Inputs {
		op, err := txbuilder.ParseOutpoint(u.Outpoint())
		if err != nil {
			return nil, err
		}
		tx.AddTxIn(wire.NewTxIn(op, nil, nil))
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	packet, err := txbuilder.NewPacket(tx)
	if err != nil {
		return nil, err
	}
	indices := make([]int, len(sel.Inputs))
	for i, u := range sel.Inputs {
		if err := s.decorateEscrowInput(packet, i, multisig, u.Value); err != nil {
			return nil, err
		}
		indices[i] = i
	}

	encoded, err := txbuilder.EncodePsbt(packet)
	if err != nil {
		return nil, err
	}
	return &models.WithdrawalResult{
		Psbt:                encoded,
		PaymentInputIndices: indices,
		Fee:                 sel.Fee,
	}, nil
}

// decorateEscrowInput marks an input as a spend of the escrow multisig.
func (s *Service) decorateEscrowInput(packet *psbt.Packet, index int, multisig *Multisig, value int64) error {
	return txbuilder.DecorateInput(packet, index, multisig.InputSource(value), s.keys.Params())
}

// SignAndFinalizeWithdrawal adds the server signature to a user-signed
// escrow spend and broadcasts it.
func (s *Service) SignAndFinalizeWithdrawal(ctx context.Context, userPubKeyHex, signedPsbt string) (*models.MessageResult, error) {
	wallet, err := s.lookupWallet(ctx, userPubKeyHex)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return &models.MessageResult{Error: msgNoWallet}, nil
	}

	packet, err := txbuilder.DecodePsbt(signedPsbt)
	if err != nil {
		return &models.MessageResult{Error: err.Error()}, nil
	}

	txHex, err := s.cosign(ctx, wallet, packet, 0)
	if err != nil {
		return nil, err
	}

	txId, err := s.gateway.PostTransaction(ctx, txHex)
	if err != nil {
		return nil, fmt.Errorf("unable to broadcast withdrawal: %w", err)
	}

	zap.L().Info("Escrow withdrawal broadcast",
		zap.Int64("wallet_id", wallet.Id),
		zap.String("txid", txId))
	return &models.MessageResult{Message: "Withdrawal broadcast", TxId: txId}, nil
}

// SignAndFinalizeBid completes a bid's user-signed settlement with the server
// signature. Outputs reserved by the bid itself may be spent; the caller
// broadcasts the returned transaction.
func (s *Service) SignAndFinalizeBid(ctx context.Context, bid *models.Bid) (string, error) {
	wallet, err := s.store.GetMultiSigWalletById(ctx, bid.MultiSigWalletId)
	if err != nil {
		return "", err
	}
	if bid.SignedPsbt == "" {
		return "", fmt.Errorf("bid %d has no signed psbt", bid.Id)
	}
	packet, err := txbuilder.DecodePsbt(bid.SignedPsbt)
	if err != nil {
		return "", err
	}
	return s.cosign(ctx, wallet, packet, bid.Id)
}

// cosign checks reservations, signs every escrow input and extracts the
// final transaction hex.
func (s *Service) cosign(ctx context.Context, wallet *models.EscrowWallet, packet *psbt.Packet, allowedBidId int64) (string, error) {
	if err := s.checkReservedInputs(ctx, wallet, packet, allowedBidId); err != nil {
		return "", err
	}

	multisig, err := s.WalletMultisig(wallet)
	if err != nil {
		return "", err
	}
	if err := s.signMultisigInputs(packet, wallet, multisig); err != nil {
		return "", err
	}

	_, txHex, err := txbuilder.FinalizeAndExtract(packet)
	if err != nil {
		return "", err
	}
	return txHex, nil
}

// checkReservedInputs fails when an input is locked by a bid other than
// allowedBidId.
func (s *Service) checkReservedInputs(ctx context.Context, wallet *models.EscrowWallet, packet *psbt.Packet, allowedBidId int64) error {
	reserved, err := s.store.GetReservedOutpoints(ctx, wallet.Id)
	if err != nil {
		return err
	}
	for _, txIn := range packet.UnsignedTx.TxIn {
		outpoint := txIn.PreviousOutPoint.String()
		if bidId, ok := reserved[outpoint]; ok && bidId != allowedBidId {
			zap.L().Error("Reserved escrow input used",
				zap.Int64("wallet_id", wallet.Id),
				zap.String("outpoint", outpoint),
				zap.Int64("bid_id", bidId))
			return fmt.Errorf("%w: %s", ErrReservedInput, outpoint)
		}
	}
	return nil
}

// signMultisigInputs adds the server's partial signature to every input
// spending the wallet. Each needs the user's signature already.
func (s *Service) signMultisigInputs(packet *psbt.Packet, wallet *models.EscrowWallet, multisig *Multisig) error {
	serverKey, err := s.keys.ServerKey(int64(wallet.AccountIndex), wallet.AddressIndex)
	if err != nil {
		return err
	}
	serverPub := serverKey.PubKey().SerializeCompressed()

	fetcher, err := txbuilder.PrevOutFetcher(packet)
	if err != nil {
		return err
	}
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return fmt.Errorf("unable to open psbt for signing: %w", err)
	}

	signed := 0
	for i := range packet.Inputs {
		in := &packet.Inputs[i]
		if in.WitnessUtxo == nil || !bytes.Equal(in.WitnessUtxo.PkScript, multisig.PkScript) {
			if in.WitnessUtxo != nil && txbuilder.ClassifyScript(in.WitnessUtxo.PkScript) == txbuilder.ScriptP2WSH {
				return fmt.Errorf("%w: input %d", ErrForeignInput, i)
			}
			continue
		}
		if len(in.FinalScriptWitness) > 0 {
			continue
		}
		if !hasUserSig(in, serverPub) {
			return fmt.Errorf("%w: input %d", ErrMissingUserSig, i)
		}

		hashType := txscript.SigHashAll
		if in.SighashType != 0 {
			hashType = in.SighashType
		}
		sig, err := txscript.RawTxInWitnessSignature(packet.UnsignedTx, sigHashes, i,
			in.WitnessUtxo.Value, multisig.WitnessScript, hashType, serverKey)
		if err != nil {
			return fmt.Errorf("unable to sign input %d: %w", i, err)
		}

		outcome, err := updater.Sign(i, sig, serverPub, nil, multisig.WitnessScript)
		if err != nil {
			return fmt.Errorf("unable to attach signature to input %d: %w", i, err)
		}
		if outcome == psbt.SignSuccesful {
			signed++
		}
	}

	zap.L().Debug("Escrow inputs signed",
		zap.Int64("wallet_id", wallet.Id),
		zap.Int("signed", signed))
	return nil
}

func hasUserSig(in *psbt.PInput, serverPub []byte) bool {
	for _, ps := range in.PartialSigs {
		if !bytes.Equal(ps.PubKey, serverPub) {
			return true
		}
	}
	return false
}
