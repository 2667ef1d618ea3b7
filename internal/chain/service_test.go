package chain

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ordinals-market-engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testOutpoint = "c91f5ca101a96f69f454f216b5a7723f1fbf8e25501181f7eb4f07deccacb32b:0"

func newTestService(t *testing.T, handler http.Handler) *Service {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	svc, err := NewService(models.GatewayConfig{
		EsploraUrl: server.URL + "/api",
		OrdUrl:     server.URL + "/ord",
		IndexerUrl: server.URL + "/indexer",
		Timeout:    5 * time.Second,
		CacheSize:  8,
	})
	require.NoError(t, err)
	return svc
}

func TestNewService_RequiresEsplora(t *testing.T) {
	_, err := NewService(models.GatewayConfig{})
	require.Error(t, err)
}

func TestResolveOutput(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ord/output/"+testOutpoint, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = io.WriteString(w, `{
			"address": "tb1pr7980dqpeh9cc7qjevf4pmrh2yz7hr877tnj7eq0au5drlduw9aq629zea",
			"indexed": true,
			"inscriptions": ["c91f5ca101a96f69f454f216b5a7723f1fbf8e25501181f7eb4f07deccacb32bi0"],
			"runes": {"UNCOMMON•GOODS": {"amount": 1500, "divisibility": 0, "symbol": "⧉"}},
			"sat_ranges": [[1421505156510708, 1421505156511254]],
			"spent": false,
			"value": 546
		}`)
	})
	svc := newTestService(t, mux)

	out, err := svc.ResolveOutput(context.Background(), testOutpoint)
	require.NoError(t, err)
	require.Equal(t, int64(546), out.Value)
	require.Len(t, out.Inscriptions, 1)
	require.Len(t, out.Runes, 1)
	require.Equal(t, "UNCOMMON•GOODS", out.Runes[0].Name)
	require.Equal(t, "1500", out.Runes[0].Amount)
	require.True(t, out.HasAssets())
}

func TestResolveOutput_NotFound(t *testing.T) {
	svc := newTestService(t, http.NotFoundHandler())

	_, err := svc.ResolveOutput(context.Background(), testOutpoint)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestGetRawTransaction_Cached(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tx/abcd/hex", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = io.WriteString(w, "0200\n")
	})
	svc := newTestService(t, mux)

	for i := 0; i < 3; i++ {
		txHex, err := svc.GetRawTransaction(context.Background(), "abcd")
		require.NoError(t, err)
		require.Equal(t, "0200", txHex)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPostTransaction(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tx", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		if string(body) == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, "sendrawtransaction RPC error: bad-txns-inputs-missingorspent")
			return
		}
		_, _ = io.WriteString(w, "ffee")
	})
	svc := newTestService(t, mux)

	txId, err := svc.PostTransaction(context.Background(), "0200")
	require.NoError(t, err)
	require.Equal(t, "ffee", txId)

	_, err = svc.PostTransaction(context.Background(), "bad")
	require.ErrorIs(t, err, ErrRejected)
}

func TestGetAddressUtxosAndTransaction(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/address/tb1qaddr/utxo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"txid":"aa","vout":1,"value":546,"status":{"confirmed":true,"block_height":100}},
			{"txid":"bb","vout":0,"value":9000,"status":{"confirmed":false}}]`)
	})
	mux.HandleFunc("/api/tx/aa", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"txid":"aa","fee":1260,"weight":1008,"size":300,"status":{"confirmed":true}}`)
	})
	svc := newTestService(t, mux)

	utxos, err := svc.GetAddressUtxos(context.Background(), "tb1qaddr")
	require.NoError(t, err)
	require.Len(t, utxos, 2)
	require.Equal(t, "aa:1", utxos[0].Outpoint())
	require.True(t, utxos[0].Status.Confirmed)
	require.False(t, utxos[1].Status.Confirmed)

	info, err := svc.GetTransaction(context.Background(), "aa")
	require.NoError(t, err)
	require.Equal(t, int64(1260), info.Fee)
	require.Equal(t, int64(1008), info.Weight)
}

func TestFeeEstimates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/fee-estimates", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"6": 4.2, "1": 12.345, "144": 1.0}`)
	})
	svc := newTestService(t, mux)

	estimates, err := svc.GetFeeEstimates(context.Background())
	require.NoError(t, err)
	require.True(t, NextBlockFeeRate(estimates).Equal(decimal.RequireFromString("12.35")))
	require.True(t, NextBlockFeeRate(nil).IsZero())
}

func TestFindSpecialRanges(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/indexer/find_special_ranges_utxo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.JSONEq(t, `{"utxos":["`+testOutpoint+`"]}`, string(body))
		_, _ = io.WriteString(w, `{"result":[{"start":392609626005,"output":"`+testOutpoint+`","size":546,"offset":0,"satributes":["vintage"]}]}`)
	})
	svc := newTestService(t, mux)

	ranges, err := svc.FindSpecialRanges(context.Background(), []string{testOutpoint})
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	require.Equal(t, testOutpoint, ranges[0].Outpoint)
	require.Equal(t, int64(392609626551), ranges[0].End())
	require.Equal(t, []string{"vintage"}, ranges[0].Satributes)

	none, err := svc.FindSpecialRanges(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestGetTokenBalance(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/indexer/v1/brc20/get_current_balance_of_wallet", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("address") == "empty" {
			_, _ = io.WriteString(w, `{"error":"no balance","result":null}`)
			return
		}
		require.Equal(t, "trio", r.URL.Query().Get("ticker"))
		_, _ = io.WriteString(w, `{"error":null,"result":{"overall_balance":"1000.5"}}`)
	})
	svc := newTestService(t, mux)

	balance, err := svc.GetTokenBalance(context.Background(), "tb1paddr", "trio")
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.RequireFromString("1000.5")))

	balance, err = svc.GetTokenBalance(context.Background(), "empty", "trio")
	require.NoError(t, err)
	require.True(t, balance.IsZero())
}
