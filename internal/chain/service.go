package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ordinals-market-engine/internal/models"

	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const defaultCacheSize = 1024

// Service talks to an Esplora explorer, an ord server and an indexer that
// serves sat ranges and BRC-20 balances.
type Service struct {
	httpClient http.Client
	esploraUrl string
	ordUrl     string
	indexerUrl string
	rawTxCache *lru.Cache
}

var _ Gateway = (*Service)(nil)

func NewService(cfg models.GatewayConfig) (*Service, error) {
	if cfg.EsploraUrl == "" {
		return nil, fmt.Errorf("esplora url is required")
	}

	httpClient, err := createCustomHttpClient(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("unable to create custom http client: %w", err)
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("unable to create raw transaction cache: %w", err)
	}

	return &Service{
		httpClient: httpClient,
		esploraUrl: strings.TrimRight(cfg.EsploraUrl, "/"),
		ordUrl:     strings.TrimRight(cfg.OrdUrl, "/"),
		indexerUrl: strings.TrimRight(cfg.IndexerUrl, "/"),
		rawTxCache: cache,
	}, nil
}

func createCustomHttpClient(timeout time.Duration) (http.Client, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	tr := &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   15 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return http.Client{}, err
	}

	return http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

func (s *Service) ResolveOutput(ctx context.Context, outpoint string) (*models.OutputInfo, error) {
	if s.ordUrl == "" {
		return nil, fmt.Errorf("ord url is not configured")
	}

	var output models.OutputInfo
	if err := s.getJSON(ctx, s.ordUrl+"/output/"+outpoint, &output); err != nil {
		return nil, fmt.Errorf("unable to resolve output %s: %w", outpoint, err)
	}
	return &output, nil
}

func (s *Service) GetRawTransaction(ctx context.Context, txId string) (string, error) {
	if cached, ok := s.rawTxCache.Get(txId); ok {
		return cached.(string), nil
	}

	body, err := s.do(ctx, http.MethodGet, s.esploraUrl+"/tx/"+txId+"/hex", "", nil)
	if err != nil {
		return "", fmt.Errorf("unable to fetch raw transaction %s: %w", txId, err)
	}

	txHex := strings.TrimSpace(string(body))
	s.rawTxCache.Add(txId, txHex)
	return txHex, nil
}

func (s *Service) PostTransaction(ctx context.Context, txHex string) (string, error) {
	body, err := s.do(ctx, http.MethodPost, s.esploraUrl+"/tx", "text/plain", strings.NewReader(txHex))
	if err != nil {
		zap.L().Error("Transaction broadcast failed", zap.Error(err))
		return "", fmt.Errorf("unable to broadcast transaction: %w", err)
	}

	txId := strings.TrimSpace(string(body))
	zap.L().Info("Transaction broadcast", zap.String("txid", txId))
	s.rawTxCache.Add(txId, strings.TrimSpace(txHex))
	return txId, nil
}

func (s *Service) GetTransaction(ctx context.Context, txId string) (*models.TransactionInfo, error) {
	var info models.TransactionInfo
	if err := s.getJSON(ctx, s.esploraUrl+"/tx/"+txId, &info); err != nil {
		return nil, fmt.Errorf("unable to fetch transaction %s: %w", txId, err)
	}
	return &info, nil
}

func (s *Service) GetAddressUtxos(ctx context.Context, address string) ([]models.AddressUtxo, error) {
	var utxos []models.AddressUtxo
	if err := s.getJSON(ctx, s.esploraUrl+"/address/"+address+"/utxo", &utxos); err != nil {
		return nil, fmt.Errorf("unable to fetch utxos for %s: %w", address, err)
	}
	return utxos, nil
}

func (s *Service) GetFeeEstimates(ctx context.Context) (map[string]float64, error) {
	estimates := make(map[string]float64)
	if err := s.getJSON(ctx, s.esploraUrl+"/fee-estimates", &estimates); err != nil {
		return nil, fmt.Errorf("unable to fetch fee estimates: %w", err)
	}
	return estimates, nil
}

type specialRangesRequest struct {
	Utxos []string `json:"utxos"`
}

type specialRangesResponse struct {
	Result []models.SatRange `json:"result"`
}

func (s *Service) FindSpecialRanges(ctx context.Context, outpoints []string) ([]models.SatRange, error) {
	if s.indexerUrl == "" || len(outpoints) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(specialRangesRequest{Utxos: outpoints})
	if err != nil {
		return nil, err
	}

	body, err := s.do(ctx, http.MethodPost, s.indexerUrl+"/find_special_ranges_utxo", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("unable to scan sat ranges: %w", err)
	}

	var resp specialRangesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("invalid sat range response: %w", err)
	}
	return resp.Result, nil
}

type balanceResponse struct {
	Error  *string `json:"error"`
	Result *struct {
		OverallBalance string `json:"overall_balance"`
	} `json:"result"`
}

func (s *Service) GetTokenBalance(ctx context.Context, address, ticker string) (decimal.Decimal, error) {
	if s.indexerUrl == "" || ticker == "" {
		return decimal.Zero, nil
	}

	query := url.Values{}
	query.Set("address", address)
	query.Set("ticker", ticker)

	var resp balanceResponse
	if err := s.getJSON(ctx, s.indexerUrl+"/v1/brc20/get_current_balance_of_wallet?"+query.Encode(), &resp); err != nil {
		return decimal.Zero, fmt.Errorf("unable to fetch %s balance for %s: %w", ticker, address, err)
	}
	if resp.Error != nil && *resp.Error != "" {
		zap.L().Debug("Token balance lookup returned error",
			zap.String("address", address),
			zap.String("ticker", ticker),
			zap.String("error", *resp.Error))
		return decimal.Zero, nil
	}
	if resp.Result == nil || resp.Result.OverallBalance == "" {
		return decimal.Zero, nil
	}

	balance, err := decimal.NewFromString(resp.Result.OverallBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid balance %q: %w", resp.Result.OverallBalance, err)
	}
	return balance, nil
}

func (s *Service) getJSON(ctx context.Context, endpoint string, dest interface{}) error {
	body, err := s.do(ctx, http.MethodGet, endpoint, "", nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("invalid response from %s: %w", endpoint, err)
	}
	return nil
}

func (s *Service) do(ctx context.Context, method, endpoint, contentType string, payload io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusBadRequest && method == http.MethodPost:
		return nil, fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(string(body)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w %d: %s", ErrBadStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
