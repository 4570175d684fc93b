package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/slog"
)

// Esplora implements ChainBackend against a blockstream-style Esplora HTTP
// API.
type Esplora struct {
	baseURL    string
	params     *chaincfg.Params
	httpClient *http.Client
	retries    int
	log        slog.Logger
}

// NewEsplora returns a backend for the given API base URL, e.g.
// https://blockstream.info/testnet/api.
func NewEsplora(baseURL string, params *chaincfg.Params, timeout time.Duration, retries int, log slog.Logger) *Esplora {
	return &Esplora{
		baseURL:    strings.TrimRight(baseURL, "/"),
		params:     params,
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		log:        log,
	}
}

type esploraTxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint32 `json:"block_height"`
}

type esploraUTXO struct {
	Txid   string          `json:"txid"`
	Vout   uint32          `json:"vout"`
	Value  int64           `json:"value"`
	Status esploraTxStatus `json:"status"`
}

type esploraOutspend struct {
	Spent bool   `json:"spent"`
	Txid  string `json:"txid"`
	Vin   uint32 `json:"vin"`
}

func (e *Esplora) Tx(ctx context.Context, txid chainhash.Hash) (*TxInfo, error) {
	raw, err := e.get(ctx, "/tx/"+txid.String()+"/hex")
	if err != nil {
		return nil, err
	}
	txBytes, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode tx hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, fmt.Errorf("deserialize tx: %w", err)
	}

	statusRaw, err := e.get(ctx, "/tx/"+txid.String()+"/status")
	if err != nil {
		return nil, err
	}
	var status esploraTxStatus
	if err := json.Unmarshal(statusRaw, &status); err != nil {
		return nil, fmt.Errorf("decode tx status: %w", err)
	}

	info := &TxInfo{Tx: tx}
	if status.Confirmed {
		tip, err := e.TipHeight(ctx)
		if err != nil {
			return nil, err
		}
		info.Height = status.BlockHeight
		if tip >= status.BlockHeight {
			info.Confirmations = tip - status.BlockHeight + 1
		}
	}
	return info, nil
}

func (e *Esplora) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return err
	}
	body := hex.EncodeToString(buf.Bytes())
	_, err := e.do(ctx, http.MethodPost, "/tx", strings.NewReader(body))
	if err != nil {
		// Esplora rejects re-broadcasts of already-confirmed transactions;
		// treat a known txid as success to keep Broadcast idempotent.
		if _, txErr := e.Tx(ctx, tx.TxHash()); txErr == nil {
			return nil
		}
		return err
	}
	return nil
}

func (e *Esplora) Spender(ctx context.Context, op wire.OutPoint) (*Spend, error) {
	raw, err := e.get(ctx, fmt.Sprintf("/tx/%s/outspend/%d", op.Hash.String(), op.Index))
	if err != nil {
		return nil, err
	}
	var out esploraOutspend
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode outspend: %w", err)
	}
	if !out.Spent {
		return nil, nil
	}
	h, err := chainhash.NewHashFromStr(out.Txid)
	if err != nil {
		return nil, err
	}
	return &Spend{Txid: *h, Vin: out.Vin}, nil
}

func (e *Esplora) ScriptUTXOs(ctx context.Context, script []byte) ([]UTXO, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, e.params)
	if err != nil || len(addrs) != 1 {
		return nil, fmt.Errorf("script %x has no canonical address", script)
	}
	raw, err := e.get(ctx, "/address/"+addrs[0].EncodeAddress()+"/utxo")
	if err != nil {
		return nil, err
	}
	var list []esploraUTXO
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode utxo list: %w", err)
	}
	tip, err := e.TipHeight(ctx)
	if err != nil {
		return nil, err
	}
	utxos := make([]UTXO, 0, len(list))
	for _, u := range list {
		h, err := chainhash.NewHashFromStr(u.Txid)
		if err != nil {
			return nil, err
		}
		var confs uint32
		if u.Status.Confirmed && tip >= u.Status.BlockHeight {
			confs = tip - u.Status.BlockHeight + 1
		}
		utxos = append(utxos, UTXO{
			OutPoint:      wire.OutPoint{Hash: *h, Index: u.Vout},
			Value:         u.Value,
			Script:        script,
			Confirmations: confs,
		})
	}
	return utxos, nil
}

func (e *Esplora) TipHeight(ctx context.Context) (uint32, error) {
	raw, err := e.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	var height uint32
	if _, err := fmt.Sscanf(strings.TrimSpace(string(raw)), "%d", &height); err != nil {
		return 0, fmt.Errorf("parse tip height: %w", err)
	}
	return height, nil
}

func (e *Esplora) get(ctx context.Context, path string) ([]byte, error) {
	return e.do(ctx, http.MethodGet, path, nil)
}

func (e *Esplora) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			e.log.Debugf("retrying %s %s in %s: %v", method, path, backoff, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			if seeker, ok := body.(io.Seeker); ok {
				seeker.Seek(0, io.SeekStart)
			}
		}
		raw, retry, err := e.doOnce(ctx, method, path, body)
		if err == nil || !retry {
			return raw, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (e *Esplora) doOnce(ctx context.Context, method, path string, body io.Reader) (raw []byte, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return nil, false, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	raw, err = io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, true, err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return raw, false, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrTxNotFound
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	default:
		return nil, false, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(raw)))
	}
}
