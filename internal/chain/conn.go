package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SendOptions control broadcast behavior.
type SendOptions struct {
	// SkipPreflight disables local simulation before broadcast; the handoff
	// path always sets it because the transaction was assembled moments ago
	// by the counterparty.
	SkipPreflight bool
}

// Conn is the connection surface of the chain collaborator: anchor retrieval,
// raw broadcast and confirmation polling. Treated as opaque by everything
// above it.
type Conn interface {
	LatestBlockhash(ctx context.Context) (string, error)
	SendRawTransaction(ctx context.Context, raw []byte, opts SendOptions) (string, error)
	ConfirmSignature(ctx context.Context, signature string) error
}

var ErrNotConfirmed = errors.New("chain: signature not confirmed")

const (
	rpcHTTPTimeout      = 10 * time.Second
	confirmPollInterval = 500 * time.Millisecond
	confirmPollLimit    = 30 * time.Second
)

// RPCConn talks JSON-RPC to a chain node.
type RPCConn struct {
	endpoint string
	client   *http.Client
}

// NewRPCConn builds a connection for the given RPC endpoint.
func NewRPCConn(endpoint string) *RPCConn {
	return &RPCConn{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		client:   &http.Client{Timeout: rpcHTTPTimeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *RPCConn) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("chain: rpc %s failed: %s", method, resp.Status)
	}
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	if envelope.Error != nil {
		return fmt.Errorf("chain: rpc %s: %s (%d)", method, envelope.Error.Message, envelope.Error.Code)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, result)
}

func (c *RPCConn) LatestBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", nil, &result); err != nil {
		return "", err
	}
	if result.Value.Blockhash == "" {
		return "", errors.New("chain: empty blockhash")
	}
	return result.Value.Blockhash, nil
}

func (c *RPCConn) SendRawTransaction(ctx context.Context, raw []byte, opts SendOptions) (string, error) {
	params := []any{
		base64.StdEncoding.EncodeToString(raw),
		map[string]any{"encoding": "base64", "skipPreflight": opts.SkipPreflight},
	}
	var signature string
	if err := c.call(ctx, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	return signature, nil
}

// ConfirmSignature polls until the signature is confirmed or the poll window runs
// out. There is no retry beyond the poll loop; a timeout surfaces as
// ErrNotConfirmed and the caller decides what to tell the user.
func (c *RPCConn) ConfirmSignature(ctx context.Context, signature string) error {
	deadline := time.Now().Add(confirmPollLimit)
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()
	for {
		var result struct {
			Value []*struct {
				ConfirmationStatus string  `json:"confirmationStatus"`
				Err                *string `json:"err"`
			} `json:"value"`
		}
		err := c.call(ctx, "getSignatureStatuses", []any{[]string{signature}}, &result)
		if err == nil && len(result.Value) == 1 && result.Value[0] != nil {
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("%w: %s", ErrNotConfirmed, *status.Err)
			}
			if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return ErrNotConfirmed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ Conn = (*RPCConn)(nil)
