package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/fund/execution/pkg/errors"
)

// HTTPClient 通过 HTTP JSON 协议接入的场所网关客户端。
// 实现 OrderBookVenue、SwapVenue 与 ReferenceWrapper。
type HTTPClient struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPClient 创建场所客户端
func NewHTTPClient(name, baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Name() string {
	return c.name
}

type venueResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *HTTPClient) post(ctx context.Context, path string, req interface{}, out interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return apperrors.Newf(apperrors.CodeVenueCallFailed, "venue %s unreachable: %v", c.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperrors.Newf(apperrors.CodeVenueCallFailed, "venue %s read response: %v", c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return apperrors.Newf(apperrors.CodeVenueCallFailed, "venue %s status %d: %s", c.name, resp.StatusCode, raw)
	}

	var envelope venueResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return apperrors.Newf(apperrors.CodeVenueCallFailed, "venue %s malformed response: %v", c.name, err)
	}
	if envelope.Code != 0 {
		return apperrors.Newf(apperrors.CodeVenueCallFailed, "venue %s error %d: %s", c.name, envelope.Code, envelope.Message)
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return apperrors.Newf(apperrors.CodeVenueCallFailed, "venue %s malformed payload: %v", c.name, err)
		}
	}
	return nil
}

func (c *HTTPClient) MakeOrder(ctx context.Context, makerAsset, takerAsset string, makerQty, takerQty, expiresAt int64) (int64, error) {
	var out struct {
		OrderID int64 `json:"orderId"`
	}
	err := c.post(ctx, "/v1/orders", map[string]interface{}{
		"makerAsset": makerAsset,
		"takerAsset": takerAsset,
		"makerQty":   makerQty,
		"takerQty":   takerQty,
		"expiresAt":  expiresAt,
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.OrderID, nil
}

func (c *HTTPClient) GetOffer(ctx context.Context, id int64) (*Offer, error) {
	var out Offer
	err := c.post(ctx, "/v1/orders/get", map[string]interface{}{"orderId": id}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) FillOffer(ctx context.Context, id int64, fillMakerQty, fillTakerQty int64) (int64, error) {
	var out struct {
		ReceivedMakerQty int64 `json:"receivedMakerQty"`
	}
	err := c.post(ctx, "/v1/orders/fill", map[string]interface{}{
		"orderId":      id,
		"fillMakerQty": fillMakerQty,
		"fillTakerQty": fillTakerQty,
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.ReceivedMakerQty, nil
}

func (c *HTTPClient) CancelOffer(ctx context.Context, id int64) (int64, error) {
	var out struct {
		RefundMakerQty int64 `json:"refundMakerQty"`
	}
	err := c.post(ctx, "/v1/orders/cancel", map[string]interface{}{"orderId": id}, &out)
	if err != nil {
		return 0, err
	}
	return out.RefundMakerQty, nil
}

func (c *HTTPClient) Quote(ctx context.Context, srcAsset, dstAsset string, srcAmount int64) (int64, error) {
	var out struct {
		DstAmount int64 `json:"dstAmount"`
	}
	err := c.post(ctx, "/v1/swap/quote", map[string]interface{}{
		"srcAsset":  srcAsset,
		"dstAsset":  dstAsset,
		"srcAmount": srcAmount,
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.DstAmount, nil
}

func (c *HTTPClient) swap(ctx context.Context, srcAsset, dstAsset string, srcAmount, minDest int64) (int64, error) {
	var out struct {
		Received int64 `json:"received"`
	}
	err := c.post(ctx, "/v1/swap/execute", map[string]interface{}{
		"srcAsset":  srcAsset,
		"dstAsset":  dstAsset,
		"srcAmount": srcAmount,
		"minDest":   minDest,
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.Received, nil
}

func (c *HTTPClient) SwapReferenceToToken(ctx context.Context, dstAsset string, refAmount, minDest int64) (int64, error) {
	return c.swap(ctx, "", dstAsset, refAmount, minDest)
}

func (c *HTTPClient) SwapTokenToReference(ctx context.Context, srcAsset string, srcAmount, minRef int64) (int64, error) {
	return c.swap(ctx, srcAsset, "", srcAmount, minRef)
}

func (c *HTTPClient) SwapTokenToToken(ctx context.Context, srcAsset, dstAsset string, srcAmount, minDest int64) (int64, error) {
	return c.swap(ctx, srcAsset, dstAsset, srcAmount, minDest)
}

func (c *HTTPClient) Unwrap(ctx context.Context, amount int64) error {
	return c.post(ctx, "/v1/reference/unwrap", map[string]interface{}{"amount": amount}, nil)
}

func (c *HTTPClient) Wrap(ctx context.Context, amount int64) error {
	return c.post(ctx, "/v1/reference/wrap", map[string]interface{}{"amount": amount}, nil)
}
