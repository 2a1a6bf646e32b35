package payment

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const IdempotencyHeader = "Idempotency-Key"

// HTTPClient implements Client against the billing REST API.
type HTTPClient struct {
	http *resty.Client
}

const (
	requestTimeout = 15 * time.Second
	retryWait      = 500 * time.Millisecond
	retryMaxWait   = 5 * time.Second
)

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(retryWait).
		SetRetryMaxWaitTime(retryMaxWait).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &HTTPClient{http: client}
}

type paymentList struct {
	Data []Payment `json:"data"`
}

// request decodes every reply as JSON whatever Content-Type billing sends.
func (c *HTTPClient) request(ctx context.Context, result interface{}) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetResult(result)
}

func (c *HTTPClient) FindCompletedPayment(ctx context.Context, visitID string) (*Payment, error) {
	var out paymentList
	resp, err := c.request(ctx, &out).
		SetQueryParams(map[string]string{"visit_id": visitID, "status": "completed"}).
		Get("/payments")
	if err != nil {
		return nil, fmt.Errorf("find payment for visit %s: %w", visitID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("find payment for visit %s: billing returned %d", visitID, resp.StatusCode())
	}
	if out.Data == nil {
		return nil, fmt.Errorf("find payment for visit %s: billing reply has no data list", visitID)
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	p := out.Data[0]
	return &p, nil
}

func (c *HTTPClient) CreditDeposit(ctx context.Context, idempotencyKey string, in DepositCredit) (*DepositTransaction, error) {
	var out DepositTransaction
	resp, err := c.request(ctx, &out).
		SetHeader(IdempotencyHeader, idempotencyKey).
		SetBody(in).
		Post("/deposits/credits")
	if err != nil {
		return nil, fmt.Errorf("credit deposit for patient %s: %w", in.PatientID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("credit deposit for patient %s: billing returned %d", in.PatientID, resp.StatusCode())
	}
	return &out, nil
}

func (c *HTTPClient) CreateRefundRequest(ctx context.Context, idempotencyKey string, in RefundRequestInput) (*RefundRequest, error) {
	var out RefundRequest
	resp, err := c.request(ctx, &out).
		SetHeader(IdempotencyHeader, idempotencyKey).
		SetBody(in).
		Post("/refund-requests")
	if err != nil {
		return nil, fmt.Errorf("create refund request for payment %s: %w", in.PaymentID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("create refund request for payment %s: billing returned %d", in.PaymentID, resp.StatusCode())
	}
	return &out, nil
}
