// Package mpesa talks to the Safaricom Daraja API: it starts STK push
// payments and parses the asynchronous result callbacks.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Bshisia/community-hope/internal/config"

	"golang.org/x/oauth2"
)

const (
	SandboxURL    = "https://sandbox.safaricom.co.ke"
	ProductionURL = "https://api.safaricom.co.ke"

	EnvSandbox    = "sandbox"
	EnvProduction = "production"
	EnvDemo       = "demo" // no network, tokens are generated locally

	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"
)

var (
	// ErrNotConfigured means the consumer key or secret is missing.
	ErrNotConfigured = errors.New("mpesa credentials not configured")
	// ErrRejected means Daraja answered but refused the push.
	ErrRejected = errors.New("stk push rejected")
)

// PushRequest asks the donor's phone to approve a payment.
type PushRequest struct {
	Phone            string // 2547XXXXXXXX / 2541XXXXXXXX
	Amount           int64
	AccountReference string
	Description      string
}

// PushResponse carries the correlation token of an accepted push.
type PushResponse struct {
	MerchantRequestID string `json:"merchant_request_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	CustomerMessage   string `json:"customer_message"`
}

// Client initiates STK pushes. It is safe for concurrent use.
type Client struct {
	cfg     config.MpesaConfig
	baseURL string
	http    *http.Client
	tokens  oauth2.TokenSource
	logger  *slog.Logger
	now     func() time.Time
	seq     atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for both token and push calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a Client from the mpesa config section.
func NewClient(cfg config.MpesaConfig, opts ...Option) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		cfg:     cfg,
		baseURL: BaseURL(cfg),
		http:    &http.Client{Timeout: timeout},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	// access tokens live about an hour; reuse until expiry
	c.tokens = oauth2.ReuseTokenSource(nil, &tokenSource{c: c})
	return c
}

// BaseURL picks the Daraja host for cfg. An explicit base_url wins.
func BaseURL(cfg config.MpesaConfig) string {
	if cfg.BaseURL != "" {
		return strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Environment == EnvProduction {
		return ProductionURL
	}
	return SandboxURL
}

// Timestamp formats t as YYYYMMDDHHmmss.
func Timestamp(t time.Time) string {
	return t.Format("20060102150405")
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

// Demo reports whether the client works offline.
func (c *Client) Demo() bool {
	return c.cfg.Environment == EnvDemo
}

type pushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type pushReply struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// Initiate sends an STK push and returns the CheckoutRequestID to correlate
// the later callback with. Nothing is persisted here.
func (c *Client) Initiate(ctx context.Context, req PushRequest) (PushResponse, error) {
	if c.Demo() {
		n := c.seq.Add(1)
		id := fmt.Sprintf("%d%04d", c.now().UnixMilli(), n%10000)
		c.logger.Info("demo stk push", "checkout_request_id", "ws_CO_"+id, "amount", req.Amount)
		return PushResponse{
			MerchantRequestID: "demo-" + id,
			CheckoutRequestID: "ws_CO_" + id,
			CustomerMessage:   "Success. Request accepted for processing",
		}, nil
	}
	if c.cfg.ConsumerKey == "" || c.cfg.ConsumerSecret == "" {
		return PushResponse{}, ErrNotConfigured
	}

	ts := Timestamp(c.now())
	body, err := json.Marshal(pushPayload{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          Password(c.cfg.Shortcode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount,
		PartyA:            req.Phone,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	})
	if err != nil {
		return PushResponse{}, fmt.Errorf("encode stk push: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pushPath, bytes.NewReader(body))
	if err != nil {
		return PushResponse{}, fmt.Errorf("build stk push request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	authed := &http.Client{
		Timeout:   c.http.Timeout,
		Transport: &oauth2.Transport{Source: c.tokens, Base: c.http.Transport},
	}
	resp, err := authed.Do(httpReq)
	if err != nil {
		return PushResponse{}, fmt.Errorf("stk push: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return PushResponse{}, fmt.Errorf("read stk push response: %w", err)
	}

	var reply pushReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return PushResponse{}, fmt.Errorf("stk push: status %d: %s", resp.StatusCode, truncate(raw))
	}
	if resp.StatusCode != http.StatusOK || reply.ResponseCode != "0" {
		desc := reply.ResponseDescription
		if desc == "" {
			desc = reply.ErrorMessage
		}
		return PushResponse{}, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, desc)
	}
	if reply.CheckoutRequestID == "" {
		return PushResponse{}, fmt.Errorf("%w: empty CheckoutRequestID", ErrRejected)
	}

	c.logger.Info("stk push accepted",
		"checkout_request_id", reply.CheckoutRequestID,
		"merchant_request_id", reply.MerchantRequestID,
		"amount", req.Amount,
	)
	return PushResponse{
		MerchantRequestID: reply.MerchantRequestID,
		CheckoutRequestID: reply.CheckoutRequestID,
		CustomerMessage:   reply.CustomerMessage,
	}, nil
}

// tokenSource fetches client-credentials tokens. Daraja expects a GET with
// basic auth, which the stock clientcredentials flow does not do.
type tokenSource struct {
	c *Client
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	c := ts.c
	ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tokenPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch access token: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read access token: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch access token: status %d: %s", resp.StatusCode, truncate(raw))
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"` // seconds, sent as a string
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode access token: %w", err)
	}
	if body.AccessToken == "" {
		return nil, errors.New("fetch access token: empty access_token")
	}

	tok := &oauth2.Token{AccessToken: body.AccessToken, TokenType: "Bearer"}
	if secs, err := strconv.Atoi(body.ExpiresIn); err == nil && secs > 0 {
		tok.Expiry = c.now().Add(time.Duration(secs) * time.Second)
	}
	return tok, nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
