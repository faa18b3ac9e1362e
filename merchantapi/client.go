package merchantapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"merchantflow/agreement"
	"merchantflow/merchant"
)

const maxErrorBody = 4 << 10

// Client talks to the merchant REST API. Every write returns the full
// updated record.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("merchantapi: invalid base url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

func (c *Client) FetchMerchant(ctx context.Context, id string) (merchant.Merchant, error) {
	var dto merchantDTO
	if err := c.do(ctx, http.MethodGet, merchantPath(id), nil, &dto); err != nil {
		return merchant.Merchant{}, fmt.Errorf("merchantapi: fetch merchant %s: %w", id, err)
	}
	return dto.toMerchant(), nil
}

func (c *Client) PatchMerchant(ctx context.Context, id string, p merchant.Patch) (merchant.Merchant, error) {
	if p.Empty() {
		return merchant.Merchant{}, fmt.Errorf("merchantapi: patch merchant %s: %w", id, ErrValidation)
	}
	var dto merchantDTO
	if err := c.do(ctx, http.MethodPatch, merchantPath(id), newPatchDTO(p), &dto); err != nil {
		return merchant.Merchant{}, fmt.Errorf("merchantapi: patch merchant %s: %w", id, err)
	}
	return dto.toMerchant(), nil
}

func (c *Client) ChangeStatus(ctx context.Context, id string, status merchant.Status, message string) (merchant.Merchant, error) {
	if !status.Valid() {
		return merchant.Merchant{}, fmt.Errorf("merchantapi: change status %d: %w", status, ErrValidation)
	}
	body := statusRequest{Status: int(status), Message: message}
	var dto merchantDTO
	if err := c.do(ctx, http.MethodPut, merchantPath(id)+"/status", body, &dto); err != nil {
		return merchant.Merchant{}, fmt.Errorf("merchantapi: change status of %s: %w", id, err)
	}
	return dto.toMerchant(), nil
}

func (c *Client) FetchAgreement(ctx context.Context, id string) (agreement.Document, error) {
	var doc agreement.Document
	err := c.do(ctx, http.MethodGet, merchantPath(id)+"/agreement", nil, &doc)
	if errors.Is(err, ErrNotFound) {
		return agreement.Sentinel(), nil
	}
	if err != nil {
		return agreement.Document{}, fmt.Errorf("merchantapi: fetch agreement of %s: %w", id, err)
	}
	return doc, nil
}

func (c *Client) RequestSignature(ctx context.Context, id string, signer agreement.SignerType) (agreement.SignatureRequest, error) {
	var dto signatureDTO
	body := signatureRequestBody{SignerType: int(signer)}
	if err := c.do(ctx, http.MethodPut, merchantPath(id)+"/agreement/signature", body, &dto); err != nil {
		return agreement.SignatureRequest{}, fmt.Errorf("merchantapi: request signature for %s: %w", id, err)
	}
	return dto.toSignatureRequest(id), nil
}

// DownloadAgreement fetches the binary at rawURL. Relative URLs resolve
// against the API base.
func (c *Client) DownloadAgreement(ctx context.Context, rawURL, extension string) ([]byte, error) {
	target := rawURL
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(rawURL, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("merchantapi: build download request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/"+extension)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("merchantapi: download agreement: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("merchantapi: download agreement: %w", readAPIError(resp))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("merchantapi: read agreement body: %w", err)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug("merchant api call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		apiErr.Message = eb.Message
		if apiErr.Message == "" {
			apiErr.Message = eb.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

func merchantPath(id string) string {
	return "/merchant/" + url.PathEscape(id)
}
