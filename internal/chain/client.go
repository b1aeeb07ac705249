// Package chain предоставляет клиент провайдера данных блокчейна для
// догоняющего опроса переводов на принимающий адрес.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/witbar-system/internal/model"
	"github.com/shopspring/decimal"
)

// Client инкапсулирует HTTP-взаимодействие с API провайдера.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type tokenTransfer struct {
	Mint            string          `json:"mint"`
	FromUserAccount string          `json:"fromUserAccount"`
	ToUserAccount   string          `json:"toUserAccount"`
	TokenAmount     decimal.Decimal `json:"tokenAmount"`
}

type transaction struct {
	Signature      string          `json:"signature"`
	TokenTransfers []tokenTransfer `json:"tokenTransfers"`
}

// NewClient создаёт HTTP-клиент провайдера по указанному адресу и ключу API.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetRecentTransfers запрашивает последние транзакции адреса и возвращает
// события переводов токенов в нормализованном виде. Суммы переводятся в
// сотые доли токена. Второе и третье значения — статус ответа и пауза из
// заголовка Retry-After при ограничении частоты запросов.
func (c *Client) GetRecentTransfers(ctx context.Context, address string, limit int) ([]model.TransferEvent, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("chain client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	url := fmt.Sprintf("%s/v0/addresses/%s/transactions?limit=%d", base, address, limit)
	if c.apiKey != "" {
		url += "&api-key=" + c.apiKey
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var txs []transaction
	if err := json.NewDecoder(resp.Body).Decode(&txs); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	var events []model.TransferEvent
	for _, tx := range txs {
		for _, t := range tx.TokenTransfers {
			events = append(events, model.TransferEvent{
				Signature:   tx.Signature,
				TokenID:     t.Mint,
				FromAddress: t.FromUserAccount,
				ToAddress:   t.ToUserAccount,
				Amount:      t.TokenAmount.Shift(2).IntPart(),
			})
		}
	}

	return events, resp.StatusCode, 0, nil
}
