// Package mailapi вызывает почтовый бэкенд для отложенных действий.
package mailapi

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

	"sparkles/internal/config"
	"sparkles/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	idempotencyHeader = "Idempotency-Key"
	keyPrefix         = "mail:fired:"
)

// ErrDeliveryUnconfirmed прошлая попытка оборвалась посреди вызова,
// дошла ли она до бэкенда, неизвестно.
var ErrDeliveryUnconfirmed = errors.New("mail api: previous delivery unconfirmed")

// StatusError возвращается на ответы не 2xx.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("mail api: http %d", e.Code)
	}
	return fmt.Sprintf("mail api: http %d: %s", e.Code, e.Body)
}

// Client отправляет черновики и будит отложенные письма через почтовый бэкенд.
type Client struct {
	baseURL    string
	apiKey     string
	apiExtra   string
	httpClient *http.Client
	timeout    time.Duration

	redis  *redis.Client
	ttl    time.Duration
	logger *zerolog.Logger
}

// NewClient создаёт клиента с baseURL, API-ключом и extra-заголовком.
func NewClient(cfg config.MailAPIConfig, logger *zerolog.Logger) *Client {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		apiExtra:   cfg.APIExtra,
		httpClient: &http.Client{},
		timeout:    timeout,
		ttl:        cfg.IdempotencyTTL,
		logger:     logger,
	}
}

// UseIdempotency включает защиту через Redis: событие доставляется не больше одного раза.
func (c *Client) UseIdempotency(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	if ttl > 0 {
		c.ttl = ttl
	}
	if c.ttl <= 0 {
		c.ttl = models.MailIdempotencyTTL
	}
}

// SendDraft отправляет черновик из payload.
func (c *Client) SendDraft(ctx context.Context, eventID string, accountID int64, p models.SendPayload) error {
	if p.DraftID == "" {
		return errors.New("send payload: draft_id is required")
	}
	endpoint := fmt.Sprintf("%s/api/v1/accounts/%d/messages/send", c.baseURL, accountID)
	return c.once(ctx, eventID, func() error {
		return c.doPost(ctx, endpoint, eventID, p)
	})
}

// Unsnooze возвращает отложенное письмо во входящие.
func (c *Client) Unsnooze(ctx context.Context, eventID string, accountID int64, p models.SnoozePayload) error {
	if p.MessageID == "" {
		return errors.New("snooze payload: message_id is required")
	}
	endpoint := fmt.Sprintf("%s/api/v1/accounts/%d/messages/%s/unsnooze", c.baseURL, accountID, url.PathEscape(p.MessageID))
	return c.once(ctx, eventID, func() error {
		return c.doPost(ctx, endpoint, eventID, p)
	})
}

// once выполняет call, если id события ещё не занят. Неудачный вызов
// освобождает ключ, чтобы повтор мог доставить.
func (c *Client) once(ctx context.Context, eventID string, call func() error) error {
	if c.redis == nil || eventID == "" {
		return call()
	}

	key := keyPrefix + eventID
	ok, err := c.redis.SetNX(ctx, key, "inflight", c.ttl).Result()
	if err != nil {
		// без Redis отправляем без защиты от дублей
		c.logger.Warn().Err(err).Str("event_id", eventID).Msg("idempotency check failed, sending unguarded")
		return call()
	}
	if !ok {
		return c.resolveExisting(ctx, key, eventID)
	}

	if err := call(); err != nil {
		if delErr := c.redis.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
			c.logger.Warn().Err(delErr).Str("event_id", eventID).Msg("failed to release idempotency key")
		}
		return err
	}
	if err := c.redis.Set(context.WithoutCancel(ctx), key, "sent", c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("event_id", eventID).Msg("failed to mark event delivered")
	}
	return nil
}

// resolveExisting разбирает ключ, оставшийся от прошлой попытки.
// "sent" значит действие подтверждено. "inflight" значит процесс упал во время
// вызова и результат неизвестен: событие уходит в failed, ключ снимается,
// чтобы ручной retry дошёл до бэкенда.
func (c *Client) resolveExisting(ctx context.Context, key, eventID string) error {
	val, err := c.redis.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// ключ истёк между SETNX и GET
		return fmt.Errorf("%w: %s", ErrDeliveryUnconfirmed, eventID)
	case err != nil:
		return fmt.Errorf("read idempotency key: %w", err)
	case val == "sent":
		c.logger.Warn().Str("event_id", eventID).Msg("event already delivered, skipping")
		return nil
	}

	c.logger.Error().Str("event_id", eventID).Str("state", val).Msg("previous delivery outcome unknown")
	if delErr := c.redis.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
		c.logger.Warn().Err(delErr).Str("event_id", eventID).Msg("failed to release idempotency key")
	}
	return fmt.Errorf("%w: %s", ErrDeliveryUnconfirmed, eventID)
}

func (c *Client) doPost(ctx context.Context, endpoint, eventID string, body any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if eventID != "" {
		req.Header.Set(idempotencyHeader, eventID)
	}
	c.addHeaders(req)
	return c.do(req)
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mail api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) addHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if c.apiExtra != "" {
		req.Header.Set("x-api-extra", c.apiExtra)
	}
}
