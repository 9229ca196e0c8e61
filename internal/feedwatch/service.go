// Package feedwatch tails the Hermes price stream and records every
// observation for the trusted feeds into the store, where the engine's
// store-mode oracle source reads them back.
package feedwatch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/ondrix/escrow/backend/internal/config"
	"github.com/ondrix/escrow/backend/internal/oracle"
	"github.com/ondrix/escrow/backend/internal/store"
)

const tickSource = "hermes"

type streamEnvelope struct {
	Parsed []priceUpdate `json:"parsed"`
}

type priceUpdate struct {
	ID    string        `json:"id"`
	Price priceSnapshot `json:"price"`
}

type priceSnapshot struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

type Service struct {
	cfg    config.FeedwatchConfig
	store  *store.Store
	logger *slog.Logger

	// hermes hex id -> engine feed identity, built once from config.
	feedsByID map[string]solana.PublicKey
}

func New(cfg config.FeedwatchConfig, logger *slog.Logger) (*Service, error) {
	st, err := store.New(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	feedsByID := make(map[string]solana.PublicKey, len(cfg.Oracle.HermesFeedIDs))
	for feed, id := range cfg.Oracle.HermesFeedIDs {
		feedsByID[strings.ToLower(strings.TrimSpace(id))] = feed
	}
	if len(feedsByID) == 0 {
		return nil, errors.New("no hermes feed ids configured")
	}

	return &Service{
		cfg:       cfg,
		store:     st,
		logger:    logger,
		feedsByID: feedsByID,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	client := &http.Client{}
	s.logger.Info("feed watcher started",
		"stream", s.cfg.StreamURL,
		"feeds", len(s.feedsByID),
		"reconnect_delay", s.cfg.ReconnectInterval.String(),
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		err := s.consumeStream(ctx, client)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("price stream disconnected", "err", err, "retry_in", s.cfg.ReconnectInterval.String())
		}

		select {
		case <-ctx.Done():
			s.logger.Info("feed watcher stopped")
			return nil
		case <-time.After(s.cfg.ReconnectInterval):
		}
	}
}

func (s *Service) consumeStream(ctx context.Context, client *http.Client) error {
	streamURL, err := s.buildStreamURL()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("open price stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("open price stream: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1024), 16*1024*1024)

	var eventData strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if eventData.Len() == 0 {
				continue
			}
			if err := s.processStreamEvent(ctx, eventData.String()); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("failed to process stream event", "err", err)
			}
			eventData.Reset()
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if eventData.Len() > 0 {
			eventData.WriteByte('\n')
		}
		eventData.WriteString(payload)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read price stream: %w", err)
	}

	return io.EOF
}

func (s *Service) processStreamEvent(ctx context.Context, rawEvent string) error {
	payload := strings.TrimSpace(rawEvent)
	if payload == "" || payload == "[DONE]" {
		return nil
	}

	var event streamEnvelope
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return fmt.Errorf("decode stream event: %w", err)
	}

	now := time.Now().Unix()
	for _, update := range event.Parsed {
		updateID := strings.ToLower(strings.TrimSpace(update.ID))
		feed, ok := s.feedsByID[updateID]
		if !ok {
			continue
		}

		answer, err := oracle.RescaleAnswer(update.Price.Price, update.Price.Expo)
		if err != nil || answer <= 0 {
			continue
		}

		observedAt := update.Price.PublishTime
		if observedAt <= 0 {
			observedAt = now
		}

		rawUpdate, err := json.Marshal(update)
		if err != nil {
			rawUpdate = []byte("{}")
		}

		if err := s.store.InsertPriceTick(ctx, store.PriceTickInput{
			Feed:       feed,
			Source:     tickSource,
			Answer:     answer,
			ObservedAt: observedAt,
			ReceivedAt: now,
			RawJSON:    string(rawUpdate),
		}); err != nil {
			return fmt.Errorf("store price tick: %w", err)
		}
	}

	return nil
}

func (s *Service) buildStreamURL() (string, error) {
	parsedURL, err := url.Parse(strings.TrimSpace(s.cfg.StreamURL))
	if err != nil {
		return "", fmt.Errorf("parse stream endpoint: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return "", fmt.Errorf("invalid stream endpoint: %q", s.cfg.StreamURL)
	}

	query := parsedURL.Query()
	query.Del("ids[]")
	for id := range s.feedsByID {
		query.Add("ids[]", id)
	}
	query.Set("parsed", "true")
	parsedURL.RawQuery = query.Encode()

	return parsedURL.String(), nil
}
