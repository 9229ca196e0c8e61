package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

type hermesEnvelope struct {
	Parsed []hermesPriceUpdate `json:"parsed"`
}

type hermesPriceUpdate struct {
	ID    string              `json:"id"`
	Price hermesPriceSnapshot `json:"price"`
}

type hermesPriceSnapshot struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// HermesSource reads latest prices from a Pyth Hermes endpoint. The feed
// identities the engine works with are account keys; FeedIDs maps each one
// to the hex feed id Hermes expects.
type HermesSource struct {
	identity solana.PublicKey
	endpoint string
	feedIDs  map[solana.PublicKey]string
	client   *http.Client
}

func NewHermesSource(identity solana.PublicKey, endpoint string, feedIDs map[solana.PublicKey]string, timeout time.Duration) *HermesSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HermesSource{
		identity: identity,
		endpoint: strings.TrimSpace(endpoint),
		feedIDs:  feedIDs,
		client:   &http.Client{Timeout: timeout},
	}
}

func (h *HermesSource) Identity() solana.PublicKey {
	return h.identity
}

func (h *HermesSource) LatestRound(ctx context.Context, feed solana.PublicKey) (Round, error) {
	feedID, ok := h.feedIDs[feed]
	if !ok {
		return Round{}, fmt.Errorf("no hermes feed id configured for %s", feed)
	}

	requestURL, err := buildLatestPriceURL(h.endpoint, feedID)
	if err != nil {
		return Round{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return Round{}, fmt.Errorf("build hermes request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Round{}, fmt.Errorf("fetch hermes price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Round{}, fmt.Errorf("fetch hermes price: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var envelope hermesEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return Round{}, fmt.Errorf("decode hermes response: %w", err)
	}

	normalizedID := strings.ToLower(strings.TrimSpace(feedID))
	for _, update := range envelope.Parsed {
		if strings.ToLower(strings.TrimSpace(update.ID)) != normalizedID {
			continue
		}
		answer, err := RescaleAnswer(update.Price.Price, update.Price.Expo)
		if err != nil {
			return Round{}, fmt.Errorf("rescale hermes answer: %w", err)
		}
		return Round{Answer: answer, ObservedAt: update.Price.PublishTime}, nil
	}

	return Round{}, fmt.Errorf("feed id %s missing from hermes response", feedID)
}

func buildLatestPriceURL(endpoint, feedID string) (string, error) {
	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse hermes endpoint: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return "", fmt.Errorf("invalid hermes endpoint: %q", endpoint)
	}

	query := parsedURL.Query()
	query.Del("ids[]")
	query.Add("ids[]", feedID)
	query.Set("parsed", "true")
	parsedURL.RawQuery = query.Encode()

	return parsedURL.String(), nil
}

// RescaleAnswer converts a raw hermes price and exponent into the engine's
// fixed eight-decimal integer representation, truncating when the feed
// carries more precision than that.
func RescaleAnswer(raw string, expo int32) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("empty price")
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, err
	}

	shift := answerDecimals + expo
	switch {
	case shift == 0:
		return value, nil
	case shift > 0:
		for i := int32(0); i < shift; i++ {
			next := value * 10
			if next/10 != value {
				return 0, fmt.Errorf("price %s overflows at expo %d", raw, expo)
			}
			value = next
		}
		return value, nil
	default:
		for i := shift; i < 0; i++ {
			value /= 10
		}
		return value, nil
	}
}
