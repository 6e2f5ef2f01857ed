package upstox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Feed message types.
const (
	TypeLiveFeed = "live_feed"

	MethodSub = "sub"
	ModeFull  = "full"
	ModeLTPC  = "ltpc"
)

type authorizeResponse struct {
	Status string `json:"status"`
	Data   struct {
		AuthorizedRedirectURI string `json:"authorizedRedirectUri"`
	} `json:"data"`
}

// ErrNoFeedURL means the authorize call succeeded at HTTP level but
// carried no usable stream URL.
var ErrNoFeedURL = errors.New("upstox: authorize response without redirect uri")

// AuthorizeFeed exchanges an access token for a signed websocket URL.
// A 401 comes back as *APIError; check it with IsUnauthorized.
func (c *Client) AuthorizeFeed(ctx context.Context, accessToken string) (string, error) {
	var out authorizeResponse
	if err := c.getBearer(ctx, "feed.authorize", accessToken, &out); err != nil {
		return "", err
	}
	if out.Status != "success" {
		return "", fmt.Errorf("upstox: authorize status %q", out.Status)
	}
	if out.Data.AuthorizedRedirectURI == "" {
		return "", ErrNoFeedURL
	}
	return out.Data.AuthorizedRedirectURI, nil
}

// SubscribeRequest is the outbound subscription frame.
type SubscribeRequest struct {
	GUID   string        `json:"guid"`
	Method string        `json:"method"`
	Data   SubscribeData `json:"data"`
}

type SubscribeData struct {
	Mode           string   `json:"mode"`
	InstrumentKeys []string `json:"instrumentKeys"`
}

// NewSubscribe builds a full-mode subscription for keys.
func NewSubscribe(guid string, keys []string) SubscribeRequest {
	return SubscribeRequest{
		GUID:   guid,
		Method: MethodSub,
		Data:   SubscribeData{Mode: ModeFull, InstrumentKeys: keys},
	}
}

// LTPC is last traded price and previous close.
type LTPC struct {
	LTP float64 `json:"ltp"`
	CP  float64 `json:"cp"`
	LTT string  `json:"ltt,omitempty"`
	LTQ string  `json:"ltq,omitempty"`
}

type ffBlock struct {
	LTPC *LTPC `json:"ltpc"`
}

// Feed is one instrument entry. Depending on mode the price is either at
// the top level or inside fullFeed.
type Feed struct {
	LTPC     *LTPC `json:"ltpc"`
	FullFeed *struct {
		MarketFF *ffBlock `json:"marketFF"`
		IndexFF  *ffBlock `json:"indexFF"`
	} `json:"fullFeed"`
}

// Price returns whichever LTPC block is present.
func (f Feed) Price() (LTPC, bool) {
	if f.LTPC != nil {
		return *f.LTPC, true
	}
	if f.FullFeed != nil {
		if f.FullFeed.MarketFF != nil && f.FullFeed.MarketFF.LTPC != nil {
			return *f.FullFeed.MarketFF.LTPC, true
		}
		if f.FullFeed.IndexFF != nil && f.FullFeed.IndexFF.LTPC != nil {
			return *f.FullFeed.IndexFF.LTPC, true
		}
	}
	return LTPC{}, false
}

// FeedMessage is an inbound frame.
type FeedMessage struct {
	Type  string          `json:"type"`
	Feeds map[string]Feed `json:"feeds"`
}

// DecodeFeedMessage parses one frame. Frames of other types decode
// without error and simply carry no feeds.
func DecodeFeedMessage(b []byte) (*FeedMessage, error) {
	var m FeedMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("upstox: decode feed message: %w", err)
	}
	return &m, nil
}

// Quotes returns the LTPC of every feed that carries one, keyed by
// instrument key. Non live_feed frames yield nil.
func (m *FeedMessage) Quotes() map[string]LTPC {
	if m.Type != TypeLiveFeed || len(m.Feeds) == 0 {
		return nil
	}
	out := make(map[string]LTPC, len(m.Feeds))
	for key, f := range m.Feeds {
		if p, ok := f.Price(); ok {
			out[key] = p
		}
	}
	return out
}
