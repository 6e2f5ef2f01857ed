package main

import (
	"encoding/json"
	"testing"

	"marketpulse/internal/symbols"
	"marketpulse/pkg/upstox"
)

type frameEntry struct {
	LTPC     *upstox.LTPC `json:"ltpc"`
	FullFeed *struct {
		IndexFF *struct {
			LTPC *upstox.LTPC `json:"ltpc"`
		} `json:"indexFF"`
	} `json:"fullFeed"`
}

func decodeFrame(t *testing.T, b []byte) map[string]frameEntry {
	t.Helper()
	var out struct {
		Type  string                `json:"type"`
		Feeds map[string]frameEntry `json:"feeds"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out.Type != upstox.TypeLiveFeed {
		t.Fatalf("unexpected frame type %q", out.Type)
	}
	return out.Feeds
}

func TestFeedFrame_Modes(t *testing.T) {
	m := newMarket(symbols.MustDefault())
	keys := []string{"NSE_INDEX|Nifty 50", "NSE_EQ|INE002A01018", "NSE_EQ|UNKNOWN"}

	b, err := feedFrame(m, keys, upstox.ModeFull)
	if err != nil {
		t.Fatal(err)
	}
	full := decodeFrame(t, b)
	if len(full) != 2 {
		t.Fatalf("unknown keys are skipped, got %d feeds", len(full))
	}
	idx := full["NSE_INDEX|Nifty 50"]
	if idx.FullFeed == nil || idx.FullFeed.IndexFF == nil || idx.FullFeed.IndexFF.LTPC.LTP != 26000 {
		t.Errorf("full mode index should use fullFeed.indexFF, got %+v", idx)
	}
	if eq := full["NSE_EQ|INE002A01018"]; eq.LTPC == nil || eq.LTPC.CP != 2800 {
		t.Errorf("equity should use top-level ltpc, got %+v", eq)
	}

	b, err = feedFrame(m, keys, upstox.ModeLTPC)
	if err != nil {
		t.Fatal(err)
	}
	for k, e := range decodeFrame(t, b) {
		if e.LTPC == nil || e.FullFeed != nil {
			t.Errorf("%s: ltpc mode must use the top-level layout, got %+v", k, e)
		}
	}
}
