package model

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestNewPriceTick_ChangeIdentity(t *testing.T) {
	ts := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	tick := NewPriceTick("AAPL", 150, 148, SourceBatch, ts)

	if tick.Change != 2 {
		t.Errorf("expected change=2, got %v", tick.Change)
	}
	if math.Abs(tick.ChangePercent-1.3514) > 1e-4 {
		t.Errorf("expected changePercent≈1.3514, got %v", tick.ChangePercent)
	}
	if !tick.Consistent(1e-6) {
		t.Errorf("tick not consistent: %+v", tick)
	}
}

func TestNewPriceTick_ZeroReference(t *testing.T) {
	tick := NewPriceTick("X", 10, 0, SourceStream, time.Now())
	if tick.Change != 0 || tick.ChangePercent != 0 {
		t.Errorf("expected zero change for missing reference, got %+v", tick)
	}
	if !tick.Consistent(1e-6) {
		t.Error("zero-reference tick should be consistent")
	}
}

func TestSource_IsLive(t *testing.T) {
	live := []Source{SourceStream, SourceBatch, SourceCrypto}
	for _, s := range live {
		if !s.IsLive() {
			t.Errorf("%s should be live", s)
		}
	}
	for _, s := range []Source{SourceSimulated, SourceSeed} {
		if s.IsLive() {
			t.Errorf("%s should not be live", s)
		}
	}
}

func TestTokenRecord_JSONLayout(t *testing.T) {
	exp := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	rec := TokenRecord{AccessToken: "a", RefreshToken: "r", ExpiresAt: exp}

	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["expiresAt"].(float64) != float64(exp.UnixMilli()) {
		t.Errorf("expiresAt should be epoch ms, got %v", raw["expiresAt"])
	}

	var back TokenRecord
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.ExpiresAt.Equal(exp) || back.AccessToken != "a" || back.RefreshToken != "r" {
		t.Errorf("unexpected decoded record: %+v", back)
	}
}

func TestTokenRecord_RejectsEmptyAccessToken(t *testing.T) {
	var rec TokenRecord
	if err := json.Unmarshal([]byte(`{"expiresAt":1}`), &rec); err == nil {
		t.Error("expected error for record without accessToken")
	}
}

func TestTokenRecord_Remaining(t *testing.T) {
	now := time.Now()
	rec := TokenRecord{AccessToken: "a", ExpiresAt: now.Add(3 * time.Minute)}
	if rec.Remaining(now) != 3*time.Minute {
		t.Errorf("unexpected remaining %v", rec.Remaining(now))
	}
	if rec.HasRefreshToken() {
		t.Error("expected no refresh token")
	}
}

func TestConnState_String(t *testing.T) {
	if StateOpen.String() != "open" || StateClosed.String() != "closed" {
		t.Error("unexpected state names")
	}
	if ConnState(99).String() != "unknown" {
		t.Error("expected unknown")
	}
}
