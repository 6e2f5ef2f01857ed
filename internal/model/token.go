package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// TokenRecord is a provider access/refresh token pair.
// ExpiresAt is an absolute instant; it is persisted as epoch milliseconds.
type TokenRecord struct {
	AccessToken  string
	RefreshToken string // empty when the provider did not issue one
	ExpiresAt    time.Time
}

type tokenRecordJSON struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// Remaining returns the lifetime left at now. Negative once expired.
func (r TokenRecord) Remaining(now time.Time) time.Duration {
	return r.ExpiresAt.Sub(now)
}

// HasRefreshToken reports whether the record can be renewed.
func (r TokenRecord) HasRefreshToken() bool { return r.RefreshToken != "" }

// MarshalJSON encodes the record in the persisted layout.
func (r TokenRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(tokenRecordJSON{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    r.ExpiresAt.UnixMilli(),
	})
}

// UnmarshalJSON decodes the persisted layout.
func (r *TokenRecord) UnmarshalJSON(b []byte) error {
	var raw tokenRecordJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.AccessToken == "" {
		return fmt.Errorf("token record: missing accessToken")
	}
	r.AccessToken = raw.AccessToken
	r.RefreshToken = raw.RefreshToken
	r.ExpiresAt = time.UnixMilli(raw.ExpiresAt).UTC()
	return nil
}
