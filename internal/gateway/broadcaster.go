package gateway

import (
	"encoding/json"
	"strconv"
	"time"

	"marketpulse/internal/marketdata/pricestore"
	"marketpulse/internal/model"
)

// Envelope types sent to dashboard clients.
const (
	TypeSnapshot = "snapshot"
	TypePrices   = "prices"
	TypePong     = "pong"
)

// Envelope is the parsed form of every price message, for clients and tests.
type Envelope struct {
	Type   string                     `json:"type"`
	Data   map[string]model.PriceTick `json:"data"`
	Live   bool                       `json:"live"`
	Source model.Source               `json:"source,omitempty"`
	TS     time.Time                  `json:"ts"`
	Seq    uint64                     `json:"seq"`
}

func pricesEnvelope(up pricestore.Update) ([]byte, error) {
	data, err := json.Marshal(up.Ticks)
	if err != nil {
		return nil, err
	}
	return buildEnvelope(TypePrices, data, up.Live, up.Source, up.UpdatedAt, up.Seq), nil
}

func snapshotEnvelope(s pricestore.Snapshot) ([]byte, error) {
	data, err := json.Marshal(s.Prices)
	if err != nil {
		return nil, err
	}
	return buildEnvelope(TypeSnapshot, data, s.Live, "", s.UpdatedAt, s.Seq), nil
}

// buildEnvelope writes the envelope by hand around pre-encoded data;
// every field except data is a fixed-format scalar.
func buildEnvelope(kind string, data []byte, live bool, src model.Source, ts time.Time, seq uint64) []byte {
	buf := make([]byte, 0, len(data)+128)
	buf = append(buf, `{"type":"`...)
	buf = append(buf, kind...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"live":`...)
	buf = strconv.AppendBool(buf, live)
	if src != "" {
		buf = append(buf, `,"source":"`...)
		buf = append(buf, src...)
		buf = append(buf, '"')
	}
	buf = append(buf, `,"ts":"`...)
	buf = ts.UTC().AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendUint(buf, seq, 10)
	buf = append(buf, '}')
	return buf
}

func pongEnvelope(ping int64, now time.Time) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, `{"type":"pong","ping":`...)
	buf = strconv.AppendInt(buf, ping, 10)
	buf = append(buf, `,"server_ts":`...)
	buf = strconv.AppendInt(buf, now.UnixMilli(), 10)
	buf = append(buf, '}')
	return buf
}
