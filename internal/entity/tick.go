package entity

// Tick is one price update as delivered to client sessions. Ticks are
// ephemeral and never persisted.
type Tick struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"ltp"`
	Change    float64 `json:"change"`
	ChangePct float64 `json:"change_pct"`
	Volume    int64   `json:"volume"`
	Timestamp int64   `json:"ts"`
}

// RawTick is a decoded broker packet before token resolution.
type RawTick struct {
	Token     uint32
	LastPrice float64
	PrevClose float64
	Volume    int64
}

type StatusFrame struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
	Source    string `json:"source"`
}

type CommandFrame struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

const (
	FrameTypeTick   = "tick"
	FrameTypeStatus = "status"

	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)
