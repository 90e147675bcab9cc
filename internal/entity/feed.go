package entity

type FeedState string

const (
	FeedStateDisconnected FeedState = "disconnected"
	FeedStateConnecting   FeedState = "connecting"
	FeedStateLive         FeedState = "live"
	FeedStateFallback     FeedState = "fallback"
)

type BrokerCredentials struct {
	APIKey      string
	AccessToken string
}

func (c BrokerCredentials) Configured() bool {
	return c.APIKey != "" && c.AccessToken != ""
}

type FeedStatus struct {
	Connected         bool   `json:"connected"`
	Source            string `json:"source"`
	SubscribedSymbols int    `json:"subscribed_symbols"`
	InstrumentsLoaded bool   `json:"instruments_loaded"`
}
