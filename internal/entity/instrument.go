package entity

// Instrument maps a broker instrument token to its "EXCHANGE:TRADINGSYMBOL" key.
type Instrument struct {
	Token    uint32 `json:"token"`
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

func (i Instrument) Key() string {
	return i.Exchange + ":" + i.Symbol
}
