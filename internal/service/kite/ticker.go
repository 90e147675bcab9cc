package kite

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/krobus00/ticker-gateway/internal/config"
	"github.com/krobus00/ticker-gateway/internal/entity"
	"github.com/sirupsen/logrus"
)

const (
	defaultWSURL             = "wss://ws.kite.trade"
	defaultMaxReconnectTries = 5

	tickerReconnectMinDelay = 1 * time.Second
	tickerReconnectMaxDelay = 15 * time.Second
	tickerReconnectFactor   = 2.0
	tickerPingInterval      = 2 * time.Minute

	// Binary packet sizes on the Kite ticker stream.
	ltpPacketLen   = 8
	indexPacketLen = 28
	quotePacketLen = 44

	priceDivisor = 100.0
)

// TickerCallbacks are invoked on the ticker's own read goroutine. They
// must not touch shared state directly; callers are expected to hand
// events off to their own scheduling context.
type TickerCallbacks struct {
	OnConnect     func()
	OnTicks       func(ticks []entity.RawTick)
	OnClose       func(err error)
	OnError       func(err error)
	OnNoReconnect func(attempts int)
}

// Ticker is the live connection to the broker's websocket tick stream.
// It performs its own bounded reconnect attempts; once those are
// exhausted it reports OnNoReconnect and stays down until replaced.
type Ticker struct {
	wsURL             string
	creds             entity.BrokerCredentials
	maxReconnectTries int
	callbacks         TickerCallbacks

	connMu sync.Mutex
	conn   *websocket.Conn

	cancel context.CancelFunc
}

func NewTicker(cfg config.KiteConfig, creds entity.BrokerCredentials, callbacks TickerCallbacks) *Ticker {
	wsURL := strings.TrimSpace(cfg.WSURL)
	if wsURL == "" {
		wsURL = defaultWSURL
	}

	maxTries := cfg.MaxReconnectTries
	if maxTries <= 0 {
		maxTries = defaultMaxReconnectTries
	}

	return &Ticker{
		wsURL:             wsURL,
		creds:             creds,
		maxReconnectTries: maxTries,
		callbacks:         callbacks,
	}
}

// Start runs the connect/read loop on its own goroutine and returns
// immediately.
func (t *Ticker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go t.serve(runCtx)
}

// Stop asks the connection to close. It does not wait for the read
// goroutine to finish.
func (t *Ticker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}

	t.connMu.Lock()
	if t.conn != nil {
		_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = t.conn.Close()
		t.conn = nil
	}
	t.connMu.Unlock()
}

// Subscribe pushes the tokens to the broker and switches them to quote
// mode so ticks carry volume and previous close.
func (t *Ticker) Subscribe(tokens []uint32) error {
	if len(tokens) == 0 {
		return nil
	}

	if err := t.writeJSON(map[string]any{"a": "subscribe", "v": tokens}); err != nil {
		return err
	}

	return t.writeJSON(map[string]any{"a": "mode", "v": []any{"quote", tokens}})
}

func (t *Ticker) writeJSON(message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn == nil {
		return websocket.ErrCloseSent
	}

	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *Ticker) serve(ctx context.Context) {
	endpoint := t.wsURL + "?" + url.Values{
		"api_key":      []string{t.creds.APIKey},
		"access_token": []string{t.creds.AccessToken},
	}.Encode()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		logrus.Infof("connecting to broker ticker: %s", t.wsURL)
		conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
		if err != nil {
			attempt++
			if t.callbacks.OnError != nil {
				t.callbacks.OnError(err)
			}
			if attempt >= t.maxReconnectTries {
				logrus.Errorf("broker ticker reconnect attempts exhausted after %d tries", attempt)
				if t.callbacks.OnNoReconnect != nil {
					t.callbacks.OnNoReconnect(attempt)
				}
				return
			}

			wait := tickerReconnectDelay(attempt, rng)
			logrus.WithFields(logrus.Fields{"retry_in": wait.String(), "attempt": attempt}).Warnf("broker ticker dial failed: %v", err)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}

		attempt = 0
		conn.SetPongHandler(func(string) error {
			return nil
		})

		t.connMu.Lock()
		t.conn = conn
		t.connMu.Unlock()

		if t.callbacks.OnConnect != nil {
			t.callbacks.OnConnect()
		}

		stopPing := make(chan struct{})
		go t.pingLoop(ctx, stopPing)

		readErr := t.readLoop(ctx, conn)
		close(stopPing)

		t.connMu.Lock()
		t.conn = nil
		t.connMu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}

		if t.callbacks.OnClose != nil {
			t.callbacks.OnClose(readErr)
		}

		attempt++
		if attempt >= t.maxReconnectTries {
			logrus.Errorf("broker ticker reconnect attempts exhausted after %d tries", attempt)
			if t.callbacks.OnNoReconnect != nil {
				t.callbacks.OnNoReconnect(attempt)
			}
			return
		}

		wait := tickerReconnectDelay(attempt, rng)
		logrus.WithFields(logrus.Fields{"retry_in": wait.String(), "attempt": attempt}).Warn("reconnecting broker ticker")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (t *Ticker) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		switch messageType {
		case websocket.BinaryMessage:
			ticks := ParseBinary(message)
			if len(ticks) > 0 && t.callbacks.OnTicks != nil {
				t.callbacks.OnTicks(ticks)
			}
		case websocket.TextMessage:
			t.handleTextMessage(message)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (t *Ticker) handleTextMessage(message []byte) {
	var payload struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}

	if err := json.Unmarshal(message, &payload); err != nil {
		return
	}

	if payload.Type == "error" && t.callbacks.OnError != nil {
		t.callbacks.OnError(errTickerMessage(payload.Data))
	}
}

type errTickerMessage string

func (e errTickerMessage) Error() string {
	return "broker ticker error: " + string(e)
}

func (t *Ticker) pingLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(tickerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.connMu.Lock()
			conn := t.conn
			var err error
			if conn != nil {
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			t.connMu.Unlock()
			if err != nil {
				logrus.Error(err)
				return
			}
		case <-ctx.Done():
			return
		case <-stop:
			return
		}
	}
}

// ParseBinary decodes one broker websocket frame: a 2-byte packet count
// followed by length-prefixed packets. LTP packets carry only the last
// price; index and quote packets additionally carry the previous close,
// and quote packets the traded volume. All prices are paise (value/100).
func ParseBinary(message []byte) []entity.RawTick {
	if len(message) < 2 {
		return nil
	}

	count := int(binary.BigEndian.Uint16(message[0:2]))
	offset := 2

	ticks := make([]entity.RawTick, 0, count)
	for i := 0; i < count; i++ {
		if offset+2 > len(message) {
			break
		}

		packetLen := int(binary.BigEndian.Uint16(message[offset : offset+2]))
		offset += 2
		if offset+packetLen > len(message) || packetLen < ltpPacketLen {
			break
		}

		packet := message[offset : offset+packetLen]
		offset += packetLen

		tick := entity.RawTick{
			Token:     binary.BigEndian.Uint32(packet[0:4]),
			LastPrice: float64(int32(binary.BigEndian.Uint32(packet[4:8]))) / priceDivisor,
		}

		switch {
		case packetLen >= quotePacketLen:
			tick.Volume = int64(binary.BigEndian.Uint32(packet[16:20]))
			tick.PrevClose = float64(int32(binary.BigEndian.Uint32(packet[40:44]))) / priceDivisor
		case packetLen >= indexPacketLen:
			tick.PrevClose = float64(int32(binary.BigEndian.Uint32(packet[20:24]))) / priceDivisor
		default:
			tick.PrevClose = tick.LastPrice
		}

		if tick.PrevClose == 0 {
			tick.PrevClose = tick.LastPrice
		}

		ticks = append(ticks, tick)
	}

	return ticks
}

func tickerReconnectDelay(attempt int, rng *rand.Rand) time.Duration {
	backoff := float64(tickerReconnectMinDelay) * math.Pow(tickerReconnectFactor, float64(attempt))
	if backoff > float64(tickerReconnectMaxDelay) {
		backoff = float64(tickerReconnectMaxDelay)
	}

	base := time.Duration(backoff)
	jitterWindow := tickerReconnectMaxDelay - tickerReconnectMinDelay
	jitter := time.Duration(rng.Int63n(int64(jitterWindow) + 1))
	result := base + jitter
	if result > tickerReconnectMaxDelay {
		return tickerReconnectMaxDelay
	}

	return result
}
