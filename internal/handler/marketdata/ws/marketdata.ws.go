package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/krobus00/ticker-gateway/internal/constant"
	"github.com/krobus00/ticker-gateway/internal/entity"
	"github.com/krobus00/ticker-gateway/internal/service/registry"
	"github.com/sirupsen/logrus"
)

const (
	writeTimeout   = 10 * time.Second
	verifyTimeout  = 5 * time.Second
	maxMessageSize = 4096
)

// FeedController is the subset of the feed controller the session
// handler needs.
type FeedController interface {
	SubscribeSymbols(symbols []string)
	Status() entity.FeedStatus
}

type Handler struct {
	registry   *registry.Registry
	controller FeedController
	verifier   entity.IdentityVerifier
	upgrader   websocket.Upgrader
}

func NewMarketDataWSHandler(reg *registry.Registry, controller FeedController, verifier entity.IdentityVerifier) *Handler {
	return &Handler{
		registry:   reg,
		controller: controller,
		verifier:   verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws/prices", h.ServePrices)
}

// session wraps one websocket connection. The write mutex makes Send
// safe to call from the fan-out path and the read loop at once.
type session struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *session) ID() string {
	return s.id
}

func (s *session) Send(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *session) Close() error {
	return s.conn.Close()
}

func (h *Handler) ServePrices(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("websocket upgrade failed: %v", err)
		return
	}

	token := r.URL.Query().Get("token")

	verifyCtx, cancel := context.WithTimeout(r.Context(), verifyTimeout)
	user, err := h.verifier.Verify(verifyCtx, token)
	cancel()
	if err != nil {
		logrus.Infof("websocket auth rejected: %v", err)
		h.reject(conn)
		return
	}

	sess := &session{
		id:   uuid.NewString(),
		conn: conn,
	}

	logger := logrus.WithFields(logrus.Fields{
		"session_id": sess.id,
		"user_id":    user.ID,
	})
	logger.Info("websocket session connected")

	h.registry.Connect(sess)
	defer func() {
		h.registry.Disconnect(sess)
		_ = sess.Close()
		logger.Info("websocket session closed")
	}()

	h.sendStatus(sess)

	conn.SetReadLimit(maxMessageSize)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warnf("websocket read failed: %v", err)
			}
			return
		}

		h.handleCommand(sess, message, logger)
	}
}

// reject closes a connection that failed authentication. No registry
// state exists for it yet.
func (h *Handler) reject(conn *websocket.Conn) {
	closeFrame := websocket.FormatCloseMessage(constant.SessionAuthRejectedCode, "authentication failed")
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, closeFrame)
	_ = conn.Close()
}

func (h *Handler) sendStatus(sess *session) {
	status := h.controller.Status()
	payload, err := json.Marshal(entity.StatusFrame{
		Type:      entity.FrameTypeStatus,
		Connected: status.Connected,
		Source:    status.Source,
	})
	if err != nil {
		return
	}

	if err := sess.Send(payload); err != nil {
		logrus.WithField("session_id", sess.id).Warnf("initial status send failed: %v", err)
	}
}

// handleCommand applies one client frame. Malformed frames are dropped
// without closing the session.
func (h *Handler) handleCommand(sess *session, message []byte, logger *logrus.Entry) {
	var frame entity.CommandFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		logger.Debugf("ignoring malformed frame: %v", err)
		return
	}

	symbols := make([]string, 0, len(frame.Symbols))
	for _, symbol := range frame.Symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol != "" {
			symbols = append(symbols, symbol)
		}
	}
	if len(symbols) == 0 {
		return
	}

	switch frame.Action {
	case entity.ActionSubscribe:
		h.registry.Subscribe(sess, symbols)
		h.controller.SubscribeSymbols(symbols)
	case entity.ActionUnsubscribe:
		h.registry.Unsubscribe(sess, symbols)
	default:
		logger.Debugf("ignoring unknown action %q", frame.Action)
	}
}
