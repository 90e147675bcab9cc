package alert

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/krobus00/ticker-gateway/internal/constant"
	"github.com/krobus00/ticker-gateway/internal/entity"
	"github.com/krobus00/ticker-gateway/internal/repository"
	"github.com/krobus00/ticker-gateway/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultReloadInterval = 30 * time.Second

// Service watches the live price stream and fires persisted price
// alerts when a tick crosses the configured threshold. Triggered alerts
// are deactivated and published to JetStream keyed by the owning user.
type Service struct {
	repo *repository.PriceAlertRepository
	js   nats.JetStreamContext

	reloadInterval time.Duration

	mu     sync.RWMutex
	active map[string][]entity.PriceAlert

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(repo *repository.PriceAlertRepository, js nats.JetStreamContext, reloadInterval time.Duration) *Service {
	if reloadInterval <= 0 {
		reloadInterval = defaultReloadInterval
	}

	return &Service{
		repo:           repo,
		js:             js,
		reloadInterval: reloadInterval,
		active:         make(map[string][]entity.PriceAlert),
	}
}

func (s *Service) JetstreamEventInit(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:      constant.AlertStreamName,
		Subjects:  []string{constant.AlertStreamSubjectAll},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    5 * time.Minute,
		Replicas:  1,
	}

	stream, err := s.js.StreamInfo(constant.AlertStreamName)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		logrus.Error(err)
		return err
	}

	if stream == nil {
		logrus.Infof("creating stream: %s", constant.AlertStreamName)
		_, err = s.js.AddStream(streamConfig, nats.Context(ctx))
		return err
	}

	logrus.Infof("updating stream: %s", constant.AlertStreamName)
	_, err = s.js.UpdateStream(streamConfig, nats.Context(ctx))
	if err != nil {
		logrus.Error(err)
		return err
	}

	logrus.Infof("stream %s is ready", constant.AlertStreamName)

	return nil
}

// Start loads active alerts and keeps the in-memory set refreshed so
// alerts created on other instances still fire here.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.reload(runCtx); err != nil {
		logrus.Errorf("initial price alert load failed: %v", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.reloadInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := s.reload(runCtx); err != nil {
					logrus.Errorf("price alert reload failed: %v", err)
				}
			}
		}
	}()
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) reload(ctx context.Context) error {
	alerts, err := s.repo.GetActive(ctx)
	if err != nil {
		return err
	}

	active := make(map[string][]entity.PriceAlert, len(alerts))
	for _, alert := range alerts {
		active[alert.Symbol] = append(active[alert.Symbol], alert)
	}

	s.mu.Lock()
	s.active = active
	s.mu.Unlock()

	return nil
}

// ObserveTick is called on every broadcast tick. Trigger persistence
// and event publishing run off the feed goroutine.
func (s *Service) ObserveTick(symbol string, lastPrice float64) {
	s.mu.RLock()
	alerts := s.active[symbol]
	s.mu.RUnlock()

	if len(alerts) == 0 {
		return
	}

	price := decimal.NewFromFloat(lastPrice)

	var triggered []entity.PriceAlert
	for _, alert := range alerts {
		if crossed(alert, price) {
			triggered = append(triggered, alert)
		}
	}

	if len(triggered) == 0 {
		return
	}

	s.deactivate(symbol, triggered)

	for _, alert := range triggered {
		go s.fire(alert, price)
	}
}

func crossed(alert entity.PriceAlert, price decimal.Decimal) bool {
	switch alert.AlertType {
	case entity.AlertTypeAbove:
		return price.GreaterThanOrEqual(alert.ThresholdPrice)
	case entity.AlertTypeBelow:
		return price.LessThanOrEqual(alert.ThresholdPrice)
	default:
		return false
	}
}

func (s *Service) deactivate(symbol string, triggered []entity.PriceAlert) {
	fired := make(map[string]struct{}, len(triggered))
	for _, alert := range triggered {
		fired[alert.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := s.active[symbol][:0]
	for _, alert := range s.active[symbol] {
		if _, ok := fired[alert.ID]; !ok {
			remaining = append(remaining, alert)
		}
	}

	if len(remaining) == 0 {
		delete(s.active, symbol)
		return
	}
	s.active[symbol] = remaining
}

func (s *Service) fire(alert entity.PriceAlert, price decimal.Decimal) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	triggeredAt := time.Now().UTC()

	if err := s.repo.MarkTriggered(ctx, alert.ID, triggeredAt); err != nil {
		logrus.WithFields(logrus.Fields{
			"alert_id": alert.ID,
			"symbol":   alert.Symbol,
		}).Errorf("mark alert triggered failed: %v", err)
		return
	}

	event := entity.PriceAlertTriggeredEvent{
		AlertID:        alert.ID,
		UserID:         alert.UserID,
		Symbol:         alert.Symbol,
		AlertType:      alert.AlertType,
		ThresholdPrice: alert.ThresholdPrice,
		LastPrice:      price,
		TriggeredAt:    triggeredAt,
	}

	if err := util.PublishEvent(s.js, constant.GetAlertTriggeredSubject(alert.UserID), event); err != nil {
		logrus.WithFields(logrus.Fields{
			"alert_id": alert.ID,
			"user_id":  alert.UserID,
		}).Errorf("publish alert event failed: %v", err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"alert_id":  alert.ID,
		"symbol":    alert.Symbol,
		"type":      alert.AlertType,
		"threshold": alert.ThresholdPrice.String(),
		"price":     price.String(),
	}).Info("price alert triggered")
}
