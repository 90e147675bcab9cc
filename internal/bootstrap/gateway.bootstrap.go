package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"github.com/krobus00/ticker-gateway/internal/config"
	"github.com/krobus00/ticker-gateway/internal/entity"
	httpHandler "github.com/krobus00/ticker-gateway/internal/handler/marketdata/http"
	wsHandler "github.com/krobus00/ticker-gateway/internal/handler/marketdata/ws"
	"github.com/krobus00/ticker-gateway/internal/infrastructure"
	"github.com/krobus00/ticker-gateway/internal/repository"
	"github.com/krobus00/ticker-gateway/internal/service/alert"
	"github.com/krobus00/ticker-gateway/internal/service/directory"
	"github.com/krobus00/ticker-gateway/internal/service/feed"
	"github.com/krobus00/ticker-gateway/internal/service/identity"
	"github.com/krobus00/ticker-gateway/internal/service/kite"
	"github.com/krobus00/ticker-gateway/internal/service/quote"
	"github.com/krobus00/ticker-gateway/internal/service/registry"
	"github.com/krobus00/ticker-gateway/internal/service/relay"
	"github.com/krobus00/ticker-gateway/internal/service/yahoo"
	"github.com/krobus00/ticker-gateway/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func StartGateway(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gatewayDB, err := infrastructure.NewPostgresConnection(ctx, config.Env.Database["gateway"])
	util.ContinueOrFatal(err)
	infrastructure.StartPostgresHealthCheck(ctx, gatewayDB, config.Env.Database["gateway"].PingInterval)

	redisClient, err := infrastructure.NewRedisClient(ctx, config.Env.Redis["cache"].CacheDSN)
	util.ContinueOrFatal(err)

	nc, js, err := infrastructure.NewJetstream()
	util.ContinueOrFatal(err)

	kiteClient := kite.NewClient(config.Env.Kite)
	instrumentDirectory := directory.New(kiteClient, config.Env.Kite.Exchanges)
	sessionRegistry := registry.New()
	fallbackQuotes := yahoo.NewClient(config.Env.Fallback)

	alertRepo := repository.NewPriceAlertRepository(gatewayDB)
	alertService := alert.NewService(alertRepo, js, 0)

	quoteService := quote.NewService(quote.NewRedisStore(redisClient), kiteClient, kiteClient, config.Env.Cache)

	feedController := feed.NewController(feed.ControllerDeps{
		Directory: instrumentDirectory,
		Registry:  sessionRegistry,
		NewTicker: func(creds entity.BrokerCredentials, callbacks kite.TickerCallbacks) feed.BrokerTicker {
			return kite.NewTicker(config.Env.Kite, creds, callbacks)
		},
		FallbackQuotes:   fallbackQuotes,
		FallbackInterval: config.Env.Fallback.Interval,
		Observer:         alertService,
		CredentialsSink:  kiteClient,
	})

	relayService := relay.NewService(nc, sessionRegistry)

	publishers := make([]entity.Publisher, 0)
	publishers = append(publishers, alertService)
	for _, v := range publishers {
		err = v.JetstreamEventInit(ctx)
		util.ContinueOrFatal(err)
	}

	subscribers := make([]entity.Subscriber, 0)
	subscribers = append(subscribers, relayService)
	for _, v := range subscribers {
		err = v.JetstreamEventSubscribe(ctx)
		util.ContinueOrFatal(err)
	}

	alertService.Start(ctx)

	feedController.Start(ctx, entity.BrokerCredentials{
		APIKey:      config.Env.Kite.APIKey,
		AccessToken: config.Env.Kite.AccessToken,
	})

	verifier := identity.NewHTTPVerifier(config.Env.Identity)

	marketDataWSHandler := wsHandler.NewMarketDataWSHandler(sessionRegistry, feedController, verifier)
	marketDataHTTPHandler := httpHandler.NewMarketDataHTTPHandler(feedController, quoteService, instrumentDirectory, alertRepo, kiteClient, verifier)

	httpMux := http.NewServeMux()
	marketDataWSHandler.Register(httpMux)
	marketDataHTTPHandler.Register(httpMux)

	httpPort := fmt.Sprintf(":%s", config.Env.Port["gateway_http"])
	httpServer := infrastructure.NewHTTPServerWithConfig(infrastructure.HTTPServerConfig{
		Addr:            httpPort,
		ShutdownTimeout: config.Env.GracefulShutdownTimeout,
	}, httpMux)

	go func() {
		err := httpServer.Start()
		if err != nil {
			logrus.Error(err)
		}
	}()
	logrus.Info(fmt.Sprintf("http server started on %s", httpPort))

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, map[string]operation{
		"feed controller": func(ctx context.Context) error {
			feedController.Stop()
			return nil
		},
		"alert service": func(ctx context.Context) error {
			alertService.Stop()
			return nil
		},
		"broadcast relay": func(ctx context.Context) error {
			return relayService.Unsubscribe()
		},
		"http": func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
		"gateway database": func(ctx context.Context) error {
			cancel()
			return gatewayDB.Close()
		},
		"redis": func(ctx context.Context) error {
			return redisClient.Close()
		},
		"nats connection": func(ctx context.Context) error {
			return infrastructure.CloseJetstream(nc)
		},
	})

	<-wait
}
