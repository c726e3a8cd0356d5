// Command service runs the queue: the producer HTTP API, the consumer
// container and, optionally, a consumer that logs every record of a route.
package main

import (
	"context"
	"fmt"
	"net"
	gohttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/rwool/blaze/pkg/config"
	"github.com/rwool/blaze/pkg/endpoint"
	"github.com/rwool/blaze/pkg/http"
	"github.com/rwool/blaze/pkg/queuesubscribe"
	"github.com/rwool/blaze/pkg/service"
	"github.com/rwool/blaze/pkg/service/container"
	"github.com/rwool/blaze/pkg/service/filequeue"
	"github.com/rwool/blaze/pkg/service/instance"
	"github.com/rwool/blaze/pkg/service/queue"
	"github.com/rwool/blaze/pkg/service/recovery"
	"github.com/rwool/blaze/pkg/service/stats"
)

func main() {
	if err := Run(); err != nil {
		os.Exit(1)
	}
}

// getRedisClient returns a client whose read timeout leaves room for
// blocking dequeues of up to the poll interval.
func getRedisClient(conf config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         conf.RedisAddress,
		Password:     conf.RedisPassword,
		DB:           conf.RedisDB,
		MaxRetries:   3,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  conf.PollInterval + 2*time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func makeMetrics() container.Metrics {
	counter := func(name, help string) *kitprometheus.Counter {
		return kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: "blaze",
			Subsystem: "container",
			Name:      name,
			Help:      help,
		}, []string{"route"})
	}
	return container.Metrics{
		Delivered:    counter("delivered_total", "Records handed to consumers."),
		Committed:    counter("committed_total", "Records committed after delivery."),
		Redelivered:  counter("redelivered_total", "Records rolled back for redelivery."),
		DeadLettered: counter("dead_lettered_total", "Records given up on."),
		Throttled:    counter("throttled_total", "Polls delayed by the throttler."),
		FetchErrors:  counter("fetch_errors_total", "Failed dequeues."),
	}
}

// Run runs the producer API and the consumer container until the process is
// signalled or a fatal error happens.
func Run() error {
	l := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	l = log.With(l, "ts", log.DefaultTimestampUTC)

	conf, err := config.Load()
	if err != nil {
		_ = l.Log("LEVEL", "ERROR", "MESSAGE", err)
		return err
	}
	l = log.With(l, "instance", conf.InstanceID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rc := getRedisClient(conf)
	defer func() { _ = rc.Close() }()

	q := queue.NewRedisAdapter(rc, conf.InstanceID, l)

	fatal := make(chan error, 1)
	stopWith := func(err error) {
		_ = l.Log("LEVEL", "ERROR", "MESSAGE", fmt.Sprintf("Stopping: %s", err))
		select {
		case fatal <- err:
		default:
		}
		cancel()
	}

	// Business logic.
	var local *filequeue.Local
	if !conf.RejectOnUnavailable {
		local = filequeue.NewLocal(conf.LocalDir, l)
	}
	svc, stopService, err := service.NewQueueService(ctx, service.QueueServiceConfig{
		Queue:               q,
		Counters:            stats.NewRedisAdapter(rc),
		Registry:            instance.NewRedisAdapter(rc, l),
		Local:               local,
		Log:                 l,
		InstanceID:          conf.InstanceID,
		Force:               conf.InstanceForce,
		RejectOnUnavailable: conf.RejectOnUnavailable,
		CheckPeriod:         conf.ConnCheckPeriod,
		Fatal:               stopWith,
	})
	if err != nil {
		_ = l.Log("LEVEL", "ERROR", "MESSAGE", err)
		return err
	}

	var throttler container.Throttler
	if conf.ThrottleEnabled {
		throttler = container.NewThrottler(conf.ThrottleTPS, conf.ThrottlePeriod)
	}
	cont := container.New(container.Config{
		Store:    q,
		Recovery: recovery.New(q, conf.RecoveryEnabled, l),
		DeadLetter: container.ChainDeadLetter(
			container.LogDeadLetter(l),
			container.StoreDeadLetter(q),
		),
		Throttler:         throttler,
		Metrics:           makeMetrics(),
		Log:               l,
		Workers:           conf.Workers,
		PollInterval:      conf.PollInterval,
		RedeliveryDelay:   conf.RedeliveryDelay,
		RedeliveryBackoff: conf.RedeliveryBackoff,
		ShutdownTimeout:   conf.ShutdownTimeout,
	})

	if err := registerLogConsumer(ctx, cont, conf, l); err != nil {
		stopWith(err)
	}

	// Transports.
	httpHandler := http.NewAPIHTTPHandler(endpoint.MakeEndpoints(svc), nil)
	server, err := serveHTTP(conf.HTTPAddress, httpHandler)
	if err != nil {
		stopWith(err)
	}

	var g errgroup.Group
	if server != nil {
		g.Go(func() error {
			defer cancel()
			return server(ctx, l)
		})
	}
	<-ctx.Done()
	_ = l.Log("LEVEL", "INFO", "MESSAGE", "Shutting down")
	if err := g.Wait(); err != nil {
		stopWith(err)
	}

	if err := cont.Shutdown(); err != nil {
		_ = l.Log("LEVEL", "WARN", "MESSAGE", err)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
	defer stopCancel()
	if err := stopService(stopCtx); err != nil {
		_ = l.Log("LEVEL", "WARN", "MESSAGE", err)
	}
	select {
	case err := <-fatal:
		return err
	default:
		return nil
	}
}

func registerLogConsumer(ctx context.Context, c *container.Container, conf config.Config, l log.Logger) error {
	if conf.ConsumerRoute == "" {
		return nil
	}
	lis, err := container.NewBuilder().
		Exchange(conf.ConsumerExchange).
		Route(conf.ConsumerRoute).
		Concurrency(conf.ConsumerConcurrency).
		MaxDeliveryAttempts(conf.ConsumerMaxDelivery).
		Decoder(container.RawDecoder).
		Consumer(queuesubscribe.MakeConsumer(queuesubscribe.Config{
			Endpoint: endpoint.MakeLogDeliveryEndpoint(l),
			Log:      l,
		})).
		Build()
	if err != nil {
		return errors.Wrap(err, "invalid logging consumer")
	}
	return c.Register(ctx, lis)
}

func serveHTTP(address string, h gohttp.Handler) (func(context.Context, log.Logger) error, error) {
	// Separate listening and serving to capture listen errors.
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create TCP listener")
	}

	srv := &gohttp.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	return func(ctx context.Context, logger log.Logger) error {
		errC := make(chan error, 1)
		go func() {
			errC <- srv.Serve(ln)
		}()
		_ = logger.Log("LEVEL", "INFO", "MESSAGE", fmt.Sprintf("Serving HTTP on %s", ln.Addr()))

		select {
		case err := <-errC:
			return errors.WithStack(err)
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = logger.Log("LEVEL", "WARN", "MESSAGE", err)
		}
		return nil
	}, nil
}
