// Package connector assembles the connectivity layer: clock synchronization,
// REST access, the public and private stream sessions, credential lifecycle,
// and order tracking, with explicit construction and ownership.
package connector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/tradewire/connector/config"
	"github.com/tradewire/connector/internal/backoff"
	"github.com/tradewire/connector/internal/classifier"
	"github.com/tradewire/connector/internal/clockskew"
	"github.com/tradewire/connector/internal/conn"
	"github.com/tradewire/connector/internal/observability"
	"github.com/tradewire/connector/internal/orders"
	"github.com/tradewire/connector/internal/rest"
	"github.com/tradewire/connector/internal/schema"
	"github.com/tradewire/connector/internal/userstream"
)

// Connector owns every long-lived component of the connectivity layer.
type Connector struct {
	cfg config.Settings

	restClient *rest.Client
	clock      *clockskew.Synchronizer
	classifier *classifier.Classifier
	public     *conn.Manager
	private    *conn.Manager
	listenKeys *userstream.Manager
	tracker    *orders.Tracker

	cancel context.CancelFunc
	wg     conc.WaitGroup
	fatal  chan error
}

// Option overrides a dependency, primarily for tests.
type Option func(*options)

type options struct {
	publicDialer  conn.Dialer
	privateDialer conn.Dialer
	restOptions   []rest.Option
}

// WithPublicDialer replaces the public stream transport.
func WithPublicDialer(d conn.Dialer) Option {
	return func(o *options) { o.publicDialer = d }
}

// WithPrivateDialer replaces the private stream transport.
func WithPrivateDialer(d conn.Dialer) Option {
	return func(o *options) { o.privateDialer = d }
}

// WithRESTOptions appends options to the REST client.
func WithRESTOptions(opts ...rest.Option) Option {
	return func(o *options) { o.restOptions = append(o.restOptions, opts...) }
}

// New wires a connector from configuration. The signer is an external
// collaborator; the connector never sees key material directly.
func New(cfg config.Settings, signer rest.Signer, opts ...Option) *Connector {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	c := new(Connector)
	c.cfg = cfg
	c.fatal = make(chan error, 2)

	// The REST client stamps signed requests with the drift-corrected clock.
	// The synchronizer in turn samples server time through the same client,
	// so the clock reference is bound late.
	restOpts := []rest.Option{
		rest.WithSigner(signer),
		rest.WithTimeout(cfg.HTTPTimeout),
		rest.WithThrottler(rest.NewRateThrottler(cfg.RequestRatePerSec)),
		rest.WithBackoffSettings(backoffSettings(cfg)),
		rest.WithClock(func() time.Time {
			if c.clock == nil {
				return time.Now()
			}
			return c.clock.Now()
		}),
	}
	restOpts = append(restOpts, o.restOptions...)
	c.restClient = rest.NewClient("binance", cfg.RESTBaseURL, restOpts...)

	c.clock = clockskew.New(c.restClient, clockskew.Settings{
		SampleInterval: cfg.Clock.SampleInterval,
		DriftThreshold: cfg.Clock.DriftThreshold,
	})
	c.classifier = classifier.New(c.clock.Now, cfg.StalenessThreshold)
	c.tracker = orders.NewTracker(orders.NewRESTAPI(c.restClient))

	publicOpts := []conn.Option{}
	if o.publicDialer != nil {
		publicOpts = append(publicOpts, conn.WithDialer(o.publicDialer))
	} else {
		publicOpts = append(publicOpts, conn.WithDialer(conn.WSDialer{HandshakeTimeout: cfg.Websocket.HandshakeTimeout}))
	}
	c.public = conn.NewManager(conn.Settings{
		URL:               cfg.Websocket.PublicURL,
		HeartbeatInterval: cfg.Websocket.HeartbeatInterval,
		MaxReconnects:     cfg.Websocket.MaxReconnects,
		Backoff:           backoffSettings(cfg),
	}, c.classifier, publicOpts...)

	privateOpts := []conn.Option{conn.WithFallbackHandler(c.handlePrivateEvent)}
	if o.privateDialer != nil {
		privateOpts = append(privateOpts, conn.WithDialer(o.privateDialer))
	} else {
		privateOpts = append(privateOpts, conn.WithDialer(conn.WSDialer{HandshakeTimeout: cfg.Websocket.HandshakeTimeout}))
	}
	c.private = conn.NewManager(conn.Settings{
		URL:               cfg.Websocket.PrivateURL,
		HeartbeatInterval: cfg.Websocket.HeartbeatInterval,
		MaxReconnects:     cfg.Websocket.MaxReconnects,
		Backoff:           backoffSettings(cfg),
	}, c.classifier, privateOpts...)

	c.listenKeys = userstream.NewManager(
		userstream.NewRESTAPI(c.restClient),
		userstream.Settings{
			Lifetime:           cfg.ListenKey.Lifetime,
			RenewalBuffer:      cfg.ListenKey.RenewalBuffer,
			KeepAliveInterval:  cfg.ListenKey.KeepAliveInterval,
			StreamBaseURL:      cfg.Websocket.PrivateURL,
			MaxRenewalFailures: cfg.ListenKey.MaxRenewalFailures,
		},
		userstream.WithReconnector(c.private),
	)
	return c
}

func backoffSettings(cfg config.Settings) backoff.Settings {
	return backoff.Settings{
		Strategy:       backoff.ParseStrategy(cfg.Backoff.Strategy),
		BaseDelay:      cfg.Backoff.BaseDelay,
		MaxDelay:       cfg.Backoff.MaxDelay,
		Multiplier:     cfg.Backoff.Multiplier,
		JitterFraction: cfg.Backoff.JitterFraction,
	}
}

// Start brings every component up in dependency order: clock first, then the
// private credential and its stream, then the public stream.
func (c *Connector) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.clock.SampleOnce(runCtx); err != nil {
		observability.Log().Warn("initial clock sample failed", observability.F("error", err.Error()))
	}
	c.wg.Go(func() { c.clock.Run(runCtx) })

	if _, err := c.listenKeys.Create(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start connector: %w", err)
	}
	c.wg.Go(func() { c.listenKeys.Run(runCtx) })

	if err := c.private.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start private stream: %w", err)
	}
	if err := c.public.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start public stream: %w", err)
	}

	c.wg.Go(func() { c.forwardFatal(runCtx, c.public) })
	c.wg.Go(func() { c.forwardFatal(runCtx, c.private) })
	c.wg.Go(func() { c.forwardKeyFatal(runCtx) })

	observability.Log().Info("connector started",
		observability.F("environment", string(c.cfg.Environment)))
	return nil
}

// Stop tears the connector down: sessions first, then the credential, then
// the local caches.
func (c *Connector) Stop() {
	if c.cancel == nil {
		return
	}
	c.public.Stop()
	c.private.Stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := c.listenKeys.Close(closeCtx); err != nil {
		observability.Log().Warn("listen key close failed", observability.F("error", err.Error()))
	}
	cancel()

	c.cancel()
	c.wg.Wait()
	c.tracker.Clear()
	observability.Log().Info("connector stopped")
}

// Err delivers the first fatal error from either stream session or the
// credential lifecycle.
func (c *Connector) Err() <-chan error {
	return c.fatal
}

// Subscribe attaches a handler to a public market-data channel.
func (c *Connector) Subscribe(channel string, handler conn.Handler) (string, error) {
	return c.public.Subscribe(channel, handler)
}

// Unsubscribe detaches a public subscription.
func (c *Connector) Unsubscribe(key string) {
	c.public.Unsubscribe(key)
}

// Orders exposes the order lifecycle tracker.
func (c *Connector) Orders() *orders.Tracker {
	return c.tracker
}

// Clock exposes the clock synchronizer.
func (c *Connector) Clock() *clockskew.Synchronizer {
	return c.clock
}

// ListenKeys exposes the private-stream lifecycle manager.
func (c *Connector) ListenKeys() *userstream.Manager {
	return c.listenKeys
}

// REST exposes the shared REST client.
func (c *Connector) REST() *rest.Client {
	return c.restClient
}

// handlePrivateEvent reconciles private-stream events and reacts to
// server-side listen-key expiry.
func (c *Connector) handlePrivateEvent(event *schema.StreamEvent) {
	if event.Type == schema.EventTypeProtocolError {
		if payload, ok := event.Payload.(schema.ProtocolErrorPayload); ok &&
			strings.Contains(strings.ToLower(payload.Excerpt), "listen key expired") {
			c.wg.Go(func() {
				if err := c.listenKeys.NoteStreamExpiry(context.Background()); err != nil {
					observability.Log().Warn("listen key recovery failed", observability.F("error", err.Error()))
				}
			})
		}
		return
	}
	c.tracker.Apply(event)
}

func (c *Connector) forwardFatal(ctx context.Context, m *conn.Manager) {
	select {
	case <-ctx.Done():
	case err := <-m.Err():
		select {
		case c.fatal <- err:
		default:
		}
	}
}

func (c *Connector) forwardKeyFatal(ctx context.Context) {
	select {
	case <-ctx.Done():
	case err := <-c.listenKeys.Err():
		select {
		case c.fatal <- err:
		default:
		}
	}
}
