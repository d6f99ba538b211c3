package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/park285/card-scorekeeper/internal/game"
	"github.com/park285/card-scorekeeper/internal/obslog"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrRemoteUnavailable wraps every failure to reach the shared backend,
// including calls made while the client is toggled offline.
var ErrRemoteUnavailable = errors.New("remote store unavailable")

type Options struct {
	DefaultRoom string
	PlayerCount int
	Clock       clockwork.Clock
	Logger      *zap.Logger
}

// Client is the process-wide connection to the shared realtime backend.
type Client struct {
	rdb *redis.Client

	defaultRoom string
	playerCount int
	clock       clockwork.Clock
	logger      *zap.Logger

	mu        sync.Mutex
	offline   bool
	listeners map[*Listener]struct{}
}

// NewClient parses REDIS_URL and prepares the client. The server is not
// contacted here; an unreachable backend shows up through WatchStatus.
func NewClient(redisURL string, opts Options) (*Client, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for remote store")
	}
	ro, err := ParseRedisURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewFromRedis(redis.NewClient(ro), opts), nil
}

// NewFromRedis wraps an existing go-redis client.
func NewFromRedis(rdb *redis.Client, opts Options) *Client {
	c := &Client{
		rdb:         rdb,
		defaultRoom: game.NormalizeRoom(opts.DefaultRoom, game.DefaultRoom),
		playerCount: opts.PlayerCount,
		clock:       opts.Clock,
		logger:      opts.Logger,
		listeners:   make(map[*Listener]struct{}),
	}
	if c.playerCount <= 0 {
		c.playerCount = game.DefaultPlayerCount
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.logger == nil {
		c.logger = obslog.L()
	}
	return c
}

func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	c.GoOffline()
	return c.rdb.Close()
}

func (c *Client) DefaultRoom() string { return c.defaultRoom }

// Addr is the configured backend address, for diagnostics.
func (c *Client) Addr() string { return c.rdb.Options().Addr }

// GoOnline re-enables remote operations. Idempotent.
func (c *Client) GoOnline() {
	c.mu.Lock()
	was := c.offline
	c.offline = false
	c.mu.Unlock()
	if was {
		c.logger.Info("remote_go_online")
	}
}

// GoOffline closes every live subscription and makes operations fail fast. Idempotent.
func (c *Client) GoOffline() {
	c.mu.Lock()
	if c.offline {
		c.mu.Unlock()
		return
	}
	c.offline = true
	ls := make([]*Listener, 0, len(c.listeners))
	for l := range c.listeners {
		ls = append(ls, l)
	}
	c.mu.Unlock()

	for _, l := range ls {
		l.Unsubscribe()
	}
	c.logger.Info("remote_go_offline", zap.Int("closed_listeners", len(ls)))
}

func (c *Client) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.offline
}

func (c *Client) guard() error {
	if !c.Online() {
		return fmt.Errorf("%w: client offline", ErrRemoteUnavailable)
	}
	return nil
}

// Ping checks the backend connection regardless of the online toggle.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrRemoteUnavailable, err)
	}
	return nil
}

// WatchStatus pings the backend every interval until ctx ends. fn gets true after
// each successful ping and false once two pings in a row have failed.
func (c *Client) WatchStatus(ctx context.Context, interval time.Duration, fn func(connected bool)) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	failures := 0
	probe := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		err := c.Ping(pctx)
		cancel()
		if err == nil {
			if failures >= 2 {
				c.logger.Info("remote_status_up")
			}
			failures = 0
			fn(true)
			return
		}
		if ctx.Err() != nil {
			return
		}
		failures++
		if failures == 2 {
			c.logger.Warn("remote_status_down", zap.Error(err))
		}
		if failures >= 2 {
			fn(false)
		}
	}

	probe()
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			probe()
		}
	}
}

func (c *Client) register(l *Listener) {
	c.mu.Lock()
	c.listeners[l] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) unregister(l *Listener) {
	c.mu.Lock()
	delete(c.listeners, l)
	c.mu.Unlock()
}

// ParseRedisURL converts redis://[:password@]host[:port][/db] to client options.
func ParseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	port := u.Port()
	if port == "" {
		port = "6379"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid port %q", port)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid db %q", p)
		}
		db = n
	}
	pass, _ := u.User.Password()
	opts := &redis.Options{
		Addr:        net.JoinHostPort(host, port),
		Username:    u.User.Username(),
		Password:    pass,
		DB:          db,
		DialTimeout: 3 * time.Second,
		ReadTimeout: 3 * time.Second,
	}
	if u.Scheme == "rediss" {
		opts.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}
