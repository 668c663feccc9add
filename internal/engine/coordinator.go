package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/portfolio-sync/internal/logging"
	"github.com/portfolio-sync/internal/realtime"
)

// Coordinator owns every wallet session and its push channel
type Coordinator struct {
	interval time.Duration
	logger   *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	channels map[string]*realtime.Channel
}

// NewCoordinator creates a coordinator that refreshes every interval
func NewCoordinator(interval time.Duration) *Coordinator {
	return &Coordinator{
		interval: interval,
		logger:   logging.GetGlobalLogger().ForComponent("coordinator"),
		sessions: make(map[string]*Session),
		channels: make(map[string]*realtime.Channel),
	}
}

// Add registers a session and its optional push channel
func (c *Coordinator) Add(session *Session, channel *realtime.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[session.Wallet()] = session
	if channel != nil {
		c.channels[session.Wallet()] = channel
	}
}

// Session returns the session for wallet
func (c *Coordinator) Session(wallet string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[strings.ToLower(wallet)]
	return s, ok
}

// Channel returns the push channel for wallet
func (c *Coordinator) Channel(wallet string) (*realtime.Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[strings.ToLower(wallet)]
	return ch, ok
}

// Wallets returns the registered wallets, sorted
func (c *Coordinator) Wallets() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	wallets := make([]string, 0, len(c.sessions))
	for w := range c.sessions {
		wallets = append(wallets, w)
	}
	sort.Strings(wallets)
	return wallets
}

// Run drives every session's refresh loop and push channel until ctx is
// done. A channel that gives up does not stop anything else.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.RLock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	channels := make(map[string]*realtime.Channel, len(c.channels))
	for w, ch := range c.channels {
		channels[w] = ch
	}
	c.mu.RUnlock()

	c.logger.WithFields(map[string]interface{}{
		"wallets":  len(sessions),
		"channels": len(channels),
		"interval": c.interval.String(),
	}).Info("Starting sync coordinator")

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			return ignoreCancel(s.Run(gctx, c.interval))
		})
	}
	for wallet, ch := range channels {
		wallet, ch := wallet, ch
		g.Go(func() error {
			err := ch.Run(gctx)
			if err == nil {
				c.logger.ForWallet(wallet).Warn("Push channel gave up, polling only")
			}
			return ignoreCancel(err)
		})
	}

	err := g.Wait()
	c.logger.Info("Sync coordinator stopped")
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
