// Package guard blocks abusive callers. Blocks are TTL'd records in the KV
// store, created by repeated rate limit violations or by raw request volume.
package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docproc/internal/keyspace"
	"docproc/internal/kv"
)

const (
	ReasonViolations = "repeated rate limit violations"
	ReasonSuspicious = "suspicious request pattern"
	ReasonManual     = "blocked by operator"
)

type Config struct {
	ViolationThreshold int64         `yaml:"violation_threshold"`
	ViolationWindow    time.Duration `yaml:"violation_window"`
	BlockDuration      time.Duration `yaml:"block_duration"`
	RequestThreshold   int64         `yaml:"request_threshold"`
	RequestWindow      time.Duration `yaml:"request_window"`
	AllowedAgents      []string      `yaml:"allowed_agents"`
	BlockedAgents      []string      `yaml:"blocked_agents"`
}

func DefaultConfig() Config {
	return Config{
		ViolationThreshold: 5,
		ViolationWindow:    keyspace.ViolationWindow,
		BlockDuration:      keyspace.BlockDuration,
		RequestThreshold:   100,
		RequestWindow:      keyspace.RequestWindow,
		AllowedAgents:      []string{"mozilla", "chrome", "safari", "firefox", "edge", "opera", "postman", "insomnia"},
		BlockedAgents: []string{
			"bot", "crawler", "spider", "scraper", "curl", "wget", "python-requests",
			"scrapy", "headless", "phantomjs", "selenium", "webdriver",
		},
	}
}

type BlockInfo struct {
	Identity  string        `json:"identity"`
	Reason    string        `json:"reason"`
	BlockedAt time.Time     `json:"blocked_at"`
	ExpiresIn time.Duration `json:"-"`
}

type blockRecord struct {
	Reason    string `json:"reason"`
	BlockedAt int64  `json:"blocked_at"`
}

type Guard struct {
	store  kv.Store
	keys   keyspace.Namespace
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

func New(store kv.Store, keys keyspace.Namespace, cfg Config, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		keys:   keys,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// BlockInfo returns the active block for identity, or nil when there is none.
func (g *Guard) BlockInfo(ctx context.Context, identity string) (*BlockInfo, error) {
	key := g.keys.Block(identity)
	raw, found, err := g.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get block %s: %w", identity, err)
	}
	if !found {
		return nil, nil
	}
	info := &BlockInfo{Identity: identity, Reason: "unknown"}
	var rec blockRecord
	if err := json.Unmarshal([]byte(raw), &rec); err == nil {
		info.Reason = rec.Reason
		info.BlockedAt = time.Unix(rec.BlockedAt, 0)
	}
	ttl, err := g.store.TTL(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("block ttl %s: %w", identity, err)
	}
	if ttl > 0 {
		info.ExpiresIn = ttl
	}
	return info, nil
}

func (g *Guard) IsBlocked(ctx context.Context, identity string) (bool, error) {
	info, err := g.BlockInfo(ctx, identity)
	return info != nil, err
}

// Block creates a block record unless one already exists, and reports
// whether this call created it.
func (g *Guard) Block(ctx context.Context, identity, reason string, d time.Duration) (bool, error) {
	if d <= 0 {
		d = g.cfg.BlockDuration
	}
	data, err := json.Marshal(blockRecord{Reason: reason, BlockedAt: g.now().Unix()})
	if err != nil {
		return false, err
	}
	created, err := g.store.SetNX(ctx, g.keys.Block(identity), string(data), d)
	if err != nil {
		return false, fmt.Errorf("block %s: %w", identity, err)
	}
	if created {
		g.logger.Warn("identity blocked", "identity", identity, "reason", reason, "duration", d)
	}
	return created, nil
}

func (g *Guard) Unblock(ctx context.Context, identity string) error {
	if err := g.store.Del(ctx, g.keys.Block(identity)); err != nil {
		return fmt.Errorf("unblock %s: %w", identity, err)
	}
	g.logger.Info("identity unblocked", "identity", identity)
	return nil
}

// RecordViolation counts a rate limit rejection. Reaching the threshold inside
// the violation window blocks the caller; later violations find the block
// already in place and leave it alone.
func (g *Guard) RecordViolation(ctx context.Context, identity string) (int64, error) {
	count, _, err := g.store.IncrWithTTL(ctx, g.keys.Violations(identity), g.cfg.ViolationWindow)
	if err != nil {
		return 0, fmt.Errorf("record violation %s: %w", identity, err)
	}
	g.logger.Warn("rate limit violation", "identity", identity, "count", count)
	if count >= g.cfg.ViolationThreshold {
		if _, err := g.Block(ctx, identity, ReasonViolations, g.cfg.BlockDuration); err != nil {
			return count, err
		}
	}
	return count, nil
}

// TrackRequest counts a request to endpoint and blocks the caller once the
// count passes the request threshold within the request window.
func (g *Guard) TrackRequest(ctx context.Context, identity, endpoint string) (bool, error) {
	count, _, err := g.store.IncrWithTTL(ctx, g.keys.RequestCount(identity, endpoint), g.cfg.RequestWindow)
	if err != nil {
		return false, fmt.Errorf("track request %s: %w", identity, err)
	}
	if count <= g.cfg.RequestThreshold {
		return false, nil
	}
	g.logger.Warn("suspicious request volume", "identity", identity, "endpoint", endpoint, "count", count)
	if _, err := g.Block(ctx, identity, ReasonSuspicious, g.cfg.BlockDuration); err != nil {
		return true, err
	}
	return true, nil
}

type AgentClass int

const (
	AgentAllowed AgentClass = iota
	AgentMissing
	AgentAutomation
	AgentUnknown
)

func (c AgentClass) String() string {
	switch c {
	case AgentAllowed:
		return "allowed"
	case AgentMissing:
		return "missing user agent"
	case AgentAutomation:
		return "automation user agent"
	default:
		return "unrecognised user agent"
	}
}

// ClassifyUserAgent applies the deny list before the allow list; anything on
// neither is unknown.
func (g *Guard) ClassifyUserAgent(ua string) AgentClass {
	ua = strings.ToLower(strings.TrimSpace(ua))
	if ua == "" {
		return AgentMissing
	}
	for _, pattern := range g.cfg.BlockedAgents {
		if strings.Contains(ua, strings.ToLower(pattern)) {
			return AgentAutomation
		}
	}
	for _, pattern := range g.cfg.AllowedAgents {
		if strings.Contains(ua, strings.ToLower(pattern)) {
			return AgentAllowed
		}
	}
	return AgentUnknown
}
