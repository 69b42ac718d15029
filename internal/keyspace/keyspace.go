package keyspace

import (
	"strconv"
	"strings"
	"time"
)

const DefaultPrefix = "docproc:"

const (
	jobKeyPrefix       = "job:"
	readyQueueKey      = "job_queue"
	delayedQueueKey    = "delayed_jobs"
	rateLimitKeyPrefix = "rate_limit:"
	blockKeyPrefix     = "blocked_ip:"
	violationKeyPrefix = "rate_limit_violations:"
	requestCountPrefix = "request_count:"
	idempotencyPrefix  = "idem:"
)

const (
	JobTTL          = 24 * time.Hour
	ViolationWindow = 1 * time.Hour
	BlockDuration   = 1 * time.Hour
	RequestWindow   = 60 * time.Second
)

// Namespace builds every key the engines write, under one configurable prefix.
type Namespace struct {
	prefix string
}

func New(prefix string) Namespace {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return Namespace{prefix: prefix}
}

func (n Namespace) Prefix() string {
	if n.prefix == "" {
		return DefaultPrefix
	}
	return n.prefix
}

func (n Namespace) Job(id string) string {
	return n.Prefix() + jobKeyPrefix + id
}

func (n Namespace) ReadyQueue() string {
	return n.Prefix() + readyQueueKey
}

func (n Namespace) DelayedQueue() string {
	return n.Prefix() + delayedQueueKey
}

// RateLimit keys one fixed window: identity x operation class x window size.
func (n Namespace) RateLimit(class, identity string, window time.Duration) string {
	return n.Prefix() + rateLimitKeyPrefix + class + ":" + windowLabel(window) + ":" + identity
}

// Idempotency maps a client-supplied intake key to the job it created.
func (n Namespace) Idempotency(key string) string {
	return n.Prefix() + idempotencyPrefix + key
}

func (n Namespace) Block(identity string) string {
	return n.Prefix() + blockKeyPrefix + identity
}

func (n Namespace) Violations(identity string) string {
	return n.Prefix() + violationKeyPrefix + identity
}

func (n Namespace) RequestCount(identity, endpoint string) string {
	return n.Prefix() + requestCountPrefix + identity + ":" + endpoint
}

func windowLabel(window time.Duration) string {
	return strconv.FormatInt(int64(window/time.Second), 10) + "s"
}
