package client

import "time"

type options struct {
	password       string
	db             int
	poolSize       int
	dialTimeout    time.Duration
	defaultTimeout time.Duration
}

func defaultOptions() *options {
	return &options{
		poolSize:    10,
		dialTimeout: 5 * time.Second,
	}
}

// Option customizes a Client.
type Option func(*options)

// WithPassword sets the Redis password.
func WithPassword(password string) Option {
	return func(o *options) { o.password = password }
}

// WithDB selects the Redis database.
func WithDB(db int) Option {
	return func(o *options) { o.db = db }
}

// WithPoolSize sets the Redis connection pool size.
func WithPoolSize(size int) Option {
	return func(o *options) { o.poolSize = size }
}

// WithDialTimeout bounds the initial connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithDefaultTimeout applies a timeout to every task enqueued via Enqueue
// that does not carry its own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) { o.defaultTimeout = d }
}
