package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	defaultMaxOpenConns = 10
	defaultMaxIdleConns = 5
	defaultDialTimeout  = 10 * time.Second
	defaultMaxRetries   = 3
	defaultRetryDelay   = time.Second
)

// ConnectionConfig configures the connection and the write buffer of Store.
type ConnectionConfig struct {
	// Addr is one host:port or a comma-separated list tried in order.
	Addr     string
	Database string
	Username string
	Password string
	TLS      *tls.Config

	MaxOpenConns int
	MaxIdleConns int
	DialTimeout  time.Duration
	MaxRetries   int

	// Buffered rows per table and the longest time rows wait for a flush.
	// Zero selects defaultBatchSize and defaultFlushInterval.
	BatchSize     int
	FlushInterval time.Duration

	MaxExclusionSamples int // negative selects the aggregator default
}

// DefaultConfig points at a local single-node server.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Addr:                "localhost:9000",
		Database:            "default",
		Username:            "default",
		MaxOpenConns:        defaultMaxOpenConns,
		MaxIdleConns:        defaultMaxIdleConns,
		DialTimeout:         defaultDialTimeout,
		MaxRetries:          defaultMaxRetries,
		MaxExclusionSamples: -1,
	}
}

// splitAddrs turns a comma-separated address list into the driver's form.
func splitAddrs(addr string) []string {
	var addrs []string
	for _, a := range strings.Split(addr, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

// options builds driver options. Sketch and record columns compress well,
// so the native protocol uses LZ4.
func options(config *ConnectionConfig) *clickhouse.Options {
	return &clickhouse.Options{
		Addr: splitAddrs(config.Addr),
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:      config.DialTimeout,
		MaxOpenConns:     config.MaxOpenConns,
		MaxIdleConns:     config.MaxIdleConns,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		TLS:              config.TLS,
	}
}

// Connect opens a connection and pings it, retrying with exponential backoff.
// With several addresses the first reachable one is used.
func Connect(ctx context.Context, config *ConnectionConfig) (driver.Conn, error) {
	if config == nil {
		config = DefaultConfig()
	}
	opts := options(config)
	if len(opts.Addr) == 0 {
		return nil, fmt.Errorf("no ClickHouse address configured")
	}
	var conn driver.Conn
	err := retry(ctx, config.MaxRetries, defaultRetryDelay, func() error {
		c, err := clickhouse.Open(opts)
		if err != nil {
			return err
		}
		if err := c.Ping(ctx); err != nil {
			c.Close()
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to ClickHouse %s: %w", config.Addr, err)
	}
	return conn, nil
}
