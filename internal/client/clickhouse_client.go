package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"email-auth-service/internal/config"
	"email-auth-service/internal/util"
)

// ClickHouseClient writes auth analytics rows.
type ClickHouseClient struct {
	conn     driver.Conn
	database string
	mu       sync.RWMutex
}

// endpoint is a parsed CLICKHOUSE_URL.
type endpoint struct {
	addr     string
	host     string
	protocol ch.Protocol
	secure   bool
}

// clickhouseEndpoint accepts http(s)://, clickhouse:// or a bare host[:port].
// A missing port gets the default for the chosen interface.
func clickhouseEndpoint(raw string) (endpoint, error) {
	if !strings.Contains(raw, "://") {
		raw = "clickhouse://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("invalid clickhouse url: %w", err)
	}
	if u.Hostname() == "" {
		return endpoint{}, errors.New("clickhouse url has no host")
	}

	ep := endpoint{host: u.Hostname(), protocol: ch.Native}
	port := "9000"
	switch u.Scheme {
	case "https":
		ep.protocol, ep.secure, port = ch.HTTP, true, "8443"
	case "http":
		ep.protocol, port = ch.HTTP, "8123"
	case "clickhouse", "tcp":
	default:
		return endpoint{}, fmt.Errorf("unsupported clickhouse scheme %q", u.Scheme)
	}
	if p := u.Port(); p != "" {
		port = p
	}
	ep.addr = net.JoinHostPort(ep.host, port)
	return ep, nil
}

// NewClickHouseClient opens and pings the analytics connection.
func NewClickHouseClient(cfg *config.Config) (*ClickHouseClient, error) {
	chConfig := cfg.Clickhouse
	ep, err := clickhouseEndpoint(chConfig.URL)
	if err != nil {
		return nil, err
	}

	opts := &ch.Options{
		Protocol: ep.protocol,
		Addr:     []string{ep.addr},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     5,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
		Compression:      &ch.Compression{Method: ch.CompressionLZ4},
	}

	if cfg.IsProduction() || ep.secure {
		tlsConfig, err := clickhouseTLS(ep.host, chConfig.CAFile)
		if err != nil {
			return nil, err
		}
		opts.TLS = tlsConfig
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	util.Info("ClickHouse client connected",
		util.String("addr", ep.addr),
		util.String("database", chConfig.Database),
		util.Bool("tls_enabled", opts.TLS != nil),
	)
	return &ClickHouseClient{conn: conn, database: chConfig.Database}, nil
}

func clickhouseTLS(serverName, caFile string) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverName}
	if caFile == "" {
		return tlsConfig, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificates found in ClickHouse CA file")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// Exec runs DDL and single statements.
func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Exec(ctx, query, args...)
}

// BatchInsert sends rows in one native batch. An append failure aborts the
// whole batch.
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for i, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append row %d: %w", i, err)
		}
	}
	return batch.Send()
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Database returns the configured database name.
func (c *ClickHouseClient) Database() string {
	return c.database
}
