package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"email-auth-service/internal/config"
	"email-auth-service/internal/util"
)

// Statements holds the CQL used by the repositories. Queries are built per
// call from these strings; gocql prepares and caches them per session.
type Statements struct {
	InsertAccount      string
	ClaimEmail         string
	ReleaseEmail       string
	GetAccountByID     string
	GetAccountByEmail  string
	AccountExists      string
	SetVerified        string
	SetRefreshToken    string
	RotateRefreshToken string
	SetPassword        string
	SetActive          string
	DeleteAccount      string

	ClaimIdentity    string
	ReleaseIdentity  string
	UpsertIdentity   string
	GetIdentity      string
	ListIdentities   string
	DeleteIdentity   string
	DeleteIdentities string

	InsertOTP       string
	ListOTPs        string
	DeleteOTPScope  string
	CASOTPAttempts  string
	MarkOTPVerified string

	InsertActivity string
	ListActivity   string
	DeleteActivity string
}

type ScyllaClient struct {
	Session    *gocql.Session
	config     *config.ScyllaConfig
	Statements *Statements
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.CAPath != "" {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAPath,
			CertPath:               scyllaConfig.CertPath,
			KeyPath:                scyllaConfig.KeyPath,
			EnableHostVerification: cfg.IsProduction(),
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:    session,
		config:     &scyllaConfig,
		Statements: newStatements(),
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func newStatements() *Statements {
	return &Statements{
		InsertAccount: `
        INSERT INTO accounts (` + accountColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ClaimEmail: `
        INSERT INTO accounts_by_email (email, account_id, account_bucket)
        VALUES (?, ?, ?) IF NOT EXISTS`,
		ReleaseEmail: `DELETE FROM accounts_by_email WHERE email = ?`,
		GetAccountByID: `
        SELECT ` + accountColumns + `
        FROM accounts WHERE account_bucket = ? AND account_id = ?`,
		GetAccountByEmail: `SELECT account_id FROM accounts_by_email WHERE email = ?`,
		AccountExists:     `SELECT account_id FROM accounts WHERE account_bucket = ? AND account_id = ?`,
		SetVerified: `
        UPDATE accounts SET is_verified = true, updated_at = ?
        WHERE account_bucket = ? AND account_id = ? IF EXISTS`,
		SetRefreshToken: `
        UPDATE accounts SET refresh_token = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ? IF EXISTS`,
		RotateRefreshToken: `
        UPDATE accounts SET refresh_token = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ? IF refresh_token = ?`,
		SetPassword: `
        UPDATE accounts SET password_hash = ?, refresh_token = null, updated_at = ?
        WHERE account_bucket = ? AND account_id = ? IF EXISTS`,
		SetActive: `
        UPDATE accounts SET is_active = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ? IF EXISTS`,
		DeleteAccount: `DELETE FROM accounts WHERE account_bucket = ? AND account_id = ?`,

		ClaimIdentity: `
        INSERT INTO identity_owners (provider, provider_user_id, account_id)
        VALUES (?, ?, ?) IF NOT EXISTS`,
		ReleaseIdentity: `DELETE FROM identity_owners WHERE provider = ? AND provider_user_id = ?`,
		UpsertIdentity: `
        INSERT INTO account_identities (account_id, provider, provider_user_id, linked_at)
        VALUES (?, ?, ?, ?)`,
		GetIdentity: `
        SELECT provider_user_id FROM account_identities WHERE account_id = ? AND provider = ?`,
		ListIdentities: `
        SELECT provider, provider_user_id, linked_at FROM account_identities WHERE account_id = ?`,
		DeleteIdentity:   `DELETE FROM account_identities WHERE account_id = ? AND provider = ?`,
		DeleteIdentities: `DELETE FROM account_identities WHERE account_id = ?`,

		InsertOTP: `
        INSERT INTO otp_codes (email, purpose, created_at, id, code_hash, expires_at, verified, attempts)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?) USING TIMESTAMP ?`,
		ListOTPs: `
        SELECT id, created_at, code_hash, expires_at, verified, attempts
        FROM otp_codes WHERE email = ? AND purpose = ?`,
		DeleteOTPScope: `DELETE FROM otp_codes USING TIMESTAMP ? WHERE email = ? AND purpose = ?`,
		CASOTPAttempts: `
        UPDATE otp_codes SET attempts = ?
        WHERE email = ? AND purpose = ? AND created_at = ? AND id = ? IF attempts = ?`,
		MarkOTPVerified: `
        UPDATE otp_codes SET verified = true
        WHERE email = ? AND purpose = ? AND created_at = ? AND id = ? IF verified = false`,

		InsertActivity: `
        INSERT INTO activity_logs (account_id, created_at, id, action, ip_address, user_agent)
        VALUES (?, ?, ?, ?, ?, ?)`,
		ListActivity: `
        SELECT id, action, ip_address, user_agent, created_at
        FROM activity_logs WHERE account_id = ? LIMIT ?`,
		DeleteActivity: `DELETE FROM activity_logs WHERE account_id = ?`,
	}
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) Batch(ctx context.Context, typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ).WithContext(ctx)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry retries plain writes. Conditional statements must not go
// through here since a retried CAS can observe its own earlier write.
func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		err := query.Exec()
		if err == nil {
			return nil
		}
		lastErr = err
		if i < maxRetries {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}

// ScanWithRetry retries a single-row read. gocql.ErrNotFound is returned at once.
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil || errors.Is(err, gocql.ErrNotFound) {
			return err
		}
		lastErr = err
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}
