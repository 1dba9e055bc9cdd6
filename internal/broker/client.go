// Package broker owns connectivity to the Redis Streams compatible log store
// shared by the task queues and the connector state mirror. It carries no
// domain logic.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// TLSConfig controls TLS behaviour for broker connections.
type TLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// Config configures the broker client.
type Config struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TLS          TLSConfig
}

// ErrUnavailable marks transport-level broker failures (connection refused,
// pool exhaustion, closed client). Server replies such as WRONGTYPE are not
// wrapped.
var ErrUnavailable = errors.New("broker unavailable")

// NewClient builds a universal go-redis client. Sentinel is used when
// MasterName is set and cluster mode when more than one address is given.
func NewClient(cfg Config) (redis.UniversalClient, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("broker addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:                 addrs,
		MasterName:            strings.TrimSpace(cfg.MasterName),
		Username:              strings.TrimSpace(cfg.Username),
		Password:              cfg.Password,
		DB:                    cfg.DB,
		TLSConfig:             tlsConfig,
		DialTimeout:           cfg.DialTimeout,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		PoolSize:              cfg.PoolSize,
		MaxRetries:            2,
		ContextTimeoutEnabled: true,
	})
	return client, nil
}

// Ping reports whether the broker answers within the context deadline.
func Ping(ctx context.Context, client redis.UniversalClient) error {
	if client == nil {
		return fmt.Errorf("%w: client not configured", ErrUnavailable)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return Classify(err)
	}
	return nil
}

// Classify wraps transport failures with ErrUnavailable. Nil replies and
// server-side error replies are returned unchanged.
func Classify(err error) error {
	if err == nil || IsNil(err) || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// IsNil reports an empty reply (missing key, read timeout without entries).
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// IsBusyGroup reports the reply returned when creating an existing group.
func IsBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// IsWrongType reports a WRONGTYPE reply, e.g. a stream command against a
// key holding another type.
func IsWrongType(err error) bool {
	if err == nil {
		return false
	}
	return strings.HasPrefix(err.Error(), "WRONGTYPE")
}

// IsNoGroup reports a NOGROUP reply for streams or groups that do not
// exist yet.
func IsNoGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.HasPrefix(err.Error(), "NOGROUP")
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read broker tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("broker tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load broker tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
