// Package tls serves certificates from ACME, files or a generated
// self-signed pair, in that order.
package tls

import (
	"crypto/tls"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"email-auth-service/internal/config"
	"email-auth-service/internal/util"
)

type TLSManager struct {
	config   config.ServerConfig
	autoCert *autocert.Manager

	fileOnce sync.Once
	fileCert *tls.Certificate

	devOnce sync.Once
	devCert *tls.Certificate
	devErr  error
}

func NewTLSManager(cfg config.ServerConfig) *TLSManager {
	manager := &TLSManager{config: cfg}
	if cfg.AutoCert && cfg.EnableTLS {
		manager.setupAutoCert()
	}
	return manager
}

func (m *TLSManager) setupAutoCert() {
	if err := os.MkdirAll(m.config.AutoCertDir, 0700); err != nil {
		util.Warn("Could not create autocert directory", zap.Error(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.config.Domain),
		Cache:      autocert.DirCache(m.config.AutoCertDir),
		Email:      m.config.Email,
	}

	util.Info("AutoCert configured",
		zap.String("domain", m.config.Domain),
		zap.String("cache_dir", m.config.AutoCertDir))
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		util.Warn("AutoCert lookup failed", zap.String("server_name", hello.ServerName), zap.Error(err))
	}

	if cert := m.loadFileCert(); cert != nil {
		return cert, nil
	}

	return m.selfSigned()
}

func (m *TLSManager) loadFileCert() *tls.Certificate {
	if m.config.CertFile == "" || m.config.KeyFile == "" {
		return nil
	}
	m.fileOnce.Do(func() {
		cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
		if err != nil {
			util.Warn("Failed to load certificate files",
				zap.String("cert_file", m.config.CertFile),
				zap.Error(err))
			return
		}
		m.fileCert = &cert
	})
	return m.fileCert
}

// selfSigned generates the development pair once per process.
func (m *TLSManager) selfSigned() (*tls.Certificate, error) {
	m.devOnce.Do(func() {
		hosts := []string{"localhost", "127.0.0.1", "::1"}
		if m.config.Domain != "" {
			hosts = append([]string{m.config.Domain}, hosts...)
		}
		cert, err := NewDevCertGenerator(m.config.AutoCertDir).GenerateCert(hosts)
		if err != nil {
			m.devErr = fmt.Errorf("failed to generate self-signed certificate: %w", err)
			return
		}
		m.devCert = &cert
	})
	return m.devCert, m.devErr
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
