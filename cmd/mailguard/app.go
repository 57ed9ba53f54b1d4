package main

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/synqronlabs/mailguard"
	"github.com/synqronlabs/mailguard/config"
	"github.com/synqronlabs/mailguard/dkim"
	"github.com/synqronlabs/mailguard/dns"
	"github.com/synqronlabs/mailguard/dnsbl"
	"github.com/synqronlabs/mailguard/jobs"
	"github.com/synqronlabs/mailguard/mailer"
	"github.com/synqronlabs/mailguard/report"
	"github.com/synqronlabs/mailguard/store"
)

const dnsCachePrefix = "mailguard:dns:"

// app holds the components shared by the commands.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	resolver dns.Resolver
	redis    *redis.Client
	store    *store.Store
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var resolver dns.Resolver = dns.NewResolver(dns.ResolverConfig{
		Nameservers: cfg.DNS.Nameservers,
		DNSSEC:      cfg.DNS.DNSSEC,
		Timeout:     cfg.DNS.Timeout.D(),
		Retries:     cfg.DNS.Retries,
	})

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.redis.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		resolver = dns.NewCachingResolver(resolver, dns.NewRedisCache(a.redis, dnsCachePrefix), cfg.DNS.CacheTTL.D(), logger)
	}
	a.resolver = resolver

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = st
	if err := a.store.Migrate(ctx); err != nil {
		a.Close()
		return nil, err
	}
	seeded, err := a.store.SeedLists(ctx, cfg.BlockLists())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("seeding block lists: %w", err)
	}
	if seeded > 0 {
		logger.Info("block lists added", "count", seeded)
	}
	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing database", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("closing redis", "error", err)
		}
	}
}

func (a *app) validator() *mailguard.Validator {
	return mailguard.New(a.resolver, mailguard.Config{
		Enabled:                   a.cfg.Validation.Enabled,
		StrictMode:                a.cfg.Validation.StrictMode,
		DMARCMalformedAsPermerror: a.cfg.Validation.DMARCMalformedPermerror,
		DMARCRUAFallback:          a.cfg.Validation.DMARCRUAFallback,
		Hostname:                  a.cfg.Validation.Hostname,
	}, mailguard.WithSink(a.store), mailguard.WithLogger(a.logger))
}

func (a *app) checker() *dnsbl.Checker {
	c := dnsbl.NewChecker(a.resolver, a.store, a.logger)
	c.CheckLogger = a.store
	c.Timeout = a.cfg.DNSBL.Timeout.D()
	c.MaxConcurrency = a.cfg.DNSBL.MaxConcurrency
	c.BatchDelay = a.cfg.DNSBL.BatchDelay.D()
	return c
}

func (a *app) generator() (*report.Generator, error) {
	var deliverer report.Deliverer
	if a.cfg.SMTP.Addr != "" {
		d, err := a.deliverer()
		if err != nil {
			return nil, err
		}
		deliverer = d
	}
	return report.NewGenerator(report.Config{
		OrgName:         a.cfg.Report.OrgName,
		ContactEmail:    a.cfg.Report.ContactEmail,
		StoragePath:     a.cfg.Report.StoragePath,
		MaxSendAttempts: a.cfg.Report.MaxSendAttempts,
		Retention:       a.cfg.Retention(),
		SplitDivergent:  a.cfg.Report.SplitDivergent,
		RUAFallback:     a.cfg.Validation.DMARCRUAFallback,
	}, a.store, a.store, a.resolver, deliverer, a.logger), nil
}

func (a *app) scheduler(g *report.Generator) *jobs.Scheduler {
	var locker jobs.Locker = jobs.LocalLocker{}
	if a.redis != nil {
		locker = jobs.NewRedisLocker(a.redis, a.logger)
	}
	s := jobs.NewScheduler(g, a.store, locker, a.cfg.Report.Interval.D(), a.logger)
	s.MaxConcurrency = a.cfg.DNSBL.MaxConcurrency
	return s
}

func (a *app) deliverer() (*mailer.SMTPDeliverer, error) {
	smtpCfg := a.cfg.SMTP
	host, _, err := net.SplitHostPort(smtpCfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("smtp.addr: %w", err)
	}
	d := &mailer.SMTPDeliverer{
		Addr:      smtpCfg.Addr,
		Hostname:  a.cfg.Validation.Hostname,
		Username:  smtpCfg.Username,
		Password:  smtpCfg.Password,
		TLS:       mailer.TLSMode(smtpCfg.TLS),
		TLSConfig: &tls.Config{ServerName: host},
		Timeout:   smtpCfg.Timeout.D(),
		Logger:    a.logger,
	}
	if smtpCfg.DKIMKeyFile != "" {
		key, err := loadSigningKey(smtpCfg.DKIMKeyFile)
		if err != nil {
			return nil, err
		}
		d.Signer = &dkim.Signer{
			Domain:     smtpCfg.DKIMDomain,
			Selector:   smtpCfg.DKIMSelector,
			PrivateKey: key,
		}
	}
	return d, nil
}

// loadSigningKey reads a PEM encoded RSA or Ed25519 private key.
func loadSigningKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dkim key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("dkim key: no PEM block found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("dkim key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("dkim key: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("dkim key: unsupported key type %T", key)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("dkim key: unsupported PEM block %q", block.Type)
	}
}
