// Package certs reports the state of the dashboard's TLS certificate and of the
// last ACME issuance attempt.
package certs

import (
	"context"
	"errors"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"hub-api/internal/engine"
)

const (
	StatusNone       = "No Certificate"
	StatusSelfSigned = "Self-Signed (Local)"
	StatusTrusted    = "Valid (Trusted)"
	StatusFailed     = "Issuance Failed"
	StatusRateLimit  = "Rate Limited"
	StatusAuthError  = "Auth Error"

	localIssuerMarker = "PrivacyHub"
	cacheKey          = "status"
	cacheTTL          = 60 * time.Second
)

var retryAfterPattern = regexp.MustCompile(`retry after ([0-9:\- ]+ UTC)`)

// Status is the body of the certificate status endpoint.
type Status struct {
	Type    string `json:"type"`
	Subject string `json:"subject"`
	Issuer  string `json:"issuer"`
	Expires string `json:"expires"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Inspector reads the certificate with openssl and classifies the ACME log.
type Inspector struct {
	certFile string
	acmeLog  string
	openssl  string
	timeout  time.Duration
	runner   engine.CommandRunner
	cache    *cache.Cache
}

// NewInspector creates an inspector. A nil runner runs real processes.
func NewInspector(certFile, acmeLog string, runner engine.CommandRunner) *Inspector {
	if runner == nil {
		runner = engine.ExecRunner{}
	}
	return &Inspector{
		certFile: certFile,
		acmeLog:  acmeLog,
		openssl:  "openssl",
		timeout:  10 * time.Second,
		runner:   runner,
		cache:    cache.New(cacheTTL, 2*cacheTTL),
	}
}

// Status returns the cached status, refreshing it when stale.
func (i *Inspector) Status(ctx context.Context) (Status, error) {
	if cached, ok := i.cache.Get(cacheKey); ok {
		return cached.(Status), nil
	}
	status, err := i.inspect(ctx)
	if err != nil {
		return Status{}, err
	}
	i.cache.SetDefault(cacheKey, status)
	return status, nil
}

func (i *Inspector) inspect(ctx context.Context) (Status, error) {
	status := Status{Type: "None", Subject: "--", Issuer: "--", Expires: "--", Status: StatusNone}
	if _, err := os.Stat(i.certFile); err == nil {
		ctx, cancel := context.WithTimeout(ctx, i.timeout)
		defer cancel()
		out, err := i.runner.Output(ctx, "", i.openssl, "x509", "-in", i.certFile, "-noout", "-subject", "-issuer", "-dates")
		if err := engine.CommandError(ctx, "openssl x509", out, err); err != nil {
			return Status{}, err
		}
		applyX509(&status, string(out))
	} else if !errors.Is(err, os.ErrNotExist) {
		return Status{}, err
	}

	if data, err := os.ReadFile(i.acmeLog); err == nil {
		applyAcmeLog(&status, string(data))
	}
	return status, nil
}

func applyX509(status *Status, out string) {
	status.Type = "RSA/ECC"
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "subject="):
			status.Subject = strings.TrimSpace(strings.TrimPrefix(line, "subject="))
		case strings.HasPrefix(line, "issuer="):
			status.Issuer = strings.TrimSpace(strings.TrimPrefix(line, "issuer="))
		case strings.HasPrefix(line, "notAfter="):
			status.Expires = strings.TrimSpace(strings.TrimPrefix(line, "notAfter="))
		}
	}
	if status.Subject == status.Issuer || strings.Contains(status.Issuer, localIssuerMarker) {
		status.Status = StatusSelfSigned
	} else {
		status.Status = StatusTrusted
	}
}

// applyAcmeLog overrides the status when the last issuance attempt failed.
func applyAcmeLog(status *Status, log string) {
	switch {
	case strings.Contains(log, "Verify error") || strings.Contains(log, "Challenge failed"):
		status.Status = StatusFailed
		status.Error = "deSEC verification failed. Check your token and domain."
	case strings.Contains(log, "Rate limit") || strings.Contains(log, "too many certificates"):
		status.Status = StatusRateLimit
		if m := retryAfterPattern.FindStringSubmatch(log); m != nil {
			status.Error = "Let's Encrypt rate limit reached. Next attempt after: " + m[1]
		} else {
			status.Error = "Let's Encrypt rate limit reached. Retrying automatically in 24h."
		}
	case strings.Contains(log, "Invalid token"):
		status.Status = StatusAuthError
		status.Error = "Invalid deSEC token."
	}
}
