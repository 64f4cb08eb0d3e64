package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/rezonia/nfse-submitter/internal/certstore"
)

// OpenCertStore creates the certificate store and loads every configured
// certificate: the single file, the base64 PEM environment pair and the
// certificate directory. When trust anchors are set each certificate is
// chain-verified at load time and checked against OCSP if enabled.
func (c *Config) OpenCertStore(ctx context.Context, logger *slog.Logger) (*certstore.Store, error) {
	opts := []certstore.Option{certstore.WithLogger(logger)}
	if len(c.Certificates.TrustAnchors) > 0 {
		var topts []certstore.TrustStoreOption
		for _, anchor := range c.Certificates.TrustAnchors {
			info, err := os.Stat(anchor)
			if err != nil {
				return nil, fmt.Errorf("trust anchor: %w", err)
			}
			if info.IsDir() {
				topts = append(topts, certstore.WithCADir(anchor))
			} else {
				topts = append(topts, certstore.WithCAFile(anchor))
			}
		}
		if !c.Certificates.OCSP {
			topts = append(topts, certstore.WithSoftFail())
		}
		ts := certstore.NewTrustStore(topts...)
		if errs := ts.LoadErrors(); len(errs) > 0 {
			return nil, fmt.Errorf("trust anchors: %w", errors.Join(errs...))
		}
		opts = append(opts, certstore.WithTrustStore(ts))
	}
	store := certstore.New(opts...)

	var handles []*certstore.Handle
	if c.Certificates.Path != "" {
		h, err := store.LoadFile(c.Certificates.Path, c.Certificates.Password)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	} else {
		h, err := store.LoadFromEnv()
		if err != nil {
			return nil, err
		}
		if h != nil {
			handles = append(handles, h)
		}
	}

	if c.Certificates.Dir != "" {
		loaded, err := store.LoadDir(c.Certificates.Dir, c.Certificates.Password)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logger.Debug("certificate dir not found", "dir", c.Certificates.Dir)
		case err != nil:
			return nil, err
		default:
			handles = append(handles, loaded...)
		}
	}

	if c.Certificates.OCSP && len(c.Certificates.TrustAnchors) > 0 {
		for _, h := range handles {
			if err := store.Validate(ctx, h); err != nil {
				logger.Warn("certificate failed validation", "certificate_id", h.ID(), "error", err)
			}
		}
	}
	if len(handles) == 0 {
		logger.Warn("no certificates loaded; submissions will fail until one is uploaded")
	}
	return store, nil
}
