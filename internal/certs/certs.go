// Package certs loads the server certificate used by --tls.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/rcat/internal/relay"
)

// LoadServerConfig reads a PEM certificate chain and private key and returns
// a server-side TLS config. Only a pair that cannot be loaded is a
// ConfigFatal *relay.Error. Whether clients accept the certificate is
// theirs to decide, so a leaf outside its validity window is served with a
// warning.
func LoadServerConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, &relay.Error{Kind: relay.ConfigFatal, Op: "load certificate", Addr: certFile, Err: err}
	}

	leaf := cert.Leaf
	if leaf == nil {
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, &relay.Error{Kind: relay.ConfigFatal, Op: "parse certificate", Addr: certFile, Err: err}
		}
	}
	warnValidity(certFile, leaf, time.Now())

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func warnValidity(certFile string, leaf *x509.Certificate, now time.Time) {
	fields := logrus.Fields{
		"cert":       certFile,
		"not_before": leaf.NotBefore.Format(time.RFC3339),
		"not_after":  leaf.NotAfter.Format(time.RFC3339),
	}
	switch {
	case now.After(leaf.NotAfter):
		logrus.WithFields(fields).Warn("certs.expired")
	case now.Before(leaf.NotBefore):
		logrus.WithFields(fields).Warn("certs.not_yet_valid")
	}
}
