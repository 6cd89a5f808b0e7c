// Package tlsconf builds the TLS configuration the engine dials with.
package tlsconf

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ErrNoPrivateKey is returned when the key file holds no usable key.
var ErrNoPrivateKey = errors.New("no client private key found")

// Options locates the PEM material. An empty CAFile means the system trust
// roots; empty CertFile and KeyFile mean no client authentication.
type Options struct {
	CAFile     string `mapstructure:"ca_file"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	ServerName string `mapstructure:"server_name"`
}

// Enabled reports whether any TLS material or server name is configured.
func (o Options) Enabled() bool {
	return o.CAFile != "" || o.CertFile != "" || o.KeyFile != "" || o.ServerName != ""
}

// Load builds a client TLS config from o.
func Load(o Options) (*tls.Config, error) {
	if o.CertFile == "" && o.KeyFile == "" {
		return WithoutClientAuth(o.CAFile, o.ServerName)
	}
	return WithClientAuth(o.CAFile, o.CertFile, o.KeyFile, o.ServerName)
}

// WithClientAuth trusts the roots in caFile (system roots when empty) and
// presents the certificate chain in certFile with the first private key
// found in keyFile. PKCS#1, PKCS#8 and SEC1 keys are accepted.
func WithClientAuth(caFile, certFile, keyFile, domain string) (*tls.Config, error) {
	cfg, err := WithoutClientAuth(caFile, domain)
	if err != nil {
		return nil, err
	}
	chain, err := readCertChain(certFile)
	if err != nil {
		return nil, err
	}
	key, err := readPrivateKey(keyFile)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, fmt.Errorf("parsing client certificate: %w", err)
	}
	cfg.Certificates = []tls.Certificate{{
		Certificate: chain,
		PrivateKey:  key,
		Leaf:        leaf,
	}}
	return cfg, nil
}

// WithoutClientAuth trusts the roots in caFile (system roots when empty)
// and verifies the server as domain.
func WithoutClientAuth(caFile, domain string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: domain,
	}
	if caFile == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("loading system roots: %w", err)
		}
		cfg.RootCAs = pool
		return cfg, nil
	}
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("CA bundle %s: no certificates found", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func readCertChain(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client certificate: %w", err)
	}
	var chain [][]byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("client certificate %s: no certificates found", path)
	}
	return chain, nil
}

// readPrivateKey returns the first PKCS#1, PKCS#8 or SEC1 key in path.
func readPrivateKey(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client key: %w", err)
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, ErrNoPrivateKey
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("decoding PKCS#1 key: %w", err)
			}
			return key, nil
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("decoding PKCS#8 key: %w", err)
			}
			return key, nil
		case "EC PRIVATE KEY":
			key, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("decoding SEC1 key: %w", err)
			}
			return key, nil
		}
	}
}
