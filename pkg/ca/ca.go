// Package ca implements the local Certificate Authority: load-or-create of a
// self-signed root, and on-demand leaf minting per hostname for TLS_HANDSHAKE.
package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/idna"
	"golang.org/x/sync/singleflight"

	"github.com/nullwire/interceptproxy/pkg/constants"
	ierrors "github.com/nullwire/interceptproxy/pkg/errors"
	"github.com/nullwire/interceptproxy/pkg/model"
)

// KeyAlgorithm selects the leaf key type minted for impersonated hosts.
type KeyAlgorithm string

const (
	KeyAlgorithmRSA2048   KeyAlgorithm = "rsa2048"
	KeyAlgorithmECDSAP256 KeyAlgorithm = "ecdsa-p256"
)

// Config tunes leaf minting and the mint cache.
type Config struct {
	KeyAlgorithm  KeyAlgorithm
	CacheCapacity int
}

func (c Config) withDefaults() Config {
	if c.KeyAlgorithm == "" {
		c.KeyAlgorithm = KeyAlgorithmRSA2048
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = constants.DefaultCertCacheCapacity
	}
	return c
}

// CA loads a root once and mints leaves on demand, with concurrent mints for
// the same hostname coalesced and finished leaves cached.
type CA struct {
	cfg     Config
	rootCrt *x509.Certificate
	rootKey any // *rsa.PrivateKey or *ecdsa.PrivateKey
	cache   *lru.Cache[string, *model.MintedCert]
	group   singleflight.Group

	mintCount atomic.Uint64
	hitCount  atomic.Uint64
}

// Stats returns the cumulative mint and cache-hit counts, for the listener's
// cert_mints_total/cert_cache_hits_total metrics.
func (c *CA) Stats() (mints, hits uint64) {
	return c.mintCount.Load(), c.hitCount.Load()
}

// LoadOrCreateRoot loads the root certificate/key at certPath/keyPath if both
// exist, or synthesizes and atomically persists a new self-signed root.
func LoadOrCreateRoot(certPath, keyPath string) (*model.RootCA, error) {
	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		if _, err := parseRoot(certPEM, keyPEM); err != nil {
			return nil, ierrors.NewRootLoadError(certPath, err)
		}
		return &model.RootCA{CertPEM: certPEM, KeyPEM: keyPEM}, nil
	}

	root, err := synthesizeRoot()
	if err != nil {
		return nil, ierrors.NewRootLoadError(certPath, err)
	}
	if err := persistAtomic(certPath, root.CertPEM); err != nil {
		return nil, ierrors.NewRootLoadError(certPath, err)
	}
	if err := persistAtomic(keyPath, root.KeyPEM); err != nil {
		return nil, ierrors.NewRootLoadError(keyPath, err)
	}
	return root, nil
}

func synthesizeRoot() (*model.RootCA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: constants.RootCACommonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(constants.RootCAValidity),
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:         true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("sign root: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal root key: %w", err)
	}

	return &model.RootCA{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

func persistAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func parseRoot(certPEM, keyPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in root certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse root certificate: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("no PEM block in root key")
	}
	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse root key: %w", err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		if !k.PublicKey.Equal(cert.PublicKey) {
			return nil, fmt.Errorf("root key does not match root certificate")
		}
	case *ecdsa.PrivateKey:
		if !k.PublicKey.Equal(cert.PublicKey) {
			return nil, fmt.Errorf("root key does not match root certificate")
		}
	default:
		return nil, fmt.Errorf("unsupported root key type %T", key)
	}
	return cert, nil
}

// New constructs a CA ready to mint leaves from an already loaded root.
func New(root *model.RootCA, cfg Config) (*CA, error) {
	cfg = cfg.withDefaults()

	block, _ := pem.Decode(root.CertPEM)
	if block == nil {
		return nil, ierrors.NewRootLoadError("root", fmt.Errorf("no PEM block in root certificate"))
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, ierrors.NewRootLoadError("root", err)
	}
	keyBlock, _ := pem.Decode(root.KeyPEM)
	if keyBlock == nil {
		return nil, ierrors.NewRootLoadError("root", fmt.Errorf("no PEM block in root key"))
	}
	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, ierrors.NewRootLoadError("root", err)
	}

	cache, err := lru.New[string, *model.MintedCert](cfg.CacheCapacity)
	if err != nil {
		return nil, ierrors.NewRootLoadError("root", err)
	}

	return &CA{cfg: cfg, rootCrt: cert, rootKey: key, cache: cache}, nil
}

// CertFor returns a leaf certificate for hostname, minting and caching one if
// none is cached. Concurrent calls for the same hostname coalesce onto a
// single mint via singleflight; different hostnames mint in parallel.
func (c *CA) CertFor(ctx context.Context, hostname string) (*model.MintedCert, error) {
	normalized, err := normalizeHostname(hostname)
	if err != nil {
		return nil, ierrors.NewMintError(hostname, err)
	}

	if cached, ok := c.cache.Get(normalized); ok && cached.NotAfter.After(time.Now()) {
		c.hitCount.Add(1)
		return cached, nil
	}

	v, err, _ := c.group.Do(normalized, func() (any, error) {
		if cached, ok := c.cache.Get(normalized); ok && cached.NotAfter.After(time.Now()) {
			c.hitCount.Add(1)
			return cached, nil
		}
		minted, err := c.mint(normalized)
		if err != nil {
			return nil, err
		}
		c.mintCount.Add(1)
		c.cache.Add(normalized, minted)
		return minted, nil
	})
	if err != nil {
		return nil, ierrors.NewMintError(hostname, err)
	}
	return v.(*model.MintedCert), nil
}

func (c *CA) mint(hostname string) (*model.MintedCert, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(constants.LeafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     sanNamesFor(hostname),
	}

	var (
		pub  any
		priv any
	)
	switch c.cfg.KeyAlgorithm {
	case KeyAlgorithmECDSAP256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate leaf key: %w", err)
		}
		pub, priv = &key.PublicKey, key
	default:
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate leaf key: %w", err)
		}
		pub, priv = &key.PublicKey, key
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, c.rootCrt, pub, c.rootKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal leaf key: %w", err)
	}

	return &model.MintedCert{
		Hostname: hostname,
		CertDER:  der,
		KeyDER:   keyDER,
		NotAfter: tmpl.NotAfter,
	}, nil
}

// sanNamesFor returns hostname plus its leading-wildcard variant when
// hostname has at least two labels, per spec's cert_for operation.
func sanNamesFor(hostname string) []string {
	names := []string{hostname}
	labels := strings.Split(hostname, ".")
	if len(labels) >= 2 {
		names = append(names, "*."+strings.Join(labels[1:], "."))
	}
	return names
}

func normalizeHostname(hostname string) (string, error) {
	if hostname == "" {
		return "", fmt.Errorf("empty hostname")
	}
	ascii, err := idna.Lookup.ToASCII(hostname)
	if err != nil {
		// Not every CONNECT target is a valid IDN (bare IPs, e.g.); fall back
		// to the literal hostname rather than failing the mint.
		return strings.ToLower(hostname), nil
	}
	return ascii, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// TLSCertificate builds a crypto/tls certificate chain (leaf + root) from a
// MintedCert, ready to hand to tls.Config.Certificates or GetCertificate.
func (c *CA) TLSCertificate(m *model.MintedCert) (tls.Certificate, error) {
	key, err := x509.ParsePKCS8PrivateKey(m.KeyDER)
	if err != nil {
		return tls.Certificate{}, ierrors.NewMintError(m.Hostname, err)
	}
	return tls.Certificate{
		Certificate: [][]byte{m.CertDER, c.rootCrt.Raw},
		PrivateKey:  key,
		Leaf:        nil,
	}, nil
}
