package executor

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// AgentIdentity is the certificate an agent presents to fuzzing clients.
// Clients trust exactly this certificate, so no CA is involved.
type AgentIdentity struct {
	cert tls.Certificate
	leaf *x509.Certificate
}

// AgentHosts returns the names a certificate must cover for clients to reach
// the given listen addresses. Wildcard binds cover the loopback names.
func AgentHosts(listen []string) []string {
	var (
		out  []string
		seen = make(map[string]bool)
	)

	add := func(h string) {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}

	for _, addr := range listen {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}

		if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
			add("localhost")
			add("127.0.0.1")
			add("::1")

			continue
		}

		add(host)
	}

	return out
}

// NewAgentIdentity creates a self-signed identity valid for the hosts of the
// listen addresses.
func NewAgentIdentity(listen []string, validFor time.Duration) (*AgentIdentity, error) {
	hosts := AgentHosts(listen)
	if len(hosts) == 0 {
		return nil, errors.New("agent identity needs at least one listen address")
	}

	if validFor <= 0 {
		validFor = 24 * time.Hour
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "fuzzamoto-agent"},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &AgentIdentity{
		cert: tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf},
		leaf: leaf,
	}, nil
}

// LoadAgentIdentity reads a PEM certificate and key pair.
func LoadAgentIdentity(certFile, keyFile string) (*AgentIdentity, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, err
	}

	return &AgentIdentity{cert: cert, leaf: leaf}, nil
}

// ServerConfig is the TLS configuration the agent serves HTTP/3 with.
func (id *AgentIdentity) ServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{id.cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"h3"},
	}
}

// CertPEM returns the certificate clients need to pin.
func (id *AgentIdentity) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.leaf.Raw})
}

// Fingerprint is the hex SHA-256 of the certificate.
func (id *AgentIdentity) Fingerprint() string {
	sum := sha256.Sum256(id.leaf.Raw)
	return hex.EncodeToString(sum[:])
}

// Hosts lists the DNS names and addresses the certificate covers.
func (id *AgentIdentity) Hosts() []string {
	out := append([]string(nil), id.leaf.DNSNames...)
	for _, ip := range id.leaf.IPAddresses {
		out = append(out, ip.String())
	}

	return out
}

// PinnedClientConfig trusts only the agent certificates in certPEM. Host names
// are still verified against the certificate.
func PinnedClientConfig(certPEM []byte) (*tls.Config, error) {
	pool := x509.NewCertPool()
	n := 0

	for rest := certPEM; ; {
		var block *pem.Block
		if block, rest = pem.Decode(rest); block == nil {
			break
		}

		if block.Type != "CERTIFICATE" {
			continue
		}

		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("agent certificate: %w", err)
		}

		pool.AddCert(c)
		n++
	}

	if n == 0 {
		return nil, errors.New("no agent certificate found in PEM data")
	}

	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS13, NextProtos: []string{"h3"}}, nil
}
