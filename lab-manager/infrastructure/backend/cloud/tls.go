package cloud

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// DaemonServerName is the name every lab VM's docker daemon certificate is
// issued for. Clients verify against it instead of the VM address, which is
// unknown when the certificate is issued.
const DaemonServerName = "quicklab-docker-daemon"

// File names follow the DOCKER_CERT_PATH layout.
const (
	caCertFile     = "ca.pem"
	caKeyFile      = "ca-key.pem"
	clientCertFile = "cert.pem"
	clientKeyFile  = "key.pem"

	caValidity     = 10 * 365 * 24 * time.Hour
	serverValidity = 30 * 24 * time.Hour
)

// DaemonCA signs the certificates lab VM daemons serve and holds the client
// certificate the provider presents to them. Daemons run with --tlsverify, so
// only holders of a certificate from this CA can reach the Engine API.
type DaemonCA struct {
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
	pool    *x509.CertPool
	client  tls.Certificate
}

// NewDaemonCA creates a CA and client certificate in memory.
func NewDaemonCA() (*DaemonCA, error) {
	ca, _, err := generateCA()
	if err != nil {
		return nil, err
	}
	return ca, nil
}

// LoadOrCreateDaemonCA reads the CA from dir, creating and saving a new one
// when dir holds none. VMs created before a restart stay reachable only if
// the same dir is reused.
func LoadOrCreateDaemonCA(dir string) (*DaemonCA, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, caCertFile))
	if errors.Is(err, os.ErrNotExist) {
		return createDaemonCA(dir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read daemon ca: %w", err)
	}

	keyPEM, err := os.ReadFile(filepath.Join(dir, caKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read daemon ca key: %w", err)
	}
	clientCert, err := tls.LoadX509KeyPair(filepath.Join(dir, clientCertFile), filepath.Join(dir, clientKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load daemon client certificate: %w", err)
	}

	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return nil, err
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("daemon ca key is not PEM encoded")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse daemon ca key: %w", err)
	}

	return newDaemonCA(cert, key, certPEM, clientCert), nil
}

func createDaemonCA(dir string) (*DaemonCA, error) {
	ca, files, err := generateCA()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create daemon ca dir: %w", err)
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return ca, nil
}

// generateCA returns the CA and the PEM files that persist it.
func generateCA() (*DaemonCA, map[string][]byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ca key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "quicklab docker ca"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create ca certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM, err := encodeKey(key)
	if err != nil {
		return nil, nil, err
	}

	ca := newDaemonCA(cert, key, certPEM, tls.Certificate{})
	clientCertPEM, clientKeyPEM, err := ca.issue("quicklab lab-manager", x509.ExtKeyUsageClientAuth, nil, caValidity)
	if err != nil {
		return nil, nil, err
	}
	ca.client, err = tls.X509KeyPair(clientCertPEM, clientKeyPEM)
	if err != nil {
		return nil, nil, err
	}

	return ca, map[string][]byte{
		caCertFile:     certPEM,
		caKeyFile:      keyPEM,
		clientCertFile: clientCertPEM,
		clientKeyFile:  clientKeyPEM,
	}, nil
}

func newDaemonCA(cert *x509.Certificate, key *ecdsa.PrivateKey, certPEM []byte, client tls.Certificate) *DaemonCA {
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &DaemonCA{cert: cert, key: key, certPEM: certPEM, pool: pool, client: client}
}

func (ca *DaemonCA) CACertPEM() []byte {
	return ca.certPEM
}

// IssueServerCert returns a certificate and key for one VM's daemon.
func (ca *DaemonCA) IssueServerCert() (certPEM, keyPEM []byte, err error) {
	return ca.issue(DaemonServerName, x509.ExtKeyUsageServerAuth, []string{DaemonServerName}, serverValidity)
}

// ClientTLSConfig authenticates the provider to a lab VM daemon and verifies
// the daemon's certificate against the CA.
func (ca *DaemonCA) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		RootCAs:      ca.pool,
		Certificates: []tls.Certificate{ca.client},
		ServerName:   DaemonServerName,
		MinVersion:   tls.VersionTLS12,
	}
}

func (ca *DaemonCA) issue(cn string, usage x509.ExtKeyUsage, dnsNames []string, validity time.Duration) ([]byte, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     dnsNames,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign %s certificate: %w", cn, err)
	}

	keyPEM, err := encodeKey(key)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), keyPEM, nil
}

func encodeKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

func parseCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("daemon ca certificate is not PEM encoded")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse daemon ca certificate: %w", err)
	}
	return cert, nil
}

func serialNumber() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return n, nil
}
