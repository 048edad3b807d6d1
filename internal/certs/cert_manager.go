package certs

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// CertManager inspects the certificate files in a directory.
type CertManager struct {
	certDir string
	now     func() time.Time
}

// NewCertManager creates a new CertManager for the given directory.
func NewCertManager(certDir string) *CertManager {
	return &CertManager{certDir: certDir, now: time.Now}
}

// CertFile is a certificate together with the file it came from.
type CertFile struct {
	Path string
	Cert *x509.Certificate
}

// LoadCertificates loads every certificate from the .crt and .pem files in
// the cert directory. Non-certificate PEM blocks are skipped.
func (cm *CertManager) LoadCertificates() ([]CertFile, error) {
	var out []CertFile
	err := filepath.WalkDir(cm.certDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !(strings.HasSuffix(d.Name(), ".crt") || strings.HasSuffix(d.Name(), ".pem")) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		certs, err := ParseCertificatesPEM(data)
		if errors.Is(err, errNoCertificates) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		for _, c := range certs {
			out = append(out, CertFile{Path: path, Cert: c})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cert.NotAfter.Before(out[j].Cert.NotAfter) })
	return out, nil
}

// IsExpired checks if a certificate is expired.
func (cm *CertManager) IsExpired(cert *x509.Certificate) bool {
	return cert.NotAfter.Before(cm.now())
}

// ExpiresWithin reports whether cert expires in less than d.
func (cm *CertManager) ExpiresWithin(cert *x509.Certificate, d time.Duration) bool {
	return cert.NotAfter.Before(cm.now().Add(d))
}

var errNoCertificates = errors.New("no certificates found")

// ParseCertificatesPEM parses every CERTIFICATE block in data.
func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, errNoCertificates
	}
	return certs, nil
}
