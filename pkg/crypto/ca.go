/*
Copyright 2022-2023 EscherCloud.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	goerrors "errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	// caCertFile is the CA certificate, relative to the CA directory.
	caCertFile = "cacert.pem"

	// caKeyFile is the CA private key, kept under a mode 0700 directory
	// like the openssl layout does.
	caKeyFile = "private/cakey.pem"

	// caValidity is how long a fresh CA certificate lasts.
	caValidity = 10 * 365 * 24 * time.Hour

	// certValidity is how long issued client certificates last.
	certValidity = 365 * 24 * time.Hour
)

var (
	// ErrPEMDecode is raised when PEM parsing comes up empty.
	ErrPEMDecode = goerrors.New("unable to decode PEM data")
)

// CA holds certificate authority material used to issue per-user and
// per-project VPN credentials.
type CA struct {
	certificate *x509.Certificate
	key         *rsa.PrivateKey
	certPEM     []byte
}

// randomSerial returns a serial number suitable for issued certificates.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)

	return rand.Int(rand.Reader, limit)
}

// CreateCA generates a self-signed root and writes it out under dir with the
// openssl-style layout.
func CreateCA(dir, commonName string) (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, DefaultKeyBits)
	if err != nil {
		return nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"stratus"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	certificate, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	ca := &CA{
		certificate: certificate,
		key:         key,
		certPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}

	if err := ca.write(dir); err != nil {
		return nil, err
	}

	return ca, nil
}

// write persists the CA material.
func (c *CA) write(dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, "private"), 0o700); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(dir, caCertFile), c.certPEM, 0o644); err != nil {
		return err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(c.key),
	})

	return os.WriteFile(filepath.Join(dir, caKeyFile), keyPEM, 0o600)
}

// LoadCA reads back a previously created CA.
func LoadCA(dir string) (*CA, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, caCertFile))
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: %s", ErrPEMDecode, caCertFile)
	}

	certificate, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}

	keyPEM, err := os.ReadFile(filepath.Join(dir, caKeyFile))
	if err != nil {
		return nil, err
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: %s", ErrPEMDecode, caKeyFile)
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	ca := &CA{
		certificate: certificate,
		key:         key,
		certPEM:     certPEM,
	}

	return ca, nil
}

// LoadOrCreateCA returns the CA under dir, minting one on first use.
func LoadOrCreateCA(dir, commonName string) (*CA, error) {
	ca, err := LoadCA(dir)
	if err == nil {
		return ca, nil
	}

	if !os.IsNotExist(err) {
		return nil, err
	}

	return CreateCA(dir, commonName)
}

// CertificatePEM returns the PEM encoded CA certificate for distribution to
// clients.
func (c *CA) CertificatePEM() []byte {
	return c.certPEM
}

// IssueClientCertificate generates a key pair and certificate for the named
// subject, signed by the CA.  Used for user credential bundles.
func (c *CA) IssueClientCertificate(commonName string) (certPEM, keyPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, DefaultKeyBits)
	if err != nil {
		return nil, nil, err
	}

	certPEM, err = c.sign(commonName, &key.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	keyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	return certPEM, keyPEM, nil
}

// SignCSR signs a PEM encoded certificate signing request, preserving its
// subject, for workflows where the private key never leaves the client.
func (c *CA) SignCSR(csrPEM []byte) ([]byte, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: certificate request", ErrPEMDecode)
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, err
	}

	if err := csr.CheckSignature(); err != nil {
		return nil, err
	}

	return c.signSubject(csr.Subject, csr.PublicKey)
}

func (c *CA) sign(commonName string, publicKey any) ([]byte, error) {
	subject := pkix.Name{
		CommonName:   commonName,
		Organization: []string{"stratus"},
	}

	return c.signSubject(subject, publicKey)
}

func (c *CA) signSubject(subject pkix.Name, publicKey any) ([]byte, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, c.certificate, publicKey, c.key)
	if err != nil {
		return nil, err
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}
