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
	"encoding/pem"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/eschercloudai/stratus/pkg/errors"
)

const (
	// DefaultKeyBits is the modulus size for generated key pairs.
	DefaultKeyBits = 2048
)

// KeyPair is a generated SSH key pair.  The private half is handed to the
// caller exactly once and never persisted.
type KeyPair struct {
	// PrivateKeyPEM is the PKCS1 PEM encoded private key.
	PrivateKeyPEM string

	// PublicKeyOpenSSH is the authorized_keys formatted public key.
	PublicKeyOpenSSH string

	// Fingerprint is the legacy MD5 colon-separated fingerprint of the
	// public key, as ssh-keygen -l -E md5 prints it.
	Fingerprint string
}

// GenerateKeyPair makes a fresh RSA key pair.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}

	public, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	keypair := &KeyPair{
		PrivateKeyPEM:    string(pem.EncodeToMemory(block)),
		PublicKeyOpenSSH: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(public))),
		Fingerprint:      ssh.FingerprintLegacyMD5(public),
	}

	return keypair, nil
}

// FingerprintPublicKey parses an authorized_keys formatted public key and
// returns its MD5 fingerprint, for key import.
func FingerprintPublicKey(material string) (string, error) {
	public, _, _, _, err := ssh.ParseAuthorizedKey([]byte(material))
	if err != nil {
		return "", errors.InvalidParameterValue("public key is not in OpenSSH format").WithError(err)
	}

	return ssh.FingerprintLegacyMD5(public), nil
}
