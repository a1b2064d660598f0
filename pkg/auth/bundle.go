/*
Copyright 2022-2024 EscherCloud.

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

package auth

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"

	"github.com/eschercloudai/stratus/pkg/crypto"
)

const (
	// bundleRCFile is the shell rc at the root of a credentials bundle.
	bundleRCFile = "stratusrc"

	// bundleKeyFile is the user's private key within the bundle.
	bundleKeyFile = "pk.pem"

	// bundleCertFile is the user's signed certificate within the bundle.
	bundleCertFile = "cert.pem"

	// bundleCAFile is the cloud CA certificate within the bundle.
	bundleCAFile = "cacert.pem"
)

// rcTemplate expands to the rc file users source before driving the API with
// EC2 tooling.  Arguments are access key, project, secret key, endpoint,
// then the key, certificate and CA file names.
const rcTemplate = `STRATUS_KEY_DIR=$(pushd $(dirname $BASH_SOURCE)>/dev/null; pwd; popd>/dev/null)
export EC2_ACCESS_KEY="%s:%s"
export EC2_SECRET_KEY="%s"
export EC2_URL="%s"
export EC2_PRIVATE_KEY=${STRATUS_KEY_DIR}/%s
export EC2_CERT=${STRATUS_KEY_DIR}/%s
export STRATUS_CERT=${STRATUS_KEY_DIR}/%s
`

// CredentialsBundle builds the zip handed to a user: an rc file carrying the
// wire credentials and endpoint, a fresh private key and certificate signed
// by the cloud CA, and the CA certificate itself.  The project defaults to
// the user's eponymous project and scopes the access key in the rc.
func (m *Manager) CredentialsBundle(ctx context.Context, userID, projectID, endpoint string, ca *crypto.CA) ([]byte, error) {
	user, err := m.driver.UserGet(ctx, userID)
	if err != nil {
		return nil, err
	}

	if projectID == "" {
		projectID = user.ID
	}

	certPEM, keyPEM, err := ca.IssueClientCertificate(fmt.Sprintf("%s-%s", user.ID, projectID))
	if err != nil {
		return nil, err
	}

	rc := fmt.Sprintf(rcTemplate, user.AccessKey, projectID, user.SecretKey, endpoint, bundleKeyFile, bundleCertFile, bundleCAFile)

	entries := []struct {
		name string
		data []byte
	}{
		{bundleRCFile, []byte(rc)},
		{bundleKeyFile, keyPEM},
		{bundleCertFile, certPEM},
		{bundleCAFile, ca.CertificatePEM()},
	}

	var buffer bytes.Buffer

	archive := zip.NewWriter(&buffer)

	for _, entry := range entries {
		writer, err := archive.Create(entry.name)
		if err != nil {
			return nil, err
		}

		if _, err := writer.Write(entry.data); err != nil {
			return nil, err
		}
	}

	if err := archive.Close(); err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}
