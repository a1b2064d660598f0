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

package signer_test

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eschercloudai/stratus/pkg/auth/signer"
	"github.com/eschercloudai/stratus/pkg/errors"
)

const secret = "secret"

// TestStringToSignV2 checks the canonical request string against the
// documented form byte for byte.
func TestStringToSignV2(t *testing.T) {
	t.Parallel()

	params := map[string]string{
		"SignatureMethod":  "HmacSHA256",
		"SignatureVersion": "2",
		"Action":           "Foo",
		"Timestamp":        "T",
	}

	expected := "GET\nhost\n/p\nAction=Foo&SignatureMethod=HmacSHA256&SignatureVersion=2&Timestamp=T"

	assert.Equal(t, expected, signer.StringToSignV2(params, "GET", "host", "/p"))
}

// TestStringToSignV2Quoting checks keys get the strict percent-encoding and
// values keep the unreserved tilde.
func TestStringToSignV2Quoting(t *testing.T) {
	t.Parallel()

	params := map[string]string{
		"a key~": "a value~/",
	}

	expected := "GET\nhost\n/\na%20key%7E=a%20value~%2F"

	assert.Equal(t, expected, signer.StringToSignV2(params, "GET", "host", "/"))
}

// TestStringToSignV2ForcesMethod checks the canonical form always declares
// HmacSHA256 no matter what the client sent.
func TestStringToSignV2ForcesMethod(t *testing.T) {
	t.Parallel()

	params := map[string]string{
		"SignatureMethod": "HmacSHA1",
	}

	assert.Contains(t, signer.StringToSignV2(params, "GET", "host", "/"), "SignatureMethod=HmacSHA256")
}

// TestSignV0 checks version 0 authenticates the Action and Timestamp and
// nothing else.
func TestSignV0(t *testing.T) {
	t.Parallel()

	params := map[string]string{
		"SignatureVersion": "0",
		"Action":           "DescribeInstances",
		"Timestamp":        "2011-04-22T11:29:49",
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte("DescribeInstances2011-04-22T11:29:49"))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	got, err := signer.Sign(secret, params, "GET", "host", "/")
	require.NoError(t, err)
	assert.Equal(t, expected, got)

	params["InstanceId.1"] = "i-00000001"

	got, err = signer.Sign(secret, params, "GET", "host", "/")
	require.NoError(t, err)
	assert.Equal(t, expected, got)
}

// TestSignV1 checks version 1 feeds key/value pairs to the MAC in
// case-insensitive key order.
func TestSignV1(t *testing.T) {
	t.Parallel()

	params := map[string]string{
		"SignatureVersion": "1",
		"b":                "2",
		"A":                "1",
	}

	mac := hmac.New(sha1.New, []byte(secret))

	for _, part := range []string{"A", "1", "b", "2", "SignatureVersion", "1"} {
		mac.Write([]byte(part))
	}

	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	got, err := signer.Sign(secret, params, "GET", "host", "/")
	require.NoError(t, err)
	assert.Equal(t, expected, got)
}

// TestRoundTrip checks Verify accepts what Sign produces, and rejects any
// mutation of the parameters, the secret, or the request line.
func TestRoundTrip(t *testing.T) {
	t.Parallel()

	params := map[string]string{
		"SignatureMethod":  "HmacSHA256",
		"SignatureVersion": "2",
		"Action":           "RunInstances",
		"Timestamp":        "2011-04-22T11:29:49",
		"ImageId":          "ami-00000001",
	}

	signature, err := signer.Sign(secret, params, "GET", "api.example.com", "/services/Cloud")
	require.NoError(t, err)

	assert.NoError(t, signer.Verify(secret, params, signature, "GET", "api.example.com", "/services/Cloud"))

	params["Timestamp"] = "2011-04-22T11:29:50"
	assert.ErrorIs(t, signer.Verify(secret, params, signature, "GET", "api.example.com", "/services/Cloud"), errors.ErrAuthFailure)
	params["Timestamp"] = "2011-04-22T11:29:49"

	assert.ErrorIs(t, signer.Verify("terces", params, signature, "GET", "api.example.com", "/services/Cloud"), errors.ErrAuthFailure)
	assert.ErrorIs(t, signer.Verify(secret, params, signature, "POST", "api.example.com", "/services/Cloud"), errors.ErrAuthFailure)
	assert.ErrorIs(t, signer.Verify(secret, params, signature, "GET", "api.example.com", "/"), errors.ErrAuthFailure)
}

// TestUnknownVersion checks out of range versions are refused.
func TestUnknownVersion(t *testing.T) {
	t.Parallel()

	params := map[string]string{
		"SignatureVersion": "3",
	}

	_, err := signer.Sign(secret, params, "GET", "host", "/")
	assert.ErrorIs(t, err, errors.ErrAPI)

	_, err = signer.Sign(secret, map[string]string{}, "GET", "host", "/")
	assert.Error(t, err)
}
