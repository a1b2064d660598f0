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

// Package signer implements EC2 query signing, signature versions 0 to 2.
// Version 2 is what any client from the last decade sends, the older ones
// are kept for wire compatibility with ancient tooling.
package signer

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/eschercloudai/stratus/pkg/errors"
)

const (
	// methodSHA256 is the canonical signature method name for version 2.
	methodSHA256 = "HmacSHA256"

	// alwaysSafe are the bytes never percent-encoded by quote, whatever
	// the safe set.
	alwaysSafe = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_.-"
)

// quote percent-encodes everything outside the unreserved set plus the given
// safe bytes, uppercase hex.
func quote(s, safe string) string {
	var b strings.Builder

	for i := 0; i < len(s); i++ {
		c := s[i]

		if strings.IndexByte(alwaysSafe, c) >= 0 || (safe != "" && strings.IndexByte(safe, c) >= 0) {
			b.WriteByte(c)

			continue
		}

		fmt.Fprintf(&b, "%%%02X", c)
	}

	return b.String()
}

// Sign computes the signature for a parameter set.  The version is taken from
// the SignatureVersion parameter; verb, host and path only participate in
// version 2.  The parameters must not include Signature itself.
func Sign(secret string, params map[string]string, verb, host, path string) (string, error) {
	switch params["SignatureVersion"] {
	case "0":
		return signV0(secret, params), nil
	case "1":
		return signV1(secret, params), nil
	case "2":
		return signV2(secret, params, verb, host, path), nil
	}

	return "", errors.APIError("UnknownSignatureVersion",
		fmt.Sprintf("unknown signature version: %q", params["SignatureVersion"]))
}

// Verify recomputes the signature and compares in constant time.
func Verify(secret string, params map[string]string, signature, verb, host, path string) error {
	expected, err := Sign(secret, params, verb, host, path)
	if err != nil {
		return err
	}

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.AuthFailure("signature does not match")
	}

	return nil
}

// signV0 MACs the Action and Timestamp only.  All other parameters ride
// along unauthenticated, which is why this version is legacy.
func signV0(secret string, params map[string]string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(params["Action"] + params["Timestamp"]))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signV1 MACs the key/value pairs in case-insensitive key order.
func signV1(secret string, params map[string]string) string {
	keys := make([]string, 0, len(params))

	for key := range params {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		return strings.ToLower(keys[i]) < strings.ToLower(keys[j])
	})

	mac := hmac.New(sha1.New, []byte(secret))

	for _, key := range keys {
		mac.Write([]byte(key))
		mac.Write([]byte(params[key]))
	}

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signV2 MACs the canonical request string.
func signV2(secret string, params map[string]string, verb, host, path string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(StringToSignV2(params, verb, host, path)))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// StringToSignV2 builds the version 2 canonical request string: the verb,
// host and path on their own lines, then the query with keys in byte order
// and both halves percent-encoded.  The SignatureMethod parameter is forced
// to HmacSHA256 in the canonical form, matching what Sign computes with.
func StringToSignV2(params map[string]string, verb, host, path string) string {
	canonical := make(map[string]string, len(params)+1)

	for key, value := range params {
		canonical[key] = value
	}

	canonical["SignatureMethod"] = methodSHA256

	keys := make([]string, 0, len(canonical))

	for key := range canonical {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	pairs := make([]string, len(keys))

	for i, key := range keys {
		pairs[i] = quote(key, "") + "=" + quote(canonical[key], "-_~")
	}

	return verb + "\n" + host + "\n" + path + "\n" + strings.Join(pairs, "&")
}
