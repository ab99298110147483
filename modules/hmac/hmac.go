// Copyright 2025 Nhat-Nguyen Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hmac

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// Tokens have the form base64url(payload) "." base64url(HMAC-SHA256(base64url(payload))).
// They are URL safe and carry no padding.

type HMACConfig struct {
	Secret string `env:"SECRET,notEmpty"`
	// Retired secrets still accepted by Verify while their tokens expire.
	PreviousSecrets []string `env:"PREVIOUS_SECRETS" envSeparator:","`
}

// HMACSigner signs with the current key and verifies against the current key
// followed by any retired ones.
type HMACSigner struct {
	key     []byte
	retired [][]byte
}

var (
	ErrMissingKey   = errors.New("missing hmac key")
	ErrInvalidToken = errors.New("invalid token")
)

// NewHMACSigner builds a signer for secKey. Empty retired keys are ignored.
func NewHMACSigner(secKey []byte, retired ...[]byte) (*HMACSigner, error) {
	if len(secKey) == 0 {
		return nil, ErrMissingKey
	}
	h := &HMACSigner{key: clone(secKey)}
	for _, k := range retired {
		if len(k) > 0 {
			h.retired = append(h.retired, clone(k))
		}
	}
	return h, nil
}

func NewHMACSignerFromConfig(cfg HMACConfig) (*HMACSigner, error) {
	retired := make([][]byte, 0, len(cfg.PreviousSecrets))
	for _, s := range cfg.PreviousSecrets {
		retired = append(retired, []byte(strings.TrimSpace(s)))
	}
	return NewHMACSigner([]byte(cfg.Secret), retired...)
}

func clone(b []byte) []byte { return append([]byte(nil), b...) }

func mac(key []byte, payloadB64 string) []byte {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(payloadB64))
	return m.Sum(nil)
}

func (h *HMACSigner) Sign(payload []byte) (string, error) {
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	sigB64 := base64.RawURLEncoding.EncodeToString(mac(h.key, payloadB64))
	return payloadB64 + "." + sigB64, nil
}

func (h *HMACSigner) Verify(token string) ([]byte, error) {
	payloadB64, sigB64, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(sigB64, ".") {
		return nil, ErrInvalidToken
	}
	got, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !h.matches(payloadB64, got) {
		return nil, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return payload, nil
}

func (h *HMACSigner) matches(payloadB64 string, sig []byte) bool {
	if hmac.Equal(mac(h.key, payloadB64), sig) {
		return true
	}
	for _, k := range h.retired {
		if hmac.Equal(mac(k, payloadB64), sig) {
			return true
		}
	}
	return false
}
