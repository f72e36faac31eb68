// SPDX-License-Identifier: Apache-2.0
package audit

import (
	"bufio"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// JSONLSink appends entries as JSON lines to a file. When a key is set each
// line is sealed with AES-GCM and written base64 encoded.
type JSONLSink struct {
	mu   sync.Mutex
	path string
	aead cipher.AEAD
}

// JSONLOption configures a JSONLSink.
type JSONLOption func(*JSONLSink) error

// WithEncryptionKey enables encryption at rest. key must be 16, 24 or 32 bytes.
func WithEncryptionKey(key []byte) JSONLOption {
	return func(s *JSONLSink) error {
		block, err := aes.NewCipher(key)
		if err != nil {
			return fmt.Errorf("audit cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return fmt.Errorf("audit gcm: %w", err)
		}
		s.aead = aead
		return nil
	}
}

// WithHexKey is WithEncryptionKey for a hex encoded key, the form used in config.
func WithHexKey(hexKey string) JSONLOption {
	return func(s *JSONLSink) error {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return fmt.Errorf("audit key: %w", err)
		}
		return WithEncryptionKey(key)(s)
	}
}

// NewJSONLSink creates a file-backed audit sink.
func NewJSONLSink(path string, opts ...JSONLOption) (*JSONLSink, error) {
	if path == "" {
		return nil, errors.New("audit path is empty")
	}
	s := &JSONLSink{path: path}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Append writes one line for the entry.
func (s *JSONLSink) Append(_ context.Context, entry Entry) error {
	entry = normalize(entry)
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if s.aead != nil {
		if line, err = s.seal(line); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(append(line, '\n'))
	return err
}

// List reads the file and returns filtered entries in append order.
func (s *JSONLSink) List(_ context.Context, filter Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var out []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		if s.aead != nil {
			if raw, err = s.open(raw); err != nil {
				return nil, err
			}
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode audit line: %w", err)
		}
		if !filter.match(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, scanner.Err()
}

func (s *JSONLSink) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	sealed := s.aead.Seal(nonce, nonce, plain, nil)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

func (s *JSONLSink) open(line []byte) ([]byte, error) {
	sealed := make([]byte, base64.StdEncoding.DecodedLen(len(line)))
	n, err := base64.StdEncoding.Decode(sealed, line)
	if err != nil {
		return nil, fmt.Errorf("decode sealed audit line: %w", err)
	}
	sealed = sealed[:n]
	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errors.New("sealed audit line too short")
	}
	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed audit line: %w", err)
	}
	return plain, nil
}
