// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapcache owns the snapshot lifecycle: the background
// prefetch loop that keeps a fresh directory snapshot published, the
// signed on-disk cache that lets cooperating processes skip redundant
// rebuilds, and the advisory-lock coordination between them.
package snapcache

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/CERT-Polska/n6-sub002/lib/clock"
	"github.com/CERT-Polska/n6-sub002/lib/codec"
	"github.com/CERT-Polska/n6-sub002/lib/directory"
)

// MaxHeaderAge is the hard ceiling on cache-file age. A payload whose
// header timestamp is older is rejected regardless of signature
// validity — a valid signature proves who wrote the file, not that
// its contents are still safe to serve.
const MaxHeaderAge = 31 * 24 * time.Hour

// signKeyContext domain-separates the signing key derivation so the
// configured secret can never collide with another keyed-hash use.
const signKeyContext = "n6.snapcache.signature.v1"

// Header layout constants. The payload file is:
//
//	signature_hex(128) "\n" timestamp(21, zero-padded, 6 fractional
//	digits) "\n" stamper_id(40 hex) "\n" body
//
// and the signature covers everything after it.
const (
	signatureHexLen = 128
	timestampLen    = 21
	stamperIDLen    = 40
)

// IntegrityError reports an unusable cache file: bad signature,
// truncated or stale header, undecodable body. It is always treated
// as a cache miss (forcing a rebuild), never as a security bypass.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return "snapshot cache integrity: " + e.Reason
}

// Metadata is the structured-text sidecar of a cache payload. Version
// and Timestamp mirror the cached snapshot's; JobDuration is how long
// the rebuild that produced it took, in seconds.
type Metadata struct {
	Version     int     `json:"version"`
	Timestamp   float64 `json:"timestamp"`
	JobDuration float64 `json:"job_duration"`
}

// cacheBody is what gets serialized into the payload body.
type cacheBody struct {
	Graph *directory.Graph      `json:"graph"`
	Info  directory.VersionInfo `json:"info"`
}

// DiskCache is the signed, timestamped on-disk snapshot cache: one
// payload file and one metadata file, shareable between cooperating
// processes.
type DiskCache struct {
	payloadPath  string
	metadataPath string
	signKey      [32]byte
	stamperID    string
	clock        clock.Clock
}

// NewDiskCache creates a cache rooted at path (the payload file;
// metadata lives next to it with a ".meta" suffix). The secret keys
// the blake3 signature; stamper identifies this process in the file
// header and is reduced to the required 40 hex characters.
func NewDiskCache(path string, secret []byte, stamper string, clk clock.Clock) *DiskCache {
	if clk == nil {
		clk = clock.Real()
	}
	cache := &DiskCache{
		payloadPath:  path,
		metadataPath: path + ".meta",
		clock:        clk,
	}
	blake3.DeriveKey(signKeyContext, secret, cache.signKey[:])

	var stamperHash [20]byte
	hasher := blake3.New()
	hasher.Write([]byte(stamper))
	hasher.Digest().Read(stamperHash[:])
	cache.stamperID = hex.EncodeToString(stamperHash[:])

	return cache
}

// PeekMetadata reads the metadata sidecar without touching the
// payload. Any failure is an IntegrityError (cache miss).
func (c *DiskCache) PeekMetadata() (Metadata, error) {
	data, err := os.ReadFile(c.metadataPath)
	if err != nil {
		return Metadata{}, &IntegrityError{Reason: "metadata unreadable: " + err.Error()}
	}
	var metadata Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return Metadata{}, &IntegrityError{Reason: "metadata malformed: " + err.Error()}
	}
	return metadata, nil
}

// Store persists a snapshot and its rebuild duration. Both files are
// written atomically (temp file, fsync, rename) so concurrent readers
// never observe a partial write.
func (c *DiskCache) Store(snapshot *directory.Snapshot, jobDuration time.Duration) error {
	encoded, err := codec.Marshal(cacheBody{Graph: snapshot.Graph, Info: snapshot.Info})
	if err != nil {
		return fmt.Errorf("encoding snapshot cache body: %w", err)
	}
	writer, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("initializing zstd: %w", err)
	}
	body := writer.EncodeAll(encoded, nil)
	writer.Close()

	now := float64(c.clock.Now().UnixNano()) / float64(time.Second)
	header := fmt.Sprintf("%021.6f\n%s\n", now, c.stamperID)
	signed := append([]byte(header), body...)
	signature := c.sign(signed)

	payload := make([]byte, 0, signatureHexLen+1+len(signed))
	payload = append(payload, signature...)
	payload = append(payload, '\n')
	payload = append(payload, signed...)
	if err := writeAtomic(c.payloadPath, payload); err != nil {
		return fmt.Errorf("writing snapshot cache payload: %w", err)
	}

	metadata, err := json.Marshal(Metadata{
		Version:     snapshot.Info.Version,
		Timestamp:   snapshot.Info.Timestamp,
		JobDuration: jobDuration.Seconds(),
	})
	if err != nil {
		return fmt.Errorf("encoding snapshot cache metadata: %w", err)
	}
	if err := writeAtomic(c.metadataPath, append(metadata, '\n')); err != nil {
		return fmt.Errorf("writing snapshot cache metadata: %w", err)
	}
	return nil
}

// Load verifies and decodes the cached snapshot. The signature is
// checked before any byte of the body is interpreted; the header
// timestamp is checked against MaxHeaderAge even when the signature
// is valid.
func (c *DiskCache) Load() (*directory.Snapshot, error) {
	payload, err := os.ReadFile(c.payloadPath)
	if err != nil {
		return nil, &IntegrityError{Reason: "payload unreadable: " + err.Error()}
	}

	if len(payload) < signatureHexLen+1+timestampLen+1+stamperIDLen+1 {
		return nil, &IntegrityError{Reason: "payload truncated"}
	}
	signature := payload[:signatureHexLen]
	if payload[signatureHexLen] != '\n' {
		return nil, &IntegrityError{Reason: "malformed signature header"}
	}
	signed := payload[signatureHexLen+1:]

	if !bytes.Equal(signature, c.sign(signed)) {
		return nil, &IntegrityError{Reason: "signature mismatch"}
	}

	timestampField := string(signed[:timestampLen])
	if signed[timestampLen] != '\n' || signed[timestampLen+1+stamperIDLen] != '\n' {
		return nil, &IntegrityError{Reason: "malformed header"}
	}
	headerTimestamp, err := strconv.ParseFloat(timestampField, 64)
	if err != nil {
		return nil, &IntegrityError{Reason: "malformed header timestamp: " + err.Error()}
	}
	age := c.clock.Now().Sub(time.Unix(0, int64(headerTimestamp*float64(time.Second))))
	if age > MaxHeaderAge {
		return nil, &IntegrityError{Reason: fmt.Sprintf("header timestamp too old (%v)", age)}
	}

	body := signed[timestampLen+1+stamperIDLen+1:]
	reader, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("initializing zstd: %w", err)
	}
	defer reader.Close()
	encoded, err := reader.DecodeAll(body, nil)
	if err != nil {
		return nil, &IntegrityError{Reason: "body decompression failed: " + err.Error()}
	}

	var decoded cacheBody
	if err := codec.Unmarshal(encoded, &decoded); err != nil {
		return nil, &IntegrityError{Reason: "body decoding failed: " + err.Error()}
	}
	return directory.NewSnapshot(decoded.Graph, decoded.Info), nil
}

// sign computes the 128-hex-character keyed blake3 signature of data.
func (c *DiskCache) sign(data []byte) []byte {
	hasher, err := blake3.NewKeyed(c.signKey[:])
	if err != nil {
		panic("snapcache: blake3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)

	var digest [64]byte
	hasher.Digest().Read(digest[:])
	signature := make([]byte, signatureHexLen)
	hex.Encode(signature, digest[:])
	return signature
}

// writeAtomic writes data to path via a temp file, fsync and rename
// so readers never see a partial file.
func writeAtomic(path string, data []byte) error {
	temporary := path + ".tmp"
	file, err := os.OpenFile(temporary, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporary)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporary)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(temporary)
		return err
	}
	return os.Rename(temporary, path)
}
