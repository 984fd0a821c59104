/*
Copyright 2025 The Quarry Authors.

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

package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/quarrydev/quarry/errorutil"
	"github.com/quarrydev/quarry/store"
)

const (
	// s3MaxRetries caps retries of idempotent GETs on 5xx responses.
	s3MaxRetries = 3
	s3RetryBase  = 200 * time.Millisecond
)

// S3Options configure an S3Backend.
type S3Options struct {
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	// Prefix is prepended to every object key.
	Prefix string
	// Endpoint overrides the virtual-hosted-style AWS endpoint; used by
	// tests and S3-compatible stores.
	Endpoint string
}

// S3Backend stores objects as <prefix>/<oid[0:2]>/<oid> in a bucket,
// authenticating every request with SigV4.
type S3Backend struct {
	opts     S3Options
	endpoint string
	signer   *signer
	client   *http.Client
	logger   *logrus.Entry

	// sleep is replaced in tests to avoid real backoff delays.
	sleep func(time.Duration)
}

// NewS3Backend validates options and builds the backend. The host binds
// to bucket.s3.region.amazonaws.com unless an endpoint override is given.
func NewS3Backend(opts S3Options) (*S3Backend, error) {
	if opts.Bucket == "" || opts.Region == "" {
		return nil, errorutil.New(errorutil.InvalidInput, "s3 backend requires bucket and region")
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", opts.Bucket, opts.Region)
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, errors.Wrap(err, "parsing s3 endpoint")
	}
	return &S3Backend{
		opts:     opts,
		endpoint: strings.TrimRight(endpoint, "/"),
		signer: &signer{
			accessKey: opts.AccessKey,
			secretKey: opts.SecretKey,
			region:    opts.Region,
			service:   "s3",
		},
		client: &http.Client{Timeout: 5 * time.Minute},
		logger: logrus.WithField("component", "s3-backend"),
		sleep:  time.Sleep,
	}, nil
}

func (b *S3Backend) Name() store.StorageBackend {
	return store.BackendS3
}

// key fans objects out by the first two oid characters.
func (b *S3Backend) key(oid string) string {
	key := oid[0:2] + "/" + oid
	if b.opts.Prefix != "" {
		key = strings.Trim(b.opts.Prefix, "/") + "/" + key
	}
	return key
}

func (b *S3Backend) objectURL(oid string) string {
	return b.endpoint + "/" + b.key(oid)
}

// do issues a bodyless request. Uploads go through Put, which signs
// their payload hash separately.
func (b *S3Backend) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building s3 request")
	}
	b.signer.sign(req, emptyPayload, time.Now())
	return b.client.Do(req)
}

// doGetWithRetry retries idempotent GETs on 5xx with exponential backoff.
func (b *S3Backend) doGetWithRetry(ctx context.Context, rawURL string) (*http.Response, error) {
	var lastErr error
	backoff := s3RetryBase
	for attempt := 1; attempt <= s3MaxRetries; attempt++ {
		resp, err := b.do(ctx, http.MethodGet, rawURL)
		if err != nil {
			lastErr = err
		} else if resp.StatusCode >= 500 {
			lastErr = errorutil.New(errorutil.BackendError, "s3 returned %d", resp.StatusCode)
			resp.Body.Close()
		} else {
			return resp, nil
		}
		if attempt < s3MaxRetries {
			b.logger.WithError(lastErr).WithField("attempt", attempt).Debug("retrying s3 GET")
			b.sleep(backoff)
			backoff *= 2
		}
	}
	return nil, errors.Wrap(lastErr, "s3 GET exhausted retries")
}

func (b *S3Backend) Get(ctx context.Context, oid string) (io.ReadCloser, error) {
	if err := CheckOID(oid); err != nil {
		return nil, err
	}
	resp, err := b.doGetWithRetry(ctx, b.objectURL(oid))
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, errorutil.New(errorutil.ObjectNotFound, "object %s", oid)
	default:
		resp.Body.Close()
		return nil, errorutil.New(errorutil.BackendError, "s3 GET returned %d", resp.StatusCode)
	}
}

func (b *S3Backend) Put(ctx context.Context, oid string, content io.Reader) (int64, error) {
	if err := CheckOID(oid); err != nil {
		return 0, err
	}
	// SigV4 needs the payload hash before the first byte goes out, so
	// the content spools to disk; LFS objects are too large to hold in
	// memory.
	spool, err := os.CreateTemp("", "quarry-s3-put-")
	if err != nil {
		return 0, errorutil.Wrap(errorutil.BackendError, err, "creating spool file")
	}
	defer os.Remove(spool.Name())
	defer spool.Close()
	digest := sha256.New()
	size, err := io.Copy(io.MultiWriter(spool, digest), content)
	if err != nil {
		return 0, errorutil.Wrap(errorutil.BackendError, err, "spooling upload content")
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return 0, errorutil.Wrap(errorutil.BackendError, err, "rewinding spool file")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.objectURL(oid), spool)
	if err != nil {
		return 0, errors.Wrap(err, "building s3 request")
	}
	req.ContentLength = size
	b.signer.sign(req, hex.EncodeToString(digest.Sum(nil)), time.Now())
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, errorutil.Wrap(errorutil.BackendError, err, "s3 PUT")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errorutil.New(errorutil.BackendError, "s3 PUT returned %d", resp.StatusCode)
	}
	return size, nil
}

func (b *S3Backend) Delete(ctx context.Context, oid string) error {
	if err := CheckOID(oid); err != nil {
		return err
	}
	resp, err := b.do(ctx, http.MethodDelete, b.objectURL(oid))
	if err != nil {
		return errorutil.Wrap(errorutil.BackendError, err, "s3 DELETE")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return errorutil.New(errorutil.BackendError, "s3 DELETE returned %d", resp.StatusCode)
	}
	return nil
}

func (b *S3Backend) Exists(ctx context.Context, oid string) (bool, error) {
	if err := CheckOID(oid); err != nil {
		return false, err
	}
	resp, err := b.do(ctx, http.MethodHead, b.objectURL(oid))
	if err != nil {
		return false, errorutil.Wrap(errorutil.BackendError, err, "s3 HEAD")
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, errorutil.New(errorutil.BackendError, "s3 HEAD returned %d", resp.StatusCode)
	}
}

// List pages through list-type=2 results, extracting object metadata
// from the XML body. The fixed response shape makes a full XML parser
// unnecessary; Key, LastModified, and Size are pulled straight from
// their elements inside each <Contents> block. Modified feeds the GC
// min-age check, so it must survive the trip.
func (b *S3Backend) List(ctx context.Context) ([]ObjectInfo, error) {
	var out []ObjectInfo
	token := ""
	for {
		listURL := b.endpoint + "/?list-type=2"
		if b.opts.Prefix != "" {
			listURL += "&prefix=" + uriEncode(strings.Trim(b.opts.Prefix, "/")+"/")
		}
		if token != "" {
			listURL += "&continuation-token=" + uriEncode(token)
		}
		resp, err := b.doGetWithRetry(ctx, listURL)
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, errorutil.Wrap(errorutil.BackendError, err, "reading list response")
		}
		if resp.StatusCode != http.StatusOK {
			return nil, errorutil.New(errorutil.BackendError, "s3 LIST returned %d", resp.StatusCode)
		}
		for _, contents := range extractXMLValues(body, "Contents") {
			block := []byte(contents)
			keys := extractXMLValues(block, "Key")
			if len(keys) != 1 {
				continue
			}
			oid := keys[0][strings.LastIndex(keys[0], "/")+1:]
			if !ValidOID(oid) {
				continue
			}
			info := ObjectInfo{OID: oid}
			if sizes := extractXMLValues(block, "Size"); len(sizes) == 1 {
				if size, err := strconv.ParseInt(sizes[0], 10, 64); err == nil {
					info.Size = size
				}
			}
			if stamps := extractXMLValues(block, "LastModified"); len(stamps) == 1 {
				if modified, err := time.Parse(time.RFC3339, stamps[0]); err == nil {
					info.Modified = modified
				}
			}
			out = append(out, info)
		}
		tokens := extractXMLValues(body, "NextContinuationToken")
		if len(tokens) == 0 {
			break
		}
		token = tokens[0]
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OID < out[j].OID })
	return out, nil
}

// extractXMLValues pulls the text content of every <tag>…</tag> pair from
// a flat XML document.
func extractXMLValues(body []byte, tag string) []string {
	opening := []byte("<" + tag + ">")
	closing := []byte("</" + tag + ">")
	var values []string
	rest := body
	for {
		start := bytes.Index(rest, opening)
		if start < 0 {
			break
		}
		rest = rest[start+len(opening):]
		end := bytes.Index(rest, closing)
		if end < 0 {
			break
		}
		values = append(values, string(rest[:end]))
		rest = rest[end+len(closing):]
	}
	return values
}
