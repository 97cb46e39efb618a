// SPDX-License-Identifier: MIT

// Package artifacts resolves model artifacts from the external registry into
// a local content-addressed cache. Downloads are written via a temp file and
// an atomic rename so concurrent readers never observe partial files.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/riffbench/riffbench/internal/log"
	"github.com/riffbench/riffbench/internal/metrics"
)

// FetchError classifies registry/download failures. Transient errors lead to
// a nack with backoff; permanent ones fail the job with kind model_fetch.
type FetchError struct {
	Permanent bool
	Reason    string
	Err       error
}

func (e *FetchError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Err != nil {
		return fmt.Sprintf("model fetch %s: %s: %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("model fetch %s: %s", kind, e.Reason)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent fetch failure.
func IsPermanent(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Permanent
}

// Cache is the on-disk model artifact cache.
type Cache struct {
	root        string
	registryURL string
	httpClient  *http.Client
}

// NewCache builds a cache rooted at root, resolving refs against registryURL.
func NewCache(root, registryURL string) *Cache {
	return &Cache{
		root:        root,
		registryURL: strings.TrimRight(registryURL, "/"),
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// cachePath is content-addressed by (owner, ref) so one owner's artifacts
// can never shadow another's.
func (c *Cache) cachePath(ownerID, modelRef string) string {
	sum := sha256.Sum256([]byte(ownerID + "\x00" + modelRef))
	key := hex.EncodeToString(sum[:])
	return filepath.Join(c.root, key[:2], key+".bin")
}

// Resolve returns a local path for the model artifact, downloading it with
// the supplied bearer token on cache miss.
func (c *Cache) Resolve(ctx context.Context, ownerID, modelRef, bearer string) (string, error) {
	path := c.cachePath(ownerID, modelRef)
	if _, err := os.Stat(path); err == nil {
		metrics.ModelFetchTotal.WithLabelValues("hit").Inc()
		return path, nil
	}

	modelURL, err := c.lookupURL(ctx, modelRef, bearer)
	if err != nil {
		c.countOutcome(err)
		return "", err
	}
	if err := c.download(ctx, modelURL, path, bearer); err != nil {
		c.countOutcome(err)
		return "", err
	}
	metrics.ModelFetchTotal.WithLabelValues("downloaded").Inc()
	lg := log.WithComponent("artifacts")
	lg.Debug().
		Str("model_ref", modelRef).
		Str("path", path).
		Msg("model artifact cached")
	return path, nil
}

func (c *Cache) countOutcome(err error) {
	if IsPermanent(err) {
		metrics.ModelFetchTotal.WithLabelValues("permanent").Inc()
		return
	}
	metrics.ModelFetchTotal.WithLabelValues("transient").Inc()
}

type registryResponse struct {
	ModelURL string `json:"model_url"`
}

func (c *Cache) lookupURL(ctx context.Context, modelRef, bearer string) (string, error) {
	u := c.registryURL + "/models/" + url.PathEscape(modelRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", &FetchError{Reason: "build registry request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &FetchError{Reason: "registry unreachable", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp.StatusCode, "registry"); err != nil {
		return "", err
	}
	var reg registryResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&reg); err != nil {
		return "", &FetchError{Reason: "decode registry response", Err: err}
	}
	if reg.ModelURL == "" {
		return "", &FetchError{Permanent: true, Reason: "registry returned empty model_url"}
	}
	return reg.ModelURL, nil
}

func (c *Cache) download(ctx context.Context, modelURL, path, bearer string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, modelURL, nil)
	if err != nil {
		return &FetchError{Reason: "build download request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &FetchError{Reason: "download unreachable", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp.StatusCode, "download"); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &FetchError{Reason: "create cache dir", Err: err}
	}
	tmp, err := renameio.TempFile("", path)
	if err != nil {
		return &FetchError{Reason: "create temp file", Err: err}
	}
	defer func() { _ = tmp.Cleanup() }()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return &FetchError{Reason: "write artifact", Err: err}
	}
	if err := tmp.CloseAtomicallyReplace(); err != nil {
		return &FetchError{Reason: "commit artifact", Err: err}
	}
	return nil
}

// classifyStatus maps HTTP status to the retry policy: 403/404 mean the
// reference is bad or forbidden (permanent), everything else non-2xx is
// worth retrying.
func classifyStatus(status int, stage string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusForbidden || status == http.StatusUnauthorized:
		return &FetchError{Permanent: true, Reason: fmt.Sprintf("%s status %d", stage, status)}
	default:
		return &FetchError{Reason: fmt.Sprintf("%s status %d", stage, status)}
	}
}
