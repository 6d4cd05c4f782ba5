// Package artifact implements the checksum-verified download/extract
// pipeline for release archives (C1).
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"silexa/agents/stackagent/internal/model"
)

// httpClient is shared across downloads; go-retryablehttp gives us sane
// connection reuse and a pre-wired http.Client without re-deriving one by
// hand. Its own internal retry loop is disabled (RetryMax=0): the outer
// attempt/backoff policy below must count checksum failures and transport
// failures uniformly, which retryablehttp's CheckRetry hook cannot express.
var httpClient = func() *http.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 0
	c.Logger = nil
	return c.StandardClient()
}()

// expectedDigest parses a checksum value that may be bare hex or prefixed
// "sha256:<hex>". Any other algorithm prefix is rejected.
func expectedDigest(checksum string) (string, error) {
	trimmed := strings.TrimSpace(checksum)
	if idx := strings.Index(trimmed, ":"); idx >= 0 {
		algo := strings.ToLower(trimmed[:idx])
		if algo != "sha256" {
			return "", model.Wrap(model.KindUnsupportedChecksum, "parse_checksum", fmt.Errorf("unsupported checksum algorithm %q", algo))
		}
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.ToLower(strings.TrimSpace(trimmed))
	if len(trimmed) != hex.EncodedLen(sha256.Size) {
		return "", model.Wrap(model.KindUnsupportedChecksum, "parse_checksum", fmt.Errorf("checksum %q is not a valid sha256 hex digest", checksum))
	}
	return trimmed, nil
}

// DownloadVerified streams uri to dest, verifying the sha256 digest as it
// goes. It retries up to `retries` attempts total (transport failures and
// checksum mismatches both count against the budget), sleeping
// backoff*2^attempt between attempts.
func DownloadVerified(ctx context.Context, uri, dest, checksum string, retries int, timeout, backoff time.Duration) error {
	expected, err := expectedDigest(checksum)
	if err != nil {
		return err
	}
	if retries < 1 {
		retries = 1
	}
	partPath := dest + ".part"

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			sleep := time.Duration(float64(backoff) * pow2(attempt))
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return model.Wrap(model.KindDownloadError, "download", ctx.Err())
			}
		}
		err := attemptDownload(ctx, uri, partPath, expected, timeout)
		if err == nil {
			if err := os.Rename(partPath, dest); err != nil {
				return model.Wrap(model.KindDownloadError, "commit", err)
			}
			return nil
		}
		_ = os.Remove(partPath)
		lastErr = err
	}
	return model.Wrap(model.KindDownloadError, "download", lastErr)
}

func attemptDownload(ctx context.Context, uri, partPath, expected string, timeout time.Duration) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fetch %s: unexpected status %d", uri, resp.StatusCode)
	}

	out, err := os.OpenFile(partPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", partPath, err)
	}
	hasher := sha256.New()
	_, copyErr := io.Copy(io.MultiWriter(out, hasher), resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		return fmt.Errorf("stream %s: %w", uri, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", partPath, closeErr)
	}
	actual := hex.EncodeToString(hasher.Sum(nil))
	if actual != expected {
		return model.Wrap(model.KindChecksumMismatch, "verify", fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual))
	}
	return nil
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}
