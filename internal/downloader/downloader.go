// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package downloader fetches remote files onto the machine being
// provisioned. Files land in the target directory under their URL
// base name via a temporary file and an atomic rename, so a partial
// download is never visible at the final path.
package downloader

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	jujuhttp "github.com/juju/http/v2"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
)

var logger = loggo.GetLogger("forgeagent.downloader")

const (
	// DefaultAttempts bounds the download retries for one request.
	DefaultAttempts = 3

	// DefaultDelay is the fixed pause between attempts.
	DefaultDelay = 5 * time.Second
)

// Transport performs HTTP requests. *jujuhttp.Client satisfies it.
type Transport interface {
	Do(*http.Request) (*http.Response, error)
}

// Request holds a single download request.
type Request struct {
	// URL is where the file is fetched from.
	URL string

	// TargetDir is the directory the file is written into, named
	// after the last element of the URL path.
	TargetDir string

	// SHA256, when set, is the expected hex digest of the file;
	// a mismatch fails the attempt and removes the partial file.
	SHA256 string

	// Attempts bounds the retries; zero means DefaultAttempts.
	Attempts int

	// Delay is the fixed pause between attempts; zero means
	// DefaultDelay.
	Delay time.Duration
}

// Status describes a completed download.
type Status struct {
	// Filename is the final location of the downloaded file.
	Filename string

	// Size is the number of bytes written.
	Size int64
}

// Downloader downloads files over HTTP.
type Downloader struct {
	transport Transport
	clock     clock.Clock
}

// New returns a Downloader using the given transport. A nil transport
// means a default client; a nil clk means the wall clock.
func New(transport Transport, clk clock.Clock) *Downloader {
	if transport == nil {
		transport = jujuhttp.NewClient(jujuhttp.WithLogger(logger))
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Downloader{transport: transport, clock: clk}
}

// Download fetches req.URL into req.TargetDir, retrying failed
// attempts up to the request's budget.
func (d *Downloader) Download(ctx context.Context, req Request) (Status, error) {
	if req.Attempts == 0 {
		req.Attempts = DefaultAttempts
	}
	if req.Delay == 0 {
		req.Delay = DefaultDelay
	}
	filename, err := targetFilename(req)
	if err != nil {
		return Status{}, errors.Trace(err)
	}

	var status Status
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			status, err = d.downloadOne(ctx, req, filename)
			return err
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Warningf("download attempt %d of %q: %v", attempt, req.URL, lastError)
		},
		Attempts: req.Attempts,
		Delay:    req.Delay,
		Clock:    d.clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return Status{}, errors.Annotatef(err, "cannot download %q", req.URL)
	}
	logger.Infof("downloaded %q to %q (%d bytes)", req.URL, status.Filename, status.Size)
	return status, nil
}

func targetFilename(req Request) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", errors.Annotatef(err, "parsing %q", req.URL)
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return "", errors.NotValidf("download URL %q without a file name", req.URL)
	}
	return filepath.Join(req.TargetDir, base), nil
}

func (d *Downloader) downloadOne(ctx context.Context, req Request, filename string) (Status, error) {
	tmpFile, err := os.CreateTemp(req.TargetDir, "forgeagent-download-")
	if err != nil {
		return Status{}, errors.Trace(err)
	}
	defer func() {
		if tmpFile != nil {
			_ = tmpFile.Close()
			if err := os.Remove(tmpFile.Name()); err != nil {
				logger.Warningf("cannot remove temporary file %q: %v", tmpFile.Name(), err)
			}
		}
	}()

	httpReq, err := http.NewRequestWithContext(ctx, "GET", req.URL, nil)
	if err != nil {
		return Status{}, errors.Trace(err)
	}
	resp, err := d.transport.Do(httpReq)
	if err != nil {
		return Status{}, errors.Trace(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Status{}, errors.Errorf("bad http response %q", resp.Status)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmpFile, hasher), resp.Body)
	if err != nil {
		return Status{}, errors.Trace(err)
	}
	if size == 0 {
		return Status{}, errors.Errorf("%q is empty", req.URL)
	}
	if req.SHA256 != "" {
		if digest := fmt.Sprintf("%x", hasher.Sum(nil)); digest != req.SHA256 {
			return Status{}, errors.Errorf("sha256 mismatch for %q: expected %s, got %s", req.URL, req.SHA256, digest)
		}
	}
	if err := tmpFile.Close(); err != nil {
		return Status{}, errors.Trace(err)
	}
	if err := os.Rename(tmpFile.Name(), filename); err != nil {
		return Status{}, errors.Trace(err)
	}
	// The rename consumed the temporary file.
	tmpFile = nil
	return Status{Filename: filename, Size: size}, nil
}
