// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package toolchain installs the build tooling jobs expect on the
// machine: Terraform and the cloud vendor CLI. Installers probe for
// an existing install first so provisioning re-runs converge instead
// of re-downloading.
package toolchain

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4/exec"
	"github.com/juju/version/v2"

	"github.com/juju/forgeagent/internal/downloader"
)

var logger = loggo.GetLogger("forgeagent.toolchain")

// DefaultTerraformReleases is where Terraform release archives and
// their digests are published.
const DefaultTerraformReleases = "https://releases.hashicorp.com/terraform"

// DefaultBinDir is where single-binary tools are installed.
const DefaultBinDir = "/usr/local/bin"

// CommandRunner allows to run commands on the underlying system.
type CommandRunner interface {
	RunCommands(run exec.RunParams) (*exec.ExecResponse, error)
}

// Downloader fetches remote files.
type Downloader interface {
	Download(ctx context.Context, req downloader.Request) (downloader.Status, error)
}

// TerraformArgs configures a Terraform install.
type TerraformArgs struct {
	// Version is the release to install.
	Version version.Number

	// Downloader fetches the archive and its digest file.
	Downloader Downloader

	// Runner probes for an existing install.
	Runner CommandRunner

	// BinDir is where the binary lands; empty means DefaultBinDir.
	BinDir string

	// ReleasesBase overrides the release archive location; empty
	// means DefaultTerraformReleases.
	ReleasesBase string
}

// InstallTerraform downloads, verifies and installs the pinned
// Terraform release. An already installed matching version is left
// alone.
func InstallTerraform(ctx context.Context, args TerraformArgs) error {
	if args.BinDir == "" {
		args.BinDir = DefaultBinDir
	}
	if args.ReleasesBase == "" {
		args.ReleasesBase = DefaultTerraformReleases
	}
	binary := filepath.Join(args.BinDir, "terraform")

	if installedTerraformMatches(args.Runner, binary, args.Version) {
		logger.Infof("terraform %s already installed, skipping", args.Version)
		return nil
	}

	tmpDir, err := os.MkdirTemp("", "forgeagent-terraform-")
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	archiveName := fmt.Sprintf("terraform_%s_linux_amd64.zip", args.Version)
	base := fmt.Sprintf("%s/%s", strings.TrimRight(args.ReleasesBase, "/"), args.Version)

	sums, err := args.Downloader.Download(ctx, downloader.Request{
		URL:       fmt.Sprintf("%s/terraform_%s_SHA256SUMS", base, args.Version),
		TargetDir: tmpDir,
	})
	if err != nil {
		return errors.Annotate(err, "fetching terraform digests")
	}
	digest, err := digestFor(sums.Filename, archiveName)
	if err != nil {
		return errors.Trace(err)
	}

	archive, err := args.Downloader.Download(ctx, downloader.Request{
		URL:       base + "/" + archiveName,
		TargetDir: tmpDir,
		SHA256:    digest,
	})
	if err != nil {
		return errors.Annotate(err, "fetching terraform archive")
	}

	if err := unzipBinary(archive.Filename, "terraform", binary); err != nil {
		return errors.Annotate(err, "unpacking terraform archive")
	}
	logger.Infof("terraform %s installed to %s", args.Version, binary)
	return nil
}

// installedTerraformMatches probes `terraform version`; any failure
// just means a fresh install is needed.
func installedTerraformMatches(runner CommandRunner, binary string, want version.Number) bool {
	result, err := runner.RunCommands(exec.RunParams{
		Commands: binary + " version",
	})
	if err != nil || result.Code != 0 {
		return false
	}
	// First line looks like "Terraform v1.6.6".
	line, _, _ := strings.Cut(string(result.Stdout), "\n")
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return false
	}
	installed, err := version.Parse(strings.TrimPrefix(fields[1], "v"))
	if err != nil {
		return false
	}
	return installed == want
}

// digestFor extracts the hex digest for one file from a SHA256SUMS
// listing.
func digestFor(sumsFile, name string) (string, error) {
	data, err := os.ReadFile(sumsFile)
	if err != nil {
		return "", errors.Trace(err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == name {
			return fields[0], nil
		}
	}
	return "", errors.NotFoundf("digest for %q", name)
}

// unzipBinary extracts a single named file from a zip archive to
// target with execute permissions, via a temporary file and rename.
func unzipBinary(archive, name, target string) error {
	reader, err := zip.OpenReader(archive)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = reader.Close() }()

	for _, f := range reader.File {
		if f.Name != name {
			continue
		}
		src, err := f.Open()
		if err != nil {
			return errors.Trace(err)
		}
		defer func() { _ = src.Close() }()

		tmp, err := os.CreateTemp(filepath.Dir(target), "."+name+"-")
		if err != nil {
			return errors.Trace(err)
		}
		if _, err := io.Copy(tmp, src); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return errors.Trace(err)
		}
		if err := tmp.Chmod(0755); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return errors.Trace(err)
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmp.Name())
			return errors.Trace(err)
		}
		return errors.Trace(os.Rename(tmp.Name(), target))
	}
	return errors.NotFoundf("%q in archive %q", name, archive)
}
