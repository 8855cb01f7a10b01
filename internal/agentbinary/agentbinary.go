// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package agentbinary manages the vendor build agent tree: fetching
// the release tarball, unpacking it into the install directory and
// registering the agent with the orchestration service.
package agentbinary

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4/exec"
	"github.com/kballard/go-shellquote"

	"github.com/juju/forgeagent/internal/downloader"
)

var logger = loggo.GetLogger("forgeagent.agentbinary")

// configuredMarker is dropped by the vendor configure script once
// the agent is registered.
const configuredMarker = ".agent"

// tokenEnvVar passes the PAT to the configure script through the
// environment so it never appears in a process listing.
const tokenEnvVar = "FORGE_AGENT_INPUT_TOKEN"

// CommandRunner allows to run commands on the underlying system.
type CommandRunner interface {
	RunCommands(run exec.RunParams) (*exec.ExecResponse, error)
}

// Downloader fetches remote files.
type Downloader interface {
	Download(ctx context.Context, req downloader.Request) (downloader.Status, error)
}

// Download fetches the agent tarball for the configured URL into
// targetDir and returns its location.
func Download(ctx context.Context, dl Downloader, url, targetDir string) (string, error) {
	status, err := dl.Download(ctx, downloader.Request{
		URL:       url,
		TargetDir: targetDir,
	})
	if err != nil {
		return "", errors.Annotate(err, "fetching agent tarball")
	}
	return status.Filename, nil
}

// Unpack extracts the agent tarball into installDir via a temporary
// directory and an atomic rename, so a partial unpack never appears
// at the install path. An existing install tree is replaced.
func Unpack(archive, installDir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = f.Close() }()

	parent := filepath.Dir(installDir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return errors.Trace(err)
	}
	tmpDir, err := os.MkdirTemp(parent, "unpacking-")
	if err != nil {
		return errors.Trace(err)
	}
	defer removeAll(tmpDir)

	zr, err := gzip.NewReader(f)
	if err != nil {
		return errors.Annotatef(err, "reading %q", archive)
	}
	defer func() { _ = zr.Close() }()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Trace(err)
		}
		if !filepath.IsLocal(filepath.FromSlash(hdr.Name)) {
			return errors.Errorf("bad name %q in agent archive", hdr.Name)
		}
		name := filepath.Join(tmpDir, filepath.FromSlash(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(name, os.FileMode(hdr.Mode&0777)); err != nil {
				return errors.Trace(err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
				return errors.Trace(err)
			}
			if err := writeFile(name, os.FileMode(hdr.Mode&0777), tr); err != nil {
				return errors.Annotatef(err, "extracting %q", hdr.Name)
			}
		case tar.TypeSymlink:
			if !linkWithinTree(hdr.Name, hdr.Linkname) {
				return errors.Errorf("bad link %q -> %q in agent archive", hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
				return errors.Trace(err)
			}
			if err := os.Symlink(hdr.Linkname, name); err != nil {
				return errors.Trace(err)
			}
		case tar.TypeXGlobalHeader:
			// Metadata only.
		default:
			return errors.Errorf("bad file type %c in file %q in agent archive", hdr.Typeflag, hdr.Name)
		}
	}

	if err := os.RemoveAll(installDir); err != nil {
		return errors.Trace(err)
	}
	if err := os.Rename(tmpDir, installDir); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("agent unpacked to %s", installDir)
	return nil
}

// linkWithinTree reports whether a symlink's target stays inside the
// unpack tree.
func linkWithinTree(name, linkname string) bool {
	if filepath.IsAbs(linkname) {
		return false
	}
	resolved := filepath.Join(filepath.Dir(filepath.FromSlash(name)), filepath.FromSlash(linkname))
	return filepath.IsLocal(resolved)
}

func removeAll(dir string) {
	err := os.RemoveAll(dir)
	if err == nil || os.IsNotExist(err) {
		return
	}
	logger.Warningf("cannot remove %q: %v", dir, err)
}

func writeFile(name string, mode os.FileMode, r io.Reader) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(f, r)
	return err
}

// Configured reports whether the agent in installDir has already
// been registered.
func Configured(installDir string) bool {
	_, err := os.Stat(filepath.Join(installDir, configuredMarker))
	return err == nil
}

// RegisterParams holds a registration request.
type RegisterParams struct {
	// InstallDir is the unpacked agent tree.
	InstallDir string

	// ServerURL is the orchestration organisation URL.
	ServerURL string

	// PAT authenticates the registration.
	PAT string

	// Pool is the pool the agent joins.
	Pool string

	// Name is the agent name to register.
	Name string

	// WorkDir is the build working directory.
	WorkDir string

	// User is the OS account the configure script runs as.
	User string
}

// Validate checks the params are complete.
func (p RegisterParams) Validate() error {
	if p.InstallDir == "" {
		return errors.NotValidf("missing InstallDir")
	}
	if p.ServerURL == "" {
		return errors.NotValidf("missing ServerURL")
	}
	if p.PAT == "" {
		return errors.NotValidf("missing PAT")
	}
	if p.Pool == "" {
		return errors.NotValidf("missing Pool")
	}
	if p.Name == "" {
		return errors.NotValidf("missing Name")
	}
	if p.WorkDir == "" {
		return errors.NotValidf("missing WorkDir")
	}
	if p.User == "" {
		return errors.NotValidf("missing User")
	}
	return nil
}

// Register runs the vendor configure script as the agent user. The
// --replace flag makes re-registration under the same name converge
// instead of failing.
func Register(ctx context.Context, runner CommandRunner, p RegisterParams) error {
	if err := p.Validate(); err != nil {
		return errors.Trace(err)
	}
	command := strings.Join([]string{
		"runuser", "-u", shellquote.Join(p.User), "--",
		"/bin/bash", "./config.sh",
		"--unattended",
		"--url", shellquote.Join(p.ServerURL),
		"--auth", "pat",
		"--pool", shellquote.Join(p.Pool),
		"--agent", shellquote.Join(p.Name),
		"--work", shellquote.Join(p.WorkDir),
		"--replace",
		"--acceptTeeEula",
	}, " ")

	logger.Infof("registering agent %q in pool %q", p.Name, p.Pool)
	result, err := runner.RunCommands(exec.RunParams{
		Commands:    command,
		WorkingDir:  p.InstallDir,
		Environment: append(os.Environ(), fmt.Sprintf("%s=%s", tokenEnvVar, p.PAT)),
	})
	if err != nil {
		return errors.Trace(err)
	}
	if result.Code != 0 {
		return errors.Errorf("agent registration failed: %s", strings.TrimSpace(string(result.Stderr)))
	}
	return nil
}
