// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package toolchain_test

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/utils/v4/exec"
	"github.com/juju/version/v2"
	gc "gopkg.in/check.v1"

	"github.com/juju/forgeagent/internal/downloader"
	"github.com/juju/forgeagent/internal/toolchain"
)

type terraformSuite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&terraformSuite{})

type fakeRunner struct {
	commands []string
	response *exec.ExecResponse
	err      error
}

func (r *fakeRunner) RunCommands(params exec.RunParams) (*exec.ExecResponse, error) {
	r.commands = append(r.commands, params.Commands)
	if r.response == nil {
		return &exec.ExecResponse{Code: 127}, r.err
	}
	return r.response, r.err
}

// fakeDownloader serves canned files keyed by URL base name.
type fakeDownloader struct {
	files    map[string][]byte
	requests []downloader.Request
}

func (d *fakeDownloader) Download(ctx context.Context, req downloader.Request) (downloader.Status, error) {
	d.requests = append(d.requests, req)
	name := req.URL[strings.LastIndex(req.URL, "/")+1:]
	content, ok := d.files[name]
	if !ok {
		return downloader.Status{}, errors.NotFoundf("%q", req.URL)
	}
	if req.SHA256 != "" {
		if digest := fmt.Sprintf("%x", sha256.Sum256(content)); digest != req.SHA256 {
			return downloader.Status{}, errors.Errorf("sha256 mismatch for %q", req.URL)
		}
	}
	filename := filepath.Join(req.TargetDir, name)
	if err := os.WriteFile(filename, content, 0644); err != nil {
		return downloader.Status{}, err
	}
	return downloader.Status{Filename: filename, Size: int64(len(content))}, nil
}

func terraformZip(c *gc.C, binary []byte) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("terraform")
	c.Assert(err, jc.ErrorIsNil)
	_, err = w.Write(binary)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(zw.Close(), jc.ErrorIsNil)
	return buf.Bytes()
}

func (s *terraformSuite) TestInstall(c *gc.C) {
	binary := []byte("#!/bin/true\n")
	archive := terraformZip(c, binary)
	archiveName := "terraform_1.6.6_linux_amd64.zip"
	sums := fmt.Sprintf("%x  %s\n%x  terraform_1.6.6_darwin_amd64.zip\n",
		sha256.Sum256(archive), archiveName, sha256.Sum256([]byte("other")))

	binDir := c.MkDir()
	dl := &fakeDownloader{files: map[string][]byte{
		archiveName:                  archive,
		"terraform_1.6.6_SHA256SUMS": []byte(sums),
	}}
	runner := &fakeRunner{}

	err := toolchain.InstallTerraform(context.Background(), toolchain.TerraformArgs{
		Version:    version.MustParse("1.6.6"),
		Downloader: dl,
		Runner:     runner,
		BinDir:     binDir,
	})
	c.Assert(err, jc.ErrorIsNil)

	installed, err := os.ReadFile(filepath.Join(binDir, "terraform"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(installed, gc.DeepEquals, binary)
	info, err := os.Stat(filepath.Join(binDir, "terraform"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(info.Mode().Perm(), gc.Equals, os.FileMode(0755))

	// The archive download carried the digest from the sums file.
	c.Assert(dl.requests, gc.HasLen, 2)
	c.Check(dl.requests[1].SHA256, gc.Equals, fmt.Sprintf("%x", sha256.Sum256(archive)))
}

func (s *terraformSuite) TestInstallSkipsMatchingVersion(c *gc.C) {
	runner := &fakeRunner{response: &exec.ExecResponse{
		Code:   0,
		Stdout: []byte("Terraform v1.6.6\non linux_amd64\n"),
	}}
	dl := &fakeDownloader{}

	err := toolchain.InstallTerraform(context.Background(), toolchain.TerraformArgs{
		Version:    version.MustParse("1.6.6"),
		Downloader: dl,
		Runner:     runner,
		BinDir:     c.MkDir(),
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(dl.requests, gc.HasLen, 0)
}

func (s *terraformSuite) TestInstallReplacesOtherVersion(c *gc.C) {
	binary := []byte("new binary")
	archive := terraformZip(c, binary)
	archiveName := "terraform_1.6.6_linux_amd64.zip"
	sums := fmt.Sprintf("%x  %s\n", sha256.Sum256(archive), archiveName)

	binDir := c.MkDir()
	runner := &fakeRunner{response: &exec.ExecResponse{
		Code:   0,
		Stdout: []byte("Terraform v1.5.0\n"),
	}}
	dl := &fakeDownloader{files: map[string][]byte{
		archiveName:                  archive,
		"terraform_1.6.6_SHA256SUMS": []byte(sums),
	}}

	err := toolchain.InstallTerraform(context.Background(), toolchain.TerraformArgs{
		Version:    version.MustParse("1.6.6"),
		Downloader: dl,
		Runner:     runner,
		BinDir:     binDir,
	})
	c.Assert(err, jc.ErrorIsNil)
	installed, err := os.ReadFile(filepath.Join(binDir, "terraform"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(installed, gc.DeepEquals, binary)
}

func (s *terraformSuite) TestInstallMissingDigest(c *gc.C) {
	dl := &fakeDownloader{files: map[string][]byte{
		"terraform_1.6.6_SHA256SUMS": []byte("deadbeef  terraform_1.6.6_darwin_amd64.zip\n"),
	}}
	err := toolchain.InstallTerraform(context.Background(), toolchain.TerraformArgs{
		Version:    version.MustParse("1.6.6"),
		Downloader: dl,
		Runner:     &fakeRunner{},
		BinDir:     c.MkDir(),
	})
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}
