// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package toolchain

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/juju/utils/v4/exec"

	"github.com/juju/forgeagent/internal/packaging"
)

const (
	azureCLIPackage = "azure-cli"
	azureCLIKeyURL  = "https://packages.microsoft.com/keys/microsoft.asc"
	azureCLIRepo    = "https://packages.microsoft.com/repos/azure-cli/"
)

// PackageManager is the slice of the apt manager the CLI installer
// uses.
type PackageManager interface {
	AddRepository(repo packaging.Repository) error
	Install(packages ...string) error
}

// AzureCLIArgs configures a vendor CLI install.
type AzureCLIArgs struct {
	// Packages installs the vendor repository and package.
	Packages PackageManager

	// Runner probes for an existing install.
	Runner CommandRunner

	// Series is the Ubuntu series codename the repository entry is
	// written for, for example "jammy".
	Series string
}

// InstallAzureCLI installs the vendor cloud CLI from its apt
// repository. An existing working install is left alone.
func InstallAzureCLI(args AzureCLIArgs) error {
	if args.Series == "" {
		return errors.NotValidf("empty series")
	}

	result, err := args.Runner.RunCommands(exec.RunParams{Commands: "az version"})
	if err == nil && result.Code == 0 {
		logger.Infof("azure-cli already installed, skipping")
		return nil
	}

	err = args.Packages.AddRepository(packaging.Repository{
		Name:   azureCLIPackage,
		KeyURL: azureCLIKeyURL,
		Entry: fmt.Sprintf("deb [arch=amd64 signed-by=%s] %s %s main",
			packaging.KeyringPath(azureCLIPackage), azureCLIRepo, args.Series),
	})
	if err != nil {
		return errors.Annotate(err, "adding azure-cli repository")
	}
	if err := args.Packages.Install(azureCLIPackage); err != nil {
		return errors.Annotate(err, "installing azure-cli")
	}
	logger.Infof("azure-cli installed")
	return nil
}
