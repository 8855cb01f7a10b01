// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package systemd installs and controls the services the provisioner
// leaves behind: the build agent unit and the prune timer pair. Units
// are written to /etc/systemd/system and managed over the dbus API.
package systemd

import (
	"os"
	"path"
	"reflect"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/util"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/forgeagent/internal/service/common"
)

var logger = loggo.GetLogger("forgeagent.service.systemd")

// EtcSystemdDir is where unit files are written.
const EtcSystemdDir = "/etc/systemd/system"

// IsRunning returns whether or not systemd is the local init system.
func IsRunning() bool {
	return isRunning()
}

// For testing.
var isRunning = util.IsRunningSystemd

// DBusAPI is the slice of the systemd dbus connection the package
// uses; it exists so tests can substitute a stub.
type DBusAPI interface {
	Close()
	ListUnits() ([]dbus.UnitStatus, error)
	StartUnit(name, mode string, ch chan<- string) (int, error)
	StopUnit(name, mode string, ch chan<- string) (int, error)
	LinkUnitFiles(files []string, runtime, force bool) ([]dbus.LinkUnitFileChange, error)
	EnableUnitFiles(files []string, runtime, force bool) (bool, []dbus.EnableUnitFileChange, error)
	DisableUnitFiles(files []string, runtime bool) ([]dbus.DisableUnitFileChange, error)
	Reload() error
}

// DBusAPIFactory opens a dbus connection.
type DBusAPIFactory = func() (DBusAPI, error)

// NewDBusAPI connects to the running systemd instance.
var NewDBusAPI = func() (DBusAPI, error) {
	return dbus.New()
}

// FileSystemOps is the slice of the filesystem the package uses.
type FileSystemOps interface {
	WriteFile(name string, data []byte, perm os.FileMode) error
	ReadFile(name string) ([]byte, error)
	Remove(name string) error
}

type fileSystemOps struct{}

func (fileSystemOps) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (fileSystemOps) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

func (fileSystemOps) Remove(name string) error {
	return os.Remove(name)
}

// Service provides visibility into and control over a systemd
// service.
type Service struct {
	name     string
	conf     common.Conf
	unitName string
	dirName  string

	fileOps FileSystemOps
	newDBus DBusAPIFactory
}

// NewServiceWithDefaults returns a service backed by the running
// systemd instance and the real filesystem.
func NewServiceWithDefaults(name string, conf common.Conf) (*Service, error) {
	return NewService(name, conf, EtcSystemdDir, NewDBusAPI, fileSystemOps{})
}

// NewService returns a service with explicit dependencies.
func NewService(name string, conf common.Conf, dirName string, newDBus DBusAPIFactory, fileOps FileSystemOps) (*Service, error) {
	if err := conf.Validate(name); err != nil {
		return nil, errors.Trace(err)
	}
	return &Service{
		name:     name,
		conf:     conf,
		unitName: name + ".service",
		dirName:  dirName,
		fileOps:  fileOps,
		newDBus:  newDBus,
	}, nil
}

// Name returns the service name.
func (s *Service) Name() string {
	return s.name
}

// Conf returns the service definition.
func (s *Service) Conf() common.Conf {
	return s.conf
}

func (s *Service) unitPath() string {
	return path.Join(s.dirName, s.unitName)
}

// Installed reports whether a unit file exists for the service,
// whatever its content.
func (s *Service) Installed() (bool, error) {
	_, err := s.fileOps.ReadFile(s.unitPath())
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, errors.Annotatef(err, "reading unit file for %q", s.name)
	}
	return true, nil
}

// Exists reports whether the installed unit matches the conf the
// service would write.
func (s *Service) Exists() (bool, error) {
	data, err := s.fileOps.ReadFile(s.unitPath())
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, errors.Annotatef(err, "reading unit file for %q", s.name)
	}
	installed, err := deserialize(data)
	if err != nil {
		return false, errors.Trace(err)
	}
	target, err := deserialize(mustSerialize(s.name, s.conf))
	if err != nil {
		return false, errors.Trace(err)
	}
	return reflect.DeepEqual(installed, target), nil
}

func mustSerialize(name string, conf common.Conf) []byte {
	// The conf was validated at construction time.
	data, err := serialize(name, conf)
	if err != nil {
		panic(err)
	}
	return data
}

// Running reports whether the service is loaded and active.
func (s *Service) Running() (bool, error) {
	conn, err := s.newDBus()
	if err != nil {
		return false, errors.Trace(err)
	}
	defer conn.Close()

	units, err := conn.ListUnits()
	if err != nil {
		return false, errors.Annotatef(err, "listing units for %q", s.name)
	}
	for _, u := range units {
		if u.Name == s.unitName {
			return u.LoadState == "loaded" && u.ActiveState == "active", nil
		}
	}
	return false, nil
}

// Install writes, links and enables the unit. Installing the same
// conf twice is a no-op; a changed conf stops and replaces the old
// unit.
func (s *Service) Install() error {
	err := s.install()
	if errors.Is(err, errors.AlreadyExists) {
		logger.Debugf("service %q already installed", s.name)
		return nil
	} else if err != nil {
		return errors.Annotatef(err, "installing service %q", s.name)
	}
	logger.Infof("service %q installed", s.name)
	return nil
}

func (s *Service) install() error {
	installed, err := s.Installed()
	if err != nil {
		return errors.Trace(err)
	}
	if installed {
		same, err := s.Exists()
		if err != nil {
			return errors.Trace(err)
		}
		if same {
			return errors.AlreadyExistsf("service %s", s.name)
		}
		// An old copy may be running, stop it before replacing.
		if err := s.Stop(); err != nil {
			return errors.Annotate(err, "stopping old service")
		}
		if err := s.Remove(); err != nil {
			return errors.Annotate(err, "removing old service")
		}
	}
	return errors.Trace(s.writeService())
}

func (s *Service) writeService() error {
	data, err := serialize(s.name, s.conf)
	if err != nil {
		return errors.Trace(err)
	}
	filename := s.unitPath()
	if err := s.fileOps.WriteFile(filename, data, 0644); err != nil {
		return errors.Annotatef(err, "writing unit file %q", filename)
	}

	// If systemd is not the running init system, just leave the
	// file in place.
	if !IsRunning() {
		return nil
	}

	conn, err := s.newDBus()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	const runtime, force = false, true
	if _, err := conn.LinkUnitFiles([]string{filename}, runtime, force); err != nil {
		return errors.Annotate(err, "dbus link request failed")
	}
	if err := conn.Reload(); err != nil {
		return errors.Annotate(err, "dbus post-link daemon reload request failed")
	}
	if _, _, err := conn.EnableUnitFiles([]string{filename}, runtime, force); err != nil {
		return errors.Annotate(err, "dbus enable request failed")
	}
	return nil
}

// Start starts the service; starting a running service is a no-op.
func (s *Service) Start() error {
	err := s.start()
	if errors.Is(err, errors.AlreadyExists) {
		logger.Debugf("service %q already running", s.name)
		return nil
	} else if err != nil {
		return errors.Annotatef(err, "starting service %q", s.name)
	}
	logger.Infof("service %q started", s.name)
	return nil
}

func (s *Service) start() error {
	installed, err := s.Installed()
	if err != nil {
		return errors.Trace(err)
	}
	if !installed {
		return errors.NotFoundf("service %s", s.name)
	}
	running, err := s.Running()
	if err != nil {
		return errors.Trace(err)
	}
	if running {
		return errors.AlreadyExistsf("running service %s", s.name)
	}

	conn, err := s.newDBus()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	statusCh := make(chan string)
	if _, err := conn.StartUnit(s.unitName, "fail", statusCh); err != nil {
		return errors.Annotate(err, "dbus start request failed")
	}
	return errors.Trace(waitStatus("start", statusCh))
}

// Stop stops the service; stopping a stopped service is a no-op.
func (s *Service) Stop() error {
	err := s.stop()
	if errors.Is(err, errors.NotFound) {
		logger.Debugf("service %q not running", s.name)
		return nil
	} else if err != nil {
		return errors.Annotatef(err, "stopping service %q", s.name)
	}
	logger.Infof("service %q stopped", s.name)
	return nil
}

func (s *Service) stop() error {
	running, err := s.Running()
	if err != nil {
		return errors.Trace(err)
	}
	if !running {
		return errors.NotFoundf("running service %s", s.name)
	}

	conn, err := s.newDBus()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	statusCh := make(chan string)
	if _, err := conn.StopUnit(s.unitName, "fail", statusCh); err != nil {
		return errors.Annotate(err, "dbus stop request failed")
	}
	return errors.Trace(waitStatus("stop", statusCh))
}

func waitStatus(op string, statusCh chan string) error {
	status := <-statusCh
	if status != "done" {
		return errors.Errorf("failed to %s (API status %q)", op, status)
	}
	return nil
}

// Remove disables the unit and deletes its file; removing a missing
// service is a no-op.
func (s *Service) Remove() error {
	err := s.remove()
	if errors.Is(err, errors.NotFound) {
		logger.Debugf("service %q not installed", s.name)
		return nil
	} else if err != nil {
		return errors.Annotatef(err, "removing service %q", s.name)
	}
	logger.Infof("service %q removed", s.name)
	return nil
}

func (s *Service) remove() error {
	installed, err := s.Installed()
	if err != nil {
		return errors.Trace(err)
	}
	if !installed {
		return errors.NotFoundf("service %s", s.name)
	}

	conn, err := s.newDBus()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	if _, err := conn.DisableUnitFiles([]string{s.unitName}, false); err != nil {
		return errors.Annotate(err, "dbus disable request failed")
	}
	if err := conn.Reload(); err != nil {
		return errors.Annotate(err, "dbus post-disable daemon reload request failed")
	}
	if err := s.fileOps.Remove(s.unitPath()); err != nil {
		return errors.Annotatef(err, "deleting unit file for %q", s.name)
	}
	return nil
}
