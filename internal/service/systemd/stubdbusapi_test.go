// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package systemd_test

import (
	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/juju/testing"
)

type stubDBusAPI struct {
	*testing.Stub

	Units []dbus.UnitStatus
}

func (s *stubDBusAPI) AddUnit(name, load, active string) {
	s.Units = append(s.Units, dbus.UnitStatus{
		Name:        name,
		LoadState:   load,
		ActiveState: active,
	})
}

func (s *stubDBusAPI) ListUnits() ([]dbus.UnitStatus, error) {
	s.Stub.AddCall("ListUnits")
	return s.Units, s.NextErr()
}

func (s *stubDBusAPI) StartUnit(name, mode string, ch chan<- string) (int, error) {
	s.Stub.AddCall("StartUnit", name, mode)
	err := s.NextErr()
	if err == nil {
		go func() { ch <- "done" }()
	}
	return 0, err
}

func (s *stubDBusAPI) StopUnit(name, mode string, ch chan<- string) (int, error) {
	s.Stub.AddCall("StopUnit", name, mode)
	err := s.NextErr()
	if err == nil {
		go func() { ch <- "done" }()
	}
	return 0, err
}

func (s *stubDBusAPI) LinkUnitFiles(files []string, runtime, force bool) ([]dbus.LinkUnitFileChange, error) {
	s.Stub.AddCall("LinkUnitFiles", files, runtime, force)
	return nil, s.NextErr()
}

func (s *stubDBusAPI) EnableUnitFiles(files []string, runtime, force bool) (bool, []dbus.EnableUnitFileChange, error) {
	s.Stub.AddCall("EnableUnitFiles", files, runtime, force)
	return true, nil, s.NextErr()
}

func (s *stubDBusAPI) DisableUnitFiles(files []string, runtime bool) ([]dbus.DisableUnitFileChange, error) {
	s.Stub.AddCall("DisableUnitFiles", files, runtime)
	return nil, s.NextErr()
}

func (s *stubDBusAPI) Reload() error {
	s.Stub.AddCall("Reload")
	return s.NextErr()
}

func (s *stubDBusAPI) Close() {
	s.Stub.AddCall("Close")
	s.NextErr()
}
