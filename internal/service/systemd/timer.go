// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package systemd

import (
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/juju/errors"
)

// TimerConf describes a periodic job: a oneshot service unit plus the
// timer unit that fires it.
type TimerConf struct {
	// Desc describes the job.
	Desc string

	// ExecStart is the command the job runs on each firing.
	ExecStart string

	// OnBootSec delays the first firing after boot.
	OnBootSec time.Duration

	// OnUnitActiveSec is the interval between firings.
	OnUnitActiveSec time.Duration
}

// Validate checks the conf is complete enough to install.
func (c TimerConf) Validate(name string) error {
	if name == "" {
		return errors.NotValidf("missing timer name")
	}
	if c.Desc == "" {
		return errors.NotValidf("missing Desc in timer conf for %q", name)
	}
	if c.ExecStart == "" {
		return errors.NotValidf("missing ExecStart in timer conf for %q", name)
	}
	if c.OnUnitActiveSec <= 0 {
		return errors.NotValidf("timer %q interval %v", name, c.OnUnitActiveSec)
	}
	return nil
}

// Timer installs and controls a {name}.service/{name}.timer pair.
type Timer struct {
	name    string
	conf    TimerConf
	dirName string

	fileOps FileSystemOps
	newDBus DBusAPIFactory
}

// NewTimerWithDefaults returns a timer backed by the running systemd
// instance and the real filesystem.
func NewTimerWithDefaults(name string, conf TimerConf) (*Timer, error) {
	return NewTimer(name, conf, EtcSystemdDir, NewDBusAPI, fileSystemOps{})
}

// NewTimer returns a timer with explicit dependencies.
func NewTimer(name string, conf TimerConf, dirName string, newDBus DBusAPIFactory, fileOps FileSystemOps) (*Timer, error) {
	if err := conf.Validate(name); err != nil {
		return nil, errors.Trace(err)
	}
	return &Timer{
		name:    name,
		conf:    conf,
		dirName: dirName,
		fileOps: fileOps,
		newDBus: newDBus,
	}, nil
}

// Name returns the timer name.
func (t *Timer) Name() string {
	return t.name
}

func (t *Timer) serviceUnitText() ([]byte, error) {
	options := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", t.conf.Desc),
		unit.NewUnitOption("Service", "Type", "oneshot"),
		unit.NewUnitOption("Service", "ExecStart", t.conf.ExecStart),
	}
	data, err := io.ReadAll(unit.Serialize(options))
	return data, errors.Trace(err)
}

func (t *Timer) timerUnitText() ([]byte, error) {
	options := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", t.conf.Desc+" timer"),
	}
	if t.conf.OnBootSec > 0 {
		options = append(options, unit.NewUnitOption(
			"Timer", "OnBootSec", seconds(t.conf.OnBootSec)))
	}
	options = append(options,
		unit.NewUnitOption("Timer", "OnUnitActiveSec", seconds(t.conf.OnUnitActiveSec)),
		unit.NewUnitOption("Timer", "Persistent", "true"),
		unit.NewUnitOption("Install", "WantedBy", "timers.target"),
	)
	data, err := io.ReadAll(unit.Serialize(options))
	return data, errors.Trace(err)
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%ds", int(d/time.Second))
}

func (t *Timer) servicePath() string {
	return path.Join(t.dirName, t.name+".service")
}

func (t *Timer) timerPath() string {
	return path.Join(t.dirName, t.name+".timer")
}

// Install writes both units, then links, enables and starts the
// timer unit. Re-installing an unchanged pair is a no-op.
func (t *Timer) Install() error {
	serviceText, err := t.serviceUnitText()
	if err != nil {
		return errors.Trace(err)
	}
	timerText, err := t.timerUnitText()
	if err != nil {
		return errors.Trace(err)
	}

	same, err := t.installedMatches(serviceText, timerText)
	if err != nil {
		return errors.Trace(err)
	}
	if same {
		logger.Debugf("timer %q already installed", t.name)
		return nil
	}

	if err := t.fileOps.WriteFile(t.servicePath(), serviceText, 0644); err != nil {
		return errors.Annotatef(err, "writing unit file %q", t.servicePath())
	}
	if err := t.fileOps.WriteFile(t.timerPath(), timerText, 0644); err != nil {
		return errors.Annotatef(err, "writing unit file %q", t.timerPath())
	}

	if !IsRunning() {
		return nil
	}

	conn, err := t.newDBus()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	const runtime, force = false, true
	if _, err := conn.LinkUnitFiles([]string{t.servicePath(), t.timerPath()}, runtime, force); err != nil {
		return errors.Annotate(err, "dbus link request failed")
	}
	if err := conn.Reload(); err != nil {
		return errors.Annotate(err, "dbus post-link daemon reload request failed")
	}
	if _, _, err := conn.EnableUnitFiles([]string{t.timerPath()}, runtime, force); err != nil {
		return errors.Annotate(err, "dbus enable request failed")
	}
	logger.Infof("timer %q installed", t.name)
	return nil
}

func (t *Timer) installedMatches(serviceText, timerText []byte) (bool, error) {
	installedService, err := t.fileOps.ReadFile(t.servicePath())
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, errors.Trace(err)
	}
	installedTimer, err := t.fileOps.ReadFile(t.timerPath())
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, errors.Trace(err)
	}
	return string(installedService) == string(serviceText) &&
		string(installedTimer) == string(timerText), nil
}

// Start starts the timer unit.
func (t *Timer) Start() error {
	conn, err := t.newDBus()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	units, err := conn.ListUnits()
	if err != nil {
		return errors.Annotatef(err, "listing units for %q", t.name)
	}
	timerUnit := t.name + ".timer"
	for _, u := range units {
		if u.Name == timerUnit && u.ActiveState == "active" {
			logger.Debugf("timer %q already running", t.name)
			return nil
		}
	}

	statusCh := make(chan string)
	if _, err := conn.StartUnit(timerUnit, "fail", statusCh); err != nil {
		return errors.Annotate(err, "dbus start request failed")
	}
	if err := waitStatus("start", statusCh); err != nil {
		return errors.Annotatef(err, "starting timer %q", t.name)
	}
	logger.Infof("timer %q started", t.name)
	return nil
}
