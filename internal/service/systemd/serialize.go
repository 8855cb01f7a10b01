// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package systemd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/juju/errors"

	"github.com/juju/forgeagent/internal/service/common"
)

// limitMap maps ulimit resource names onto systemd Limit directives.
var limitMap = map[string]string{
	"as":         "LimitAS",
	"core":       "LimitCORE",
	"cpu":        "LimitCPU",
	"data":       "LimitDATA",
	"fsize":      "LimitFSIZE",
	"memlock":    "LimitMEMLOCK",
	"msgqueue":   "LimitMSGQUEUE",
	"nice":       "LimitNICE",
	"nofile":     "LimitNOFILE",
	"nproc":      "LimitNPROC",
	"rss":        "LimitRSS",
	"rtprio":     "LimitRTPRIO",
	"sigpending": "LimitSIGPENDING",
	"stack":      "LimitSTACK",
}

// serialize renders a service conf as systemd unit text.
func serialize(name string, conf common.Conf) ([]byte, error) {
	if err := conf.Validate(name); err != nil {
		return nil, errors.Trace(err)
	}

	var options []*unit.UnitOption
	options = append(options, unit.NewUnitOption("Unit", "Description", conf.Desc))
	for _, after := range conf.After {
		options = append(options, unit.NewUnitOption("Unit", "After", after))
	}
	for _, wants := range conf.Wants {
		options = append(options, unit.NewUnitOption("Unit", "Wants", wants))
	}

	options = append(options, unit.NewUnitOption("Service", "Type", "simple"))
	if conf.User != "" {
		options = append(options, unit.NewUnitOption("Service", "User", conf.User))
	}
	if conf.WorkingDir != "" {
		options = append(options, unit.NewUnitOption("Service", "WorkingDirectory", conf.WorkingDir))
	}
	if conf.EnvironmentFile != "" {
		options = append(options, unit.NewUnitOption("Service", "EnvironmentFile", conf.EnvironmentFile))
	}
	for _, k := range sortedKeys(conf.Env) {
		options = append(options, unit.NewUnitOption(
			"Service", "Environment", fmt.Sprintf("%q", k+"="+conf.Env[k])))
	}
	for _, k := range sortedKeys(conf.Limit) {
		directive, ok := limitMap[k]
		if !ok {
			return nil, errors.NotValidf("unit limit %q", k)
		}
		options = append(options, unit.NewUnitOption("Service", directive, conf.Limit[k]))
	}
	options = append(options, unit.NewUnitOption("Service", "ExecStart", conf.ExecStart))
	if conf.Restart != "" {
		options = append(options, unit.NewUnitOption("Service", "Restart", conf.Restart))
	}
	if conf.RestartSec != 0 {
		options = append(options, unit.NewUnitOption(
			"Service", "RestartSec", fmt.Sprintf("%d", int(conf.RestartSec/time.Second))))
	}

	options = append(options, unit.NewUnitOption("Install", "WantedBy", "multi-user.target"))

	data, err := io.ReadAll(unit.Serialize(options))
	if err != nil {
		return nil, errors.Annotatef(err, "serializing unit %q", name)
	}
	return data, nil
}

// deserialize parses systemd unit text back into a service conf, so
// an installed unit can be compared with the one about to be written.
func deserialize(data []byte) (common.Conf, error) {
	options, err := unit.Deserialize(strings.NewReader(string(data)))
	if err != nil {
		return common.Conf{}, errors.Annotate(err, "parsing unit text")
	}

	var conf common.Conf
	for _, opt := range options {
		switch opt.Section {
		case "Unit":
			switch opt.Name {
			case "Description":
				conf.Desc = opt.Value
			case "After":
				conf.After = append(conf.After, opt.Value)
			case "Wants":
				conf.Wants = append(conf.Wants, opt.Value)
			}
		case "Service":
			switch opt.Name {
			case "User":
				conf.User = opt.Value
			case "WorkingDirectory":
				conf.WorkingDir = opt.Value
			case "EnvironmentFile":
				conf.EnvironmentFile = opt.Value
			case "Environment":
				if conf.Env == nil {
					conf.Env = make(map[string]string)
				}
				kv := strings.Trim(opt.Value, `"`)
				if k, v, ok := strings.Cut(kv, "="); ok {
					conf.Env[k] = v
				}
			case "ExecStart":
				conf.ExecStart = opt.Value
			case "Restart":
				conf.Restart = opt.Value
			case "RestartSec":
				var secs int
				if _, err := fmt.Sscanf(opt.Value, "%d", &secs); err == nil {
					conf.RestartSec = time.Duration(secs) * time.Second
				}
			default:
				for resource, directive := range limitMap {
					if opt.Name == directive {
						if conf.Limit == nil {
							conf.Limit = make(map[string]string)
						}
						conf.Limit[resource] = opt.Value
					}
				}
			}
		}
	}
	return conf, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
