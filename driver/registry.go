// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Constructor takes a config string (optionally empty) and returns a Driver.
type Constructor func(config string) (Driver, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a driver with the given name, and a constructor that takes as input a configuration
// string that is passed along to the driver constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered drivers, sorted.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the driver configuration to use if TIMVX_DRIVER is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// TIMVX_DRIVER is the environment variable with the default driver configuration to use.
//
// The format of config is "<driver_name>:<driver_configuration>", see NewWithConfig.
const TIMVX_DRIVER = "TIMVX_DRIVER"

// New returns a new default Driver.
//
// The default is:
//
// 1. The environment TIMVX_DRIVER is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered driver is used with an empty configuration.
func New() (Driver, error) {
	if config, found := os.LookupEnv(TIMVX_DRIVER); found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// MustNew returns a new default Driver or panics if it fails.
func MustNew() Driver {
	drv, err := New()
	if err != nil {
		panic(err)
	}
	return drv
}

// NewWithConfig creates a driver from a configuration string formatted as "<driver_name>:<driver_configuration>".
//
// The "<driver_name>" is the name of a registered driver (e.g.: "simnpu") and "<driver_configuration>" is
// driver specific, usually a comma-separated list of "key=value" pairs (see ParseOptions).
// If the name is empty, the first registered driver is used.
func NewWithConfig(config string) (Driver, error) {
	muRegistry.Lock()
	if len(registeredConstructors) == 0 {
		muRegistry.Unlock()
		return nil, errors.New(`no registered drivers -- maybe import the reference one with import _ "github.com/gomlx/timvx/driver/simnpu"?`)
	}
	driverName := firstRegistered
	driverConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		driverName = config[:idx]
		driverConfig = config[idx+1:]
	} else if config != "" {
		driverName = config
		driverConfig = ""
	}
	constructor, found := registeredConstructors[driverName]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("can't find driver %q for configuration %q given, registered drivers: %q",
			driverName, config, List())
	}
	klog.V(1).Infof("creating driver %q with configuration %q", driverName, driverConfig)
	drv, err := constructor(driverConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create driver %q with configuration %q", driverName, driverConfig)
	}
	return drv, nil
}

// ParseOptions parses a driver configuration of the form "key1=value1,key2,key3=value3" into a map.
// Keys without a value are mapped to "".
func ParseOptions(config string) map[string]string {
	options := make(map[string]string)
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		options[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return options
}
