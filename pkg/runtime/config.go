package runtime

import (
	"os"

	"github.com/gomlx/tilegrid/pkg/device"
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config of a runtime Context, usually read from a yaml file:
//
//	num_devices: 1
//	program_cache: true
//	device:
//	  name: grid4x4
//	  grid_x: 4
//	  ...
//	budgets:
//	  scratch_tiles: 400
//	  ...
//
// Fields not present in the file keep their default values.
type Config struct {
	NumDevices   int               `yaml:"num_devices" json:"num_devices"`
	ProgramCache bool              `yaml:"program_cache" json:"program_cache"`
	Device       device.Config     `yaml:"device" json:"device"`
	Budgets      partition.Budgets `yaml:"budgets" json:"budgets"`
}

// DefaultConfig is one device with the default configuration, and the program cache disabled.
func DefaultConfig() Config {
	return Config{
		NumDevices: 1,
		Device:     device.DefaultConfig(),
		Budgets:    partition.DefaultBudgets(),
	}
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.NumDevices <= 0 {
		return errors.Errorf("runtime config: num_devices must be > 0, got %d", c.NumDevices)
	}
	if err := c.Device.Validate(); err != nil {
		return err
	}
	return c.Budgets.Validate()
}

// ParseConfig parses a yaml configuration on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, errors.Wrap(err, "failed to parse runtime config")
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// LoadConfig reads the yaml configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), errors.Wrapf(err, "failed to read runtime config from %q", path)
	}
	config, err := ParseConfig(data)
	if err != nil {
		return config, errors.WithMessagef(err, "config file %q", path)
	}
	return config, nil
}

// Marshal returns the configuration as yaml.
func (c Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	return data, errors.Wrap(err, "failed to marshal runtime config")
}
