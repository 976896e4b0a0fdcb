package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ardnew/moondancer/device"
	"github.com/ardnew/moondancer/device/hal"
	"github.com/ardnew/moondancer/pkg"
)

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("log-level", string(pkg.LevelInfo), fmt.Sprintf("Log level to use. Possible values: %s", pkg.AvailableLevels))
	flag.String("log-format", string(pkg.LogFormatJSON), "Log format to use: json or logfmt.")
	flag.String("listen", ":8080", "The address at which to listen for health and metrics.")
	flag.Bool("pprof", false, "Serve runtime profiles under /debug/pprof/ on the health and metrics listener.")
	flag.String("rpc-listen", "127.0.0.1:5220", "The address at which to serve the host tool's verbs.")
	flag.String("bus-listen", "", "The address at which to accept a host model's bus connection. Empty disables it.")
	flag.String("bus-dir", "", "Directory in which to create the host model's named pipes. Empty disables them.")
	flag.Bool("connect", false, "Attach to the bus at startup instead of waiting for the connect verb.")
	flag.String("speed", "high", "Bus speed used by --connect: high, full or low.")
	flag.Uint16("max-packet-size0", 0, "EP0 max packet size used by --connect; 0 takes it from the device descriptor.")
	flag.Bool("synchronous-set-address", false, "Wait for the SET_ADDRESS status stage before applying the address.")
	flag.Duration("address-timeout", device.DefaultAddressTimeout, "Bound on the synchronous SET_ADDRESS wait.")
	flag.Duration("write-timeout", device.DefaultWriteTimeout, "Bound on each wait for an IN FIFO to drain.")
	flag.Duration("poll-interval", device.DefaultPollInterval, "Interval at which busy flags and the interrupt line are polled.")
	flag.Int("queue-depth", device.EventQueueDepth, "Capacity of the interrupt event queue.")
	flag.Bool("lazy-setup", false, "Leave SETUP bytes in the FIFO until the main loop handles them.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return errors.Wrap(err, "failed to bind config")
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/moondancer/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("moondancer")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errors.Wrap(err, "failed to read config file")
		}
	}

	return nil
}

// parseSpeed maps a speed name to its register encoding.
func parseSpeed(s string) (hal.Speed, error) {
	switch strings.ToLower(s) {
	case "high", "hs":
		return hal.SpeedHigh, nil
	case "full", "fs":
		return hal.SpeedFull, nil
	case "low", "ls":
		return hal.SpeedLow, nil
	}
	return 0, errors.Wrapf(pkg.ErrInvalidParameter, "speed %q; possible values are: high, full, low", s)
}

// getDescriptors builds the descriptor table from the "descriptors" section.
// Without one the stack leaves every control request to the host tool.
func getDescriptors(v *viper.Viper) (*device.Descriptors, error) {
	raw := v.Get("descriptors")
	if raw == nil {
		return nil, nil
	}
	table, err := device.DecodeDescriptorTable(raw)
	if err != nil {
		return nil, err
	}
	d, err := table.Descriptors()
	if err != nil {
		return nil, errors.Wrap(err, "invalid descriptor table")
	}
	return d, nil
}

// stackOptions collects the stack tuning from v.
func stackOptions(v *viper.Viper) device.Options {
	return device.Options{
		SynchronousSetAddress: v.GetBool("synchronous-set-address"),
		AddressTimeout:        durationOr(v.GetDuration("address-timeout"), device.DefaultAddressTimeout),
		WriteTimeout:          durationOr(v.GetDuration("write-timeout"), device.DefaultWriteTimeout),
		PollInterval:          durationOr(v.GetDuration("poll-interval"), device.DefaultPollInterval),
		QueueDepth:            v.GetInt("queue-depth"),
		LazySetup:             v.GetBool("lazy-setup"),
	}
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
