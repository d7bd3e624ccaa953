/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package options

import (
	"flag"
	"os"

	"go.uber.org/multierr"

	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/env"
)

// Options for running this binary.
type Options struct {
	*flag.FlagSet

	ConfigFile  string
	StoragePath string
	Region      string
	Profile     string
	Endpoint    string
	AdminPort   int
	LogLevel    string
	DryRun      bool
}

// New creates an Options struct and registers CLI flags and environment
// variables to fill in the fields.
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("resource-broker", flag.ContinueOnError)
	opts.FlagSet = f

	f.StringVar(&opts.ConfigFile, "config", env.WithDefaultString("BROKER_CONFIG", ""), "Path to the broker TOML configuration file")
	f.StringVar(&opts.StoragePath, "storage-path", env.WithDefaultString("BROKER_STORAGE_PATH", ""), "Overrides the storage path from the configuration file")
	f.StringVar(&opts.Region, "region", env.WithDefaultString("AWS_REGION", ""), "AWS region, defaults to the SDK resolution chain")
	f.StringVar(&opts.Profile, "profile", env.WithDefaultString("AWS_PROFILE", ""), "AWS shared configuration profile")
	f.StringVar(&opts.Endpoint, "endpoint", env.WithDefaultString("AWS_ENDPOINT_URL", ""), "Overrides every AWS service endpoint, for localstack style testing")
	f.IntVar(&opts.AdminPort, "admin-port", env.WithDefaultInt("BROKER_ADMIN_PORT", 8080), "The port the metrics and health endpoints bind to in serve mode")
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("BROKER_LOG_LEVEL", "info"), "Log level, one of debug, info, warn or error")
	f.BoolVar(&opts.DryRun, "dry-run", env.WithDefaultBool("BROKER_DRY_RUN", false), "Skip mutating cloud calls while running the full in process flow")
	return opts
}

// MustParse reads the user passed flags, environment variables and default
// values. Options are validated and panic on error.
func (o *Options) MustParse(args []string) *Options {
	err := o.Parse(args)
	if err == flag.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o Options) Validate() (err error) {
	if o.AdminPort <= 0 || o.AdminPort > 65535 {
		err = multierr.Append(err, errors.Configurationf("admin-port %d is out of range", o.AdminPort))
	}
	switch o.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, errors.Configurationf("log-level may only be debug, info, warn or error, got %q", o.LogLevel))
	}
	return err
}
