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

// The broker binary speaks the host factory provider contract: one subcommand
// per provider verb, JSON payloads on stdin or a file, JSON responses on
// stdout. Logs go to stderr so the scheduler's JSON parse is never polluted.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/awslabs/open-resource-broker-sub001/pkg/hostfactory"
	"github.com/awslabs/open-resource-broker-sub001/pkg/operator"
	"github.com/awslabs/open-resource-broker-sub001/pkg/operator/options"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/log"
)

var version = ""

var (
	opts      = options.New()
	inputFile string

	rootCmd = &cobra.Command{
		Use:           "resource-broker",
		Short:         "Cloud capacity broker for host factory schedulers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			logger := log.Setup(opts.LogLevel)
			cmd.SetContext(log.IntoContext(cmd.Context(), logger))
			return nil
		},
	}
)

func main() {
	rootCmd.PersistentFlags().AddGoFlagSet(opts.FlagSet)
	rootCmd.PersistentFlags().StringVarP(&inputFile, "file", "f", "-", "JSON input payload, - for stdin")
	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		newGetAvailableTemplatesCommand(),
		newRequestMachinesCommand(),
		newGetRequestStatusCommand(),
		newRequestReturnMachinesCommand(),
		newGetReturnRequestsCommand(),
		newServeCommand(),
		newVersionCommand(),
	)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newGetAvailableTemplatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "getAvailableTemplates",
		Short: "List requestable templates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Template listing reads only the store; no cloud credentials needed.
			return withOperator(cmd, func(ctx context.Context, op *operator.Operator) error {
				out, err := hostfactory.NewAdapter(op.LocalBus()).GetAvailableTemplates(ctx)
				if err != nil {
					return err
				}
				return hostfactory.Write(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newRequestMachinesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requestMachines",
		Short: "Provision machines against a template",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOperator(cmd, func(ctx context.Context, op *operator.Operator) error {
				in, err := decodeInput[hostfactory.RequestMachinesInput](cmd)
				if err != nil {
					return err
				}
				adapter, err := cloudAdapter(ctx, op)
				if err != nil {
					return err
				}
				out, err := adapter.RequestMachines(ctx, in)
				if err != nil {
					return err
				}
				return hostfactory.Write(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newGetRequestStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "getRequestStatus",
		Short: "Report the status and machines of earlier requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOperator(cmd, func(ctx context.Context, op *operator.Operator) error {
				in, err := decodeInput[hostfactory.GetRequestStatusInput](cmd)
				if err != nil {
					return err
				}
				adapter, err := cloudAdapter(ctx, op)
				if err != nil {
					return err
				}
				out, err := adapter.GetRequestStatus(ctx, in)
				if err != nil {
					return err
				}
				return hostfactory.Write(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newRequestReturnMachinesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requestReturnMachines",
		Short: "Return machines to the cloud",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOperator(cmd, func(ctx context.Context, op *operator.Operator) error {
				in, err := decodeInput[hostfactory.RequestReturnMachinesInput](cmd)
				if err != nil {
					return err
				}
				adapter, err := cloudAdapter(ctx, op)
				if err != nil {
					return err
				}
				out, err := adapter.RequestReturnMachines(ctx, in)
				if err != nil {
					return err
				}
				return hostfactory.Write(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newGetReturnRequestsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "getReturnRequests",
		Short: "Report machines the cloud reclaimed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOperator(cmd, func(ctx context.Context, op *operator.Operator) error {
				in, err := decodeInput[hostfactory.GetReturnRequestsInput](cmd)
				if err != nil {
					return err
				}
				adapter, err := cloudAdapter(ctx, op)
				if err != nil {
					return err
				}
				out, err := adapter.GetReturnRequests(ctx, in)
				if err != nil {
					return err
				}
				return hostfactory.Write(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin endpoint and background health polling",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			op, err := operator.NewOperator(ctx, opts)
			if err != nil {
				return err
			}
			defer func() { _ = op.Close() }()
			return op.Serve(ctx)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the broker version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), lo.Ternary(version != "", version, "dev"))
		},
	}
}

func withOperator(cmd *cobra.Command, fn func(ctx context.Context, op *operator.Operator) error) error {
	ctx := cmd.Context()
	op, err := operator.NewOperator(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = op.Close() }()
	return fn(ctx, op)
}

func cloudAdapter(ctx context.Context, op *operator.Operator) (*hostfactory.Adapter, error) {
	bus, err := op.CloudBus(ctx)
	if err != nil {
		return nil, err
	}
	adapter := hostfactory.NewAdapter(bus)
	adapter.DryRun = opts.DryRun
	return adapter, nil
}

func decodeInput[T any](cmd *cobra.Command) (T, error) {
	r, err := openInput(cmd)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("opening input, %w", err)
	}
	defer r.Close()
	return hostfactory.Decode[T](r)
}

func openInput(cmd *cobra.Command) (io.ReadCloser, error) {
	if inputFile == "" || inputFile == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	return os.Open(inputFile)
}
