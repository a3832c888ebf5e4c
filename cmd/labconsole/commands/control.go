package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func stopCmd() *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "stop <test-id>",
		Short: "Stop a running test",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			stopped, err := console.orch.StopTest(ctx, host, args[0])
			if err != nil {
				return fmt.Errorf("stop %s: %w", args[0], err)
			}
			if stopped {
				fmt.Printf("Stopped %s\n", args[0])
			} else {
				fmt.Printf("%s was not running\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "managed host running the test")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

func monitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor <host>",
		Short: "Print the tests running on a host",
		Long:  "Subscribes to the active tests of a host and prints every snapshot until interrupted (Ctrl+C).",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			done, err := console.orch.MonitorActiveTests(ctx, args[0])
			if err != nil {
				return fmt.Errorf("monitor %s: %w", args[0], err)
			}
			select {
			case <-done:
				return fmt.Errorf("monitor %s: session ended", args[0])
			case <-ctx.Done():
				console.orch.StopMonitoring()
				return nil
			}
		},
	}
	return cmd
}

func viewCmd() *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "view <test-id>",
		Short: "Follow the output of a test started elsewhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			done, err := console.orch.ViewTestOutput(ctx, host, args[0])
			if err != nil {
				return fmt.Errorf("view %s: %w", args[0], err)
			}
			select {
			case <-done:
			case <-ctx.Done():
				console.orch.StopViewing()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "managed host running the test")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}
