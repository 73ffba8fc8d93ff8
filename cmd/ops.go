package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kilianp07/fleetdispatch/app"
	"github.com/kilianp07/fleetdispatch/core/conflict"
	"github.com/kilianp07/fleetdispatch/core/intake"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/pkg/export"
)

var (
	submitFile   string
	cycleRuns    int
	failureOrder string
	failureVeh   string
	failureType  string
	failureDesc  string
	emergencyWhy string
	clearConfirm bool
	routesFormat string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit orders from a JSON file (object or array), then print per-item outcomes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		subs, err := readSubmissions(submitFile)
		if err != nil {
			return err
		}
		return withSystem(cmd, func(ctx context.Context, sys *app.System) error {
			type line struct {
				Index   int    `json:"index"`
				OrderID string `json:"order_id,omitempty"`
				Error   string `json:"error,omitempty"`
			}
			var out []line
			for _, o := range sys.SubmitOrders(ctx, subs...) {
				l := line{Index: o.Index, OrderID: o.OrderID}
				if o.Err != nil {
					l.Error = o.Err.Error()
				}
				out = append(out, l)
			}
			return printJSON(cmd, out)
		})
	},
}

func readSubmissions(path string) ([]intake.Submission, error) {
	var data []byte
	var err error
	if path == "" || path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var subs []intake.Submission
	if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
		err = json.Unmarshal(data, &subs)
	} else {
		var one intake.Submission
		err = json.Unmarshal(data, &one)
		subs = append(subs, one)
	}
	if err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	return subs, nil
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run dispatch cycles and print their results",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *app.System) error {
			for i := 0; i < cycleRuns; i++ {
				res, err := sys.RunCycle(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(cmd, res); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the system status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *app.System) error {
			rep, err := sys.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, rep)
		})
	},
}

var emergencyCmd = &cobra.Command{
	Use:       "emergency on|off",
	Short:     "Activate or lift emergency protocols",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *app.System) error {
			var changed bool
			if args[0] == "on" {
				changed = sys.TriggerEmergency(emergencyWhy)
			} else {
				changed = sys.DeactivateEmergency(emergencyWhy)
			}
			return printJSON(cmd, map[string]bool{"active": args[0] == "on", "changed": changed})
		})
	},
}

var failureCmd = &cobra.Command{
	Use:   "failure",
	Short: "File a failure report with the exception engine",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *app.System) error {
			rec, err := sys.ReportFailure(ctx, conflict.FailureReport{
				Type:        model.ExceptionType(failureType),
				OrderID:     failureOrder,
				VehicleID:   failureVeh,
				Description: failureDesc,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all orders, vehicles, routes and exception records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *app.System) error {
			if err := sys.ClearAllData(ctx, clearConfirm); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "all data cleared")
			return err
		})
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Register the sample fleet VEH_001..VEH_003",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *app.System) error {
			created, err := sys.SeedFleet(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, created)
		})
	},
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Export the planned routes as JSON or CSV",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *app.System) error {
			routes, err := sys.Routes(ctx)
			if err != nil {
				return err
			}
			return export.Write(cmd.OutOrStdout(), routesFormat, routes)
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Reload the last saved snapshot into the store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *app.System) error {
			ok, err := sys.Restore(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no snapshot saved")
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "snapshot restored")
			return err
		})
	},
}

func init() {
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "-", "JSON file with one order or an array, - for stdin")
	cycleCmd.Flags().IntVarP(&cycleRuns, "runs", "n", 1, "number of cycles to run")
	emergencyCmd.Flags().StringVar(&emergencyWhy, "reason", "", "reason recorded with the toggle")
	failureCmd.Flags().StringVar(&failureType, "type", string(model.ExceptionDeliveryFailure), "exception type")
	failureCmd.Flags().StringVar(&failureOrder, "order", "", "order id")
	failureCmd.Flags().StringVar(&failureVeh, "vehicle", "", "vehicle id")
	failureCmd.Flags().StringVar(&failureDesc, "description", "", "free text description")
	clearCmd.Flags().BoolVar(&clearConfirm, "confirm", false, "required to clear data")
	routesCmd.Flags().StringVar(&routesFormat, "format", export.FormatJSON, "json or csv")

	rootCmd.AddCommand(submitCmd, cycleCmd, statusCmd, emergencyCmd, failureCmd, clearCmd, seedCmd, routesCmd, restoreCmd)
}
