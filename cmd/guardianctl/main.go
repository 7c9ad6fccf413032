package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	errorColor = color.New(color.FgRed, color.Bold)
	headerColor = color.New(color.FgMagenta, color.Bold)
)

func main() {
	var socketPath string

	root := &cobra.Command{
		Use:   "guardianctl",
		Short: "guardianctl: thin client for guardiand's admin socket",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/run/guardian-daemon.sock", "path to guardiand's admin socket")

	root.AddCommand(
		listKidsCmd(&socketPath),
		getQuotaCmd(&socketPath),
		getCurfewCmd(&socketPath),
		listTimersCmd(&socketPath),
		reloadTimersCmd(&socketPath),
		resetQuotaCmd(&socketPath),
		describeCmd(&socketPath),
	)

	if err := root.Execute(); err != nil {
		errorColor.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func listKidsCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-kids",
		Short: "List every managed user",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(*socketPath, "list_kids", nil)
			if err != nil {
				return err
			}
			data, _ := resp.Data.(map[string]interface{})
			kids, _ := data["kids"].([]interface{})

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Username"})
			table.SetBorder(false)
			for _, k := range kids {
				table.Append([]string{fmt.Sprintf("%v", k)})
			}
			table.Render()
			return nil
		},
	}
}

func getQuotaCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get-quota <username>",
		Short: "Show a managed user's quota status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(*socketPath, "get_quota", map[string]interface{}{"kid": args[0]})
			if err != nil {
				return err
			}
			data, _ := resp.Data.(map[string]interface{})

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Kid", "Used (min)", "Limit (min)", "Remaining (min)"})
			table.SetBorder(false)
			table.SetHeaderColor(
				tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
				tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
				tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
				tablewriter.Colors{tablewriter.FgMagentaColor, tablewriter.Bold},
			)
			table.Append([]string{
				fmt.Sprintf("%v", data["kid"]),
				fmt.Sprintf("%.1f", data["used"]),
				fmt.Sprintf("%v", data["limit"]),
				fmt.Sprintf("%.1f", data["remaining"]),
			})
			table.Render()
			return nil
		},
	}
}

func getCurfewCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get-curfew <username>",
		Short: "Show a managed user's curfew windows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(*socketPath, "get_curfew", map[string]interface{}{"kid": args[0]})
			if err != nil {
				return err
			}
			data, _ := resp.Data.(map[string]interface{})
			curfew, _ := data["curfew"].(map[string]interface{})

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Day", "Window"})
			table.SetBorder(false)
			for day, window := range curfew {
				table.Append([]string{day, fmt.Sprintf("%v", window)})
			}
			table.Render()
			return nil
		},
	}
}

func listTimersCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-timers",
		Short: "List guardiand's scheduled rollover and reload triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(*socketPath, "list_timers", nil)
			if err != nil {
				return err
			}
			data, _ := resp.Data.(map[string]interface{})
			timers, _ := data["timers"].([]interface{})
			for _, t := range timers {
				fmt.Println(t)
			}
			return nil
		},
	}
}

func reloadTimersCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Force an immediate policy reload",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(*socketPath, "reload_timers", nil)
			if err != nil {
				return err
			}
			headerColor.Println(resp.Data)
			return nil
		},
	}
}

func resetQuotaCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-quota",
		Short: "Force an immediate daily rollover for every managed user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(*socketPath, "reset_quota", nil)
			if err != nil {
				return err
			}
			headerColor.Println(resp.Data)
			return nil
		},
	}
}

func describeCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "describe-commands",
		Short: "Describe every admin command guardiand supports",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(*socketPath, "describe_commands", nil)
			if err != nil {
				return err
			}
			data, _ := resp.Data.(map[string]interface{})

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Command", "Description"})
			table.SetBorder(false)
			for name, v := range data {
				entry, _ := v.(map[string]interface{})
				table.Append([]string{name, fmt.Sprintf("%v", entry["description"])})
			}
			table.Render()
			return nil
		},
	}
}
