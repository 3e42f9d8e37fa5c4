package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AlexDorobantiu/CIPP-sub000/internal/plugin"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List the built-in plugins",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, p := range plugin.Builtin().List() {
			split := "whole image"
			if !p.DependencyFor(nil).IsUnsplittable() {
				split = "splittable"
			}
			fmt.Fprintf(out, "%-8s %-16s %-12s %s\n", p.Kind, p.Name, split, p.Description)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
}
