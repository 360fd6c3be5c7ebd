package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect task catalogs",
	}
	cmd.AddCommand(catalogValidateCmd())
	cmd.AddCommand(catalogListCmd())
	return cmd
}

func catalogValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a catalog file against the schema",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			doc, err := loadCatalog(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d tasks\n", len(doc.Tasks))
			return nil
		},
	}
}

func catalogListCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the tasks of a catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadCatalog(path)
			if err != nil {
				return err
			}
			defs, _, err := doc.Definitions()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSCOPE\tFREQUENCY\tCATEGORY\tGATES")
			for _, d := range defs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", d.ID, d.Kind, d.Scope, d.Frequency, d.Category, d.GateCount)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&path, "file", "f", "", "catalog file (default: bundled catalog)")
	return cmd
}
