package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/store/sqlite"
	"github.com/warp/billing-engine/tuition"
)

const cliActor = "cli"

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sqlite.New(opts.cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()
			opts.log.Info("schema ready", "db", opts.cfg.DBPath)
			return nil
		},
	}
}

func newInvoiceCommand(opts *rootOptions) *cobra.Command {
	var student, month string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "invoice",
		Short: "Print a student's invoice for a month",
		Long: `Print a student's invoice. A persisted invoice is shown as stored;
otherwise the draft is calculated from current facts. Nothing is written.

Example:
  billing invoice --student stu-001 --month 2025-03`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer eng.store.Close()

			m, err := monthOrCurrent(month, eng.svc.Clock())
			if err != nil {
				return err
			}
			st, err := eng.svc.InvoiceState(cmd.Context(), tuition.StudentID(student), m)
			if err != nil {
				return err
			}
			if asJSON {
				return writeIndented(cmd.OutOrStdout(), st)
			}
			return printInvoice(cmd.OutOrStdout(), st, eng.money)
		},
	}
	cmd.Flags().StringVar(&student, "student", "", "student id")
	cmd.Flags().StringVar(&month, "month", "", "month as YYYY-MM (default current month)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("student")
	return cmd
}

func newSiblingCommand(opts *rootOptions) *cobra.Command {
	var family, month string
	var resolve bool

	cmd := &cobra.Command{
		Use:   "sibling",
		Short: "Print a family's sibling discount state",
		Long: `Print a family's sibling discount state for a month. With --resolve
the winner policy is run and the result stored.

Example:
  billing sibling --family fam-nguyen --month 2025-03 --resolve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer eng.store.Close()

			m, err := monthOrCurrent(month, eng.svc.Clock())
			if err != nil {
				return err
			}
			var st tuition.SiblingDiscountState
			if resolve {
				st, err = eng.svc.Siblings().Resolve(cmd.Context(), tuition.FamilyID(family), m, cliActor)
			} else {
				st, err = eng.svc.SiblingDiscountState(cmd.Context(), tuition.FamilyID(family), m)
			}
			if err != nil {
				return err
			}
			return writeIndented(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&family, "family", "", "family id")
	cmd.Flags().StringVar(&month, "month", "", "month as YYYY-MM (default current month)")
	cmd.Flags().BoolVar(&resolve, "resolve", false, "run the winner policy and store the result")
	_ = cmd.MarkFlagRequired("family")
	return cmd
}

func monthOrCurrent(s string, clock generic.Clock) (generic.Month, error) {
	if s == "" {
		return generic.CurrentMonth(clock), nil
	}
	return generic.ParseMonth(s)
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printInvoice(w io.Writer, st tuition.InvoiceState, money *api.MoneyDisplay) error {
	var lines []tuition.InvoiceLine
	var paid generic.Money
	switch v := st.(type) {
	case tuition.Draft:
		lines = v.Lines
	case tuition.Persisted:
		lines = v.Lines
		paid = v.RecordedPayment
	}

	fmt.Fprintf(w, "Invoice %s %s (%s)\n\n", st.Student(), st.Period(), st.Status())
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CLASS\tSESSIONS\tBASE\tDISCOUNT\tSIBLING\tAMOUNT")
	for _, l := range lines {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", l.ClassID, l.Sessions,
			money.Format(l.BaseAmount), money.Format(l.EnrollmentDiscount),
			money.Format(l.SiblingDiscount), money.Format(l.Amount))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nTotal:        %s\n", money.Format(st.Total()))
	fmt.Fprintf(w, "Paid:         %s\n", money.Format(paid))
	fmt.Fprintf(w, "Outstanding:  %s\n", money.Format(st.Outstanding()))
	return nil
}
