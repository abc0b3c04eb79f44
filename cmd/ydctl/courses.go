package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var coursesCmd = &cobra.Command{
	Use:   "courses [course-id]",
	Short: "List active courses, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			c, err := a.Courses.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(c)
			}
			fmt.Printf("%s  %s\n", c.ID, c.Title)
			fmt.Printf("  price:     %s YD (fee %s, creator %s)\n", c.Price, c.Fees.Fee, c.Fees.Creator)
			fmt.Printf("  creator:   %s\n", c.Creator)
			fmt.Printf("  category:  %s\n", c.Category)
			fmt.Printf("  active:    %t\n", c.IsActive)
			fmt.Printf("  purchases: %d\n", c.PurchaseCount)
			return nil
		}

		list, err := a.Courses.List(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(list)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTITLE\tPRICE\tACTIVE\tPURCHASES")
		for _, c := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\n", c.ID, c.Title, c.Price, c.IsActive, c.PurchaseCount)
		}
		return tw.Flush()
	},
}
