package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Show balance, allowance and purchased courses of the wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		d := a.Purchases.Refetch(cmd.Context())
		if asJSON {
			return printJSON(d)
		}
		fmt.Printf("account:   %s (chain %d)\n", d.Account, d.ChainID)
		fmt.Printf("balance:   %s YD\n", d.Balance)
		fmt.Printf("allowance: %s YD\n", d.Allowance)
		fmt.Printf("purchased: %v\n", d.Purchased)
		if d.Reserves != nil {
			fmt.Printf("reserves:  %s ETH / %s YD\n", d.Reserves.ETH, d.Reserves.Token)
		}
		return nil
	},
}
