package main

import (
	"errors"
	"fmt"
	"time"

	"YDCoursePurchase/internal/pricing"
	"YDCoursePurchase/internal/purchase"

	"github.com/spf13/cobra"
)

var errPurchaseFailed = errors.New("purchase failed")

var purchaseCmd = &cobra.Command{
	Use:   "purchase <course-id> [price]",
	Short: "Buy a course, approving YD first when needed",
	Long: `Runs the purchase workflow for a course. The price defaults to the
course's on-chain price. Every status change is printed until the intent
succeeds or fails.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, _, err := connect(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		courseID := args[0]
		var price string
		if len(args) == 2 {
			price = args[1]
		} else {
			c, err := a.Courses.Get(ctx, courseID)
			if err != nil {
				return err
			}
			price = c.Price
		}

		updates, cancel := a.Purchases.Subscribe()
		defer cancel()
		cur, err := a.Purchases.Start(courseID, price)
		if err != nil {
			return err
		}
		printStatus(cur)

		for !cur.Step.Terminal() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case st := <-updates:
				// The subscription also replays what Start already returned.
				if st.IntentID != cur.IntentID || !st.UpdatedAt.After(cur.UpdatedAt) {
					continue
				}
				printStatus(st)
				cur = st
			}
		}
		if cur.Step == purchase.Error {
			return errPurchaseFailed
		}
		return nil
	},
}

func printStatus(st purchase.Status) {
	if asJSON {
		_ = printJSON(st)
		return
	}
	line := fmt.Sprintf("%s  %-16s", st.UpdatedAt.Local().Format(time.TimeOnly), st.Step)
	switch {
	case st.Step == purchase.Error:
		line += fmt.Sprintf(" %s: %s", st.Kind, st.Message)
		if st.Retryable {
			line += " (retryable)"
		}
	case st.PurchaseTx != "":
		line += " tx " + st.PurchaseTx
	case st.ApproveTx != "":
		line += " approve tx " + st.ApproveTx
	}
	fmt.Println(line)
}

var quoteSide string

var quoteCmd = &cobra.Command{
	Use:   "quote <amount>",
	Short: "Quote an ETH/YD exchange at the marketplace rate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		prices := pricing.New(cfg.Exchange.TokensPerETH, cfg.Exchange.FeeBps)
		q, err := prices.Quote(pricing.Side(quoteSide), args[0])
		if err != nil {
			return err
		}
		rate, err := prices.CurrentSnapshot(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(struct {
				pricing.Quote
				Rate pricing.Snapshot `json:"rate"`
			}{q, rate})
		}
		if q.Side == pricing.Buy {
			fmt.Printf("%s ETH -> %s YD\n", q.In, q.Out)
		} else {
			fmt.Printf("%s YD -> %s ETH\n", q.In, q.Out)
		}
		fmt.Printf("rate: 1 ETH = %d YD (%s), course fee %d bps\n", rate.TokensPerETH, rate.Source, rate.FeeBps)
		return nil
	},
}

func init() {
	quoteCmd.Flags().StringVar(&quoteSide, "side", string(pricing.Buy), "buy (ETH to YD) or sell (YD to ETH)")
}
