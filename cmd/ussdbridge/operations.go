package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"utility-ussd-bridge/pkg/bridge"
	"utility-ussd-bridge/pkg/models"
)

// The operation commands dispatch in-process and rely on a running serve instance to
// ingest the provider's reply into the shared Redis.

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Fetch the outstanding bill for a meter",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, func(ctx context.Context, s *bridge.Service, userID, phone, meter string) (models.StructuredResult, error) {
			return s.FetchBillData(ctx, userID, phone, meter)
		})
	},
}

var purchaseCmd = &cobra.Command{
	Use:   "purchase",
	Short: "Buy prepaid tokens for a meter",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("amount")
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("%w: amount %q is not a number", models.ErrInvalidParameters, raw)
		}
		return runOperation(cmd, func(ctx context.Context, s *bridge.Service, userID, phone, meter string) (models.StructuredResult, error) {
			return s.PurchaseTokens(ctx, userID, phone, meter, amount)
		})
	},
}

var unitsCmd = &cobra.Command{
	Use:   "units",
	Short: "Check the remaining units on a meter",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, func(ctx context.Context, s *bridge.Service, userID, phone, meter string) (models.StructuredResult, error) {
			return s.CheckUnits(ctx, userID, phone, meter)
		})
	},
}

var requestCmd = &cobra.Command{
	Use:   "request <request-id>",
	Short: "Show the correlation state of a dispatched request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd.Context(), prometheus.NewRegistry(), false)
		if err != nil {
			return err
		}
		defer rt.Close()

		p, err := rt.service.Correlation(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, p)
	},
}

func init() {
	for _, c := range []*cobra.Command{balanceCmd, purchaseCmd, unitsCmd} {
		c.Flags().String("user", "", "user id the result belongs to")
		c.Flags().String("phone", "", "phone number whose USSD session carries the command")
		c.Flags().String("meter", "", "meter number")
		_ = c.MarkFlagRequired("user")
		_ = c.MarkFlagRequired("phone")
		_ = c.MarkFlagRequired("meter")
		rootCmd.AddCommand(c)
	}
	purchaseCmd.Flags().String("amount", "", "purchase amount")
	_ = purchaseCmd.MarkFlagRequired("amount")
	rootCmd.AddCommand(requestCmd)
}

type operation func(ctx context.Context, s *bridge.Service, userID, phone, meter string) (models.StructuredResult, error)

func runOperation(cmd *cobra.Command, op operation) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	userID, _ := cmd.Flags().GetString("user")
	phone, _ := cmd.Flags().GetString("phone")
	meter, _ := cmd.Flags().GetString("meter")

	rt, err := setup(ctx, prometheus.NewRegistry(), false)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := op(ctx, rt.service, userID, phone, meter)
	if err != nil {
		return err
	}
	if err := printJSON(cmd, result); err != nil {
		return err
	}

	if !result.Confirmed() {
		fmt.Fprintf(os.Stderr, "warning: result is not carrier-confirmed: %s\n", result.FallbackReason)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
