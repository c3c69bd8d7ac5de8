package main

import (
	"context"
	"errors"
	"fmt"

	discrepancydomain "github.com/smallbiznis/creditsync/internal/discrepancy/domain"
	ledgerdomain "github.com/smallbiznis/creditsync/internal/ledger/domain"
	"github.com/spf13/cobra"
)

type discrepancyReport struct {
	Discrepancies    []discrepancydomain.Discrepancy    `json:"discrepancies"`
	Repaired         int                                `json:"repaired,omitempty"`
	RepairErrors     []string                           `json:"repair_errors,omitempty"`
	LedgerMismatches []discrepancydomain.LedgerMismatch `json:"ledger_mismatches,omitempty"`
}

func discrepanciesCmd() *cobra.Command {
	var (
		repair       bool
		verifyLedger bool
	)

	cmd := &cobra.Command{
		Use:   "discrepancies",
		Short: "Compare ledger balances with the cache, optionally repairing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc discrepancydomain.Service
			return runOnce(cmd.Context(), func(ctx context.Context) error {
				found, err := svc.FindDiscrepancies(ctx)
				if err != nil {
					return err
				}
				report := discrepancyReport{Discrepancies: found}

				if repair {
					for _, d := range found {
						if err := svc.Repair(ctx, d); err != nil {
							report.RepairErrors = append(report.RepairErrors, fmt.Sprintf("%s: %v", d.AccountID, err))
							continue
						}
						report.Repaired++
					}
				}

				if verifyLedger {
					mismatches, err := svc.VerifyLedger(ctx)
					if err != nil {
						return err
					}
					report.LedgerMismatches = mismatches
				}

				return printJSON(cmd.OutOrStdout(), report)
			}, &svc)
		},
	}

	cmd.Flags().BoolVar(&repair, "repair", false, "Push the ledger balance to the cache for every discrepancy")
	cmd.Flags().BoolVar(&verifyLedger, "verify-ledger", false, "Check stored balances against a replay of ledger entries")
	return cmd
}

func forceSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force-sync",
		Short: "Push every ledger balance to the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc discrepancydomain.Service
			return runOnce(cmd.Context(), func(ctx context.Context) error {
				result, err := svc.ForceSyncAllToCache(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			}, &svc)
		},
	}
}

func reconcileCredentialsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile-credentials [account...]",
		Short: "Register missing and delete stale cache keys so they match the ledger",
		Long:  "With no arguments every ledger account is reconciled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				svc    discrepancydomain.Service
				ledger ledgerdomain.Service
			)
			return runOnce(cmd.Context(), func(ctx context.Context) error {
				accounts := args
				if len(accounts) == 0 {
					ids, err := ledger.ListAccountIDs(ctx)
					if err != nil {
						return err
					}
					accounts = ids
				}

				results := make([]discrepancydomain.CredentialResult, 0, len(accounts))
				for _, accountID := range accounts {
					res, err := svc.ReconcileCredentials(ctx, accountID)
					if err != nil {
						if errors.Is(err, ledgerdomain.ErrLedgerUnavailable) {
							return err
						}
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", accountID, err)
						res.Errors++
					}
					results = append(results, res)
				}
				return printJSON(cmd.OutOrStdout(), results)
			}, &svc, &ledger)
		},
	}
}
