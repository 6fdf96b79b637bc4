package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"expedientes/internal/domain"
	"expedientes/internal/engine"
)

func mediationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "mediation",
		Aliases: []string{"gcc"},
		Short:   "Divert cases to mediation and track the process",
	}
	cmd.AddCommand(mediationDivertCmd())
	cmd.AddCommand(mediationShowCmd())
	cmd.AddCommand(mediationListCmd())
	cmd.AddCommand(mediationStartCmd())
	cmd.AddCommand(mediationOutcomeCmd())
	cmd.AddCommand(mediationCloseCmd())
	cmd.AddCommand(mediationVerifyCmd())
	return cmd
}

func mediationDivertCmd() *cobra.Command {
	var mechanism, deadlineHint string
	cmd := &cobra.Command{
		Use:   "divert <case-id>",
		Short: "Suspend a case and open a mediation process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hint, err := parseWhen(deadlineHint)
			if err != nil {
				return err
			}
			opts := engine.DivertOptions{
				Mechanism:    domain.Mechanism(strings.ToUpper(mechanism)),
				DeadlineHint: hint,
				ActorID:      actorID(),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DivertToMediation(ctx, args[0], opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s suspended; mediation %s open until %s\n", res.Case.ID, res.Mediation.ID, res.Mediation.Deadline.Format("2006-01-02"))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mechanism, "mechanism", string(domain.MechanismMediacion), "MEDIACION, CONCILIACION, ARBITRAJE_PEDAGOGICO or NEGOCIACION_ASISTIDA")
	cmd.Flags().StringVar(&deadlineHint, "deadline", "", "explicit mediation deadline (RFC 3339 or YYYY-MM-DD)")
	return cmd
}

func mediationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <mediation-id>",
		Short: "Show a mediation process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetMediation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func mediationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <case-id>",
		Short: "List the mediation processes of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ps, err := e.ListMediations(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Mechanism", "State", "Suspension", "Deadline", "Closed"})
				for _, p := range ps {
					tw.AppendRow(table.Row{p.ID, p.Mechanism, p.State, p.SuspensionActive, p.Deadline.Format("2006-01-02"), p.Closed})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func mediationStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <mediation-id>",
		Short: "Record the first mediation session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.StartMediationSession(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("mediation %s %s\n", p.ID, p.State)
				return nil
			})
		},
	}
}

func mediationOutcomeCmd() *cobra.Command {
	var result, commitmentsJSON string
	var agreements []string
	cmd := &cobra.Command{
		Use:   "outcome <mediation-id>",
		Short: "Record the result of a mediation",
		Long: `Result codes: AGREEMENT_TOTAL, AGREEMENT_PARTIAL, NO_AGREEMENT, NOT_RECONCILABLE
(the Spanish codes ACUERDO_TOTAL, ACUERDO_PARCIAL and SIN_ACUERDO are accepted too).
Commitments are passed as a JSON array of {"description","responsible_party","due_date"}.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.OutcomeInput{Result: result, Agreements: agreements, ActorID: actorID()}
			if commitmentsJSON != "" {
				if err := json.Unmarshal([]byte(commitmentsJSON), &in.Commitments); err != nil {
					return fmt.Errorf("invalid --commitments: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RecordMediationOutcome(ctx, args[0], in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("mediation %s resolved as %s\n", p.ID, p.State)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&result, "result", "", "result code")
	cmd.Flags().StringArrayVar(&agreements, "agreement", nil, "agreement text (repeatable)")
	cmd.Flags().StringVar(&commitmentsJSON, "commitments", "", "commitments as a JSON array")
	_ = cmd.MarkFlagRequired("result")
	return cmd
}

func mediationCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <mediation-id>",
		Short: "Close a mediation that reached an agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CloseMediationSuccessfully(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("mediation %s closed; case %s stays in %s\n", res.Mediation.ID, res.Case.ID, res.Case.Stage)
				return nil
			})
		},
	}
}

func mediationVerifyCmd() *cobra.Command {
	var unverify bool
	cmd := &cobra.Command{
		Use:   "verify <mediation-id> <commitment-index>",
		Short: "Mark a commitment as verified",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid commitment index %q", args[1])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.VerifyCommitment(ctx, args[0], idx, !unverify, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p.Commitments[idx])
			})
		},
	}
	cmd.Flags().BoolVar(&unverify, "undo", false, "clear the verification instead")
	return cmd
}
