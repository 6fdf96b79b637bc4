package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"expedientes/internal/domain"
	"expedientes/internal/engine"
)

func caseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "case",
		Short: "Open and move disciplinary cases",
	}
	cmd.AddCommand(caseCreateCmd())
	cmd.AddCommand(caseShowCmd())
	cmd.AddCommand(caseListCmd())
	cmd.AddCommand(caseAdvanceCmd())
	cmd.AddCommand(casePriorMeasuresCmd())
	cmd.AddCommand(caseGateCmd())
	cmd.AddCommand(caseFinalizeCmd())
	cmd.AddCommand(caseUnblockCmd())
	return cmd
}

func caseCreateCmd() *cobra.Command {
	var id, severity, startedAt, student, studentName, cohort, other, otherName, desc string
	var warning, supportPlan bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a case in INICIO",
		RunE: func(cmd *cobra.Command, args []string) error {
			started, err := parseWhen(startedAt)
			if err != nil {
				return err
			}
			opts := engine.CaseCreateOptions{
				ID:           id,
				Severity:     domain.Severity(strings.ToUpper(severity)),
				StartedAt:    started,
				PrimaryActor: domain.StudentRef{StudentID: student, DisplayName: studentName, Cohort: cohort},
				PriorMeasures: domain.PriorMeasures{
					WrittenWarning:     warning,
					SupportPlanApplied: supportPlan,
				},
				Description: desc,
				ActorID:     actorID(),
			}
			if other != "" {
				opts.SecondaryActor = &domain.StudentRef{StudentID: other, DisplayName: otherName}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCase(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("opened %s (%s), fatal deadline %s\n", c.ID, c.Severity, c.FatalDeadline.Format("2006-01-02"))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "case folio (generated when empty)")
	cmd.Flags().StringVar(&severity, "severity", "", "LEVE, RELEVANTE, GRAVE or GRAVISIMA_EXPULSION")
	cmd.Flags().StringVar(&startedAt, "started-at", "", "start of the case (RFC 3339 or YYYY-MM-DD, default now)")
	cmd.Flags().StringVar(&student, "student", "", "primary student id")
	cmd.Flags().StringVar(&studentName, "student-name", "", "primary student display name")
	cmd.Flags().StringVar(&cohort, "cohort", "", "primary student cohort")
	cmd.Flags().StringVar(&other, "other-student", "", "secondary student id")
	cmd.Flags().StringVar(&otherName, "other-student-name", "", "secondary student display name")
	cmd.Flags().StringVar(&desc, "description", "", "free-text description")
	cmd.Flags().BoolVar(&warning, "written-warning", false, "a written warning was already issued")
	cmd.Flags().BoolVar(&supportPlan, "support-plan", false, "a support plan was already applied")
	_ = cmd.MarkFlagRequired("severity")
	_ = cmd.MarkFlagRequired("student")
	return cmd
}

func caseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func caseListCmd() *cobra.Command {
	var stage, severity string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cases, err := e.ListCases(ctx, engine.CaseListOptions{
					Stage:    domain.Stage(strings.ToUpper(stage)),
					Severity: domain.Severity(strings.ToUpper(severity)),
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Severity", "Stage", "Student", "Fatal deadline", "Locked"})
				for _, c := range cases {
					tw.AppendRow(table.Row{c.ID, c.Severity, c.Stage, c.PrimaryActor.StudentID, c.FatalDeadline.Format("2006-01-02"), c.Locked()})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "filter by stage")
	cmd.Flags().StringVar(&severity, "severity", "", "filter by severity")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of cases")
	return cmd
}

func caseAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <case-id> <stage>",
		Short: "Move a case to another stage (either direction)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AdvanceStage(ctx, args[0], domain.Stage(strings.ToUpper(args[1])), actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("%s now in %s\n", c.ID, c.Stage)
				return nil
			})
		},
	}
}

func casePriorMeasuresCmd() *cobra.Command {
	var warning, supportPlan bool
	cmd := &cobra.Command{
		Use:   "prior-measures <case-id>",
		Short: "Record the formative measures applied before the case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pm := domain.PriorMeasures{WrittenWarning: warning, SupportPlanApplied: supportPlan}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SetPriorMeasures(ctx, args[0], pm, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(c.PriorMeasures)
			})
		},
	}
	cmd.Flags().BoolVar(&warning, "written-warning", false, "a written warning was issued")
	cmd.Flags().BoolVar(&supportPlan, "support-plan", false, "a support plan was applied")
	return cmd
}

func caseGateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gate <case-id>",
		Short: "Check whether a sanction may be finalized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CanFinalizeSanction(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Allowed {
					fmt.Println("sanction allowed")
					return nil
				}
				fmt.Println("sanction blocked; missing:", strings.Join(res.Missing, ", "))
				return nil
			})
		},
	}
}

func caseFinalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize <case-id>",
		Short: "Close a case with a sanction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.FinalizeSanction(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("%s closed in %s\n", c.ID, c.Stage)
				return nil
			})
		},
	}
}

func caseUnblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <case-id>",
		Short: "Return a case from CERRADO_GCC to INVESTIGACION after a failed or abandoned mediation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.UnblockCase(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s back in %s\n", res.Case.ID, res.Case.Stage)
				return nil
			})
		},
	}
}

func deadlineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deadline <case-id>",
		Short: "Show the effective deadline of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.DeadlineStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Case", "Stage", "Fatal", "Effective", "Days left", "Paused", "Overdue"})
				tw.AppendRow(table.Row{rep.CaseID, rep.Stage, rep.FatalDeadline.Format("2006-01-02"), rep.EffectiveDeadline.Format("2006-01-02"), rep.DaysRemaining, rep.Paused, rep.Overdue})
				tw.Render()
				return nil
			})
		},
	}
}

func milestoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "milestone",
		Short: "Record per-stage milestones",
	}
	cmd.AddCommand(milestoneAddCmd())
	cmd.AddCommand(milestoneCurrentCmd())
	return cmd
}

func milestoneAddCmd() *cobra.Command {
	var summary, due string
	var completed bool
	cmd := &cobra.Command{
		Use:   "add <case-id> <stage>",
		Short: "Append a milestone for a stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.MilestoneInput{
				Title:     domain.Stage(strings.ToUpper(args[1])),
				Summary:   summary,
				Completed: completed,
				ActorID:   actorID(),
			}
			if due != "" {
				d, err := parseWhen(due)
				if err != nil {
					return err
				}
				in.DueDate = &d
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SaveMilestone(ctx, args[0], in)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "what happened")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().BoolVar(&completed, "completed", false, "mark the milestone as completed")
	return cmd
}

func milestoneCurrentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "current <case-id> <stage>",
		Short: "Show the latest milestone for a stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CurrentMilestone(ctx, args[0], domain.Stage(strings.ToUpper(args[1])))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func timelineCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "timeline <case-id>",
		Short: "Show the merged history of a case, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tl, err := e.GetTimeline(ctx, args[0], limit, offset)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tl)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Kind", "Title", "Detail", "Actor"})
				for _, en := range tl.Entries {
					tw.AppendRow(table.Row{en.Timestamp.Format("2006-01-02 15:04"), en.Kind, en.Title, en.Description, en.Actor})
				}
				tw.Render()
				if len(tl.Degraded) > 0 {
					fmt.Fprintln(os.Stderr, "warning: incomplete timeline, unavailable sources:", strings.Join(tl.Degraded, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (config default when 0)")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	return cmd
}
