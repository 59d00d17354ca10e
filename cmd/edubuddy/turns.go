package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/edubuddy/internal/pipeline"
	"github.com/normanking/edubuddy/pkg/types"
)

// withApp loads config, builds the app, runs fn and closes the app.
func withApp(ctx context.Context, fn func(*app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Error().Err(err).Msg("cleanup failed")
		}
	}()
	return fn(a)
}

// ═══════════════════════════════════════════════════════════════════════════════
// CHAT COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func chatCmd() *cobra.Command {
	var grade, emotion string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "chat <user> <text...>",
		Short: "Run one conversational turn",
		Example: `  edubuddy chat kid-1 我想学习数学
  edubuddy chat kid-2 今天有点难过 --emotion sad`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			return withApp(cmd.Context(), func(a *app) error {
				res := a.orch.HandleTurn(cmd.Context(), args[0], text, pipeline.RequestContext{
					Grade:   grade,
					Emotion: emotion,
				})
				if asJSON {
					return printJSON(res)
				}
				printTurnResult(res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&grade, "grade", "", "grade level, e.g. 三年级")
	cmd.Flags().StringVar(&emotion, "emotion", "", "reported emotion: sad, happy, angry, lonely, scared")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printTurnResult(res pipeline.TurnResult) {
	fmt.Println(replyBoxStyle.Width(outputWidth).Render(renderMarkdown(res.Response)))

	meta := []string{
		field("specialist", res.Specialist),
		labelStyle.Render("safety:") + " " + verdictStyle(string(res.SafetyStatus)).Render(string(res.SafetyStatus)),
		field("time", res.Duration.Round(time.Millisecond)),
	}
	if res.Fallback {
		meta = append(meta, warnStyle.Render("fallback"))
	}
	if !res.Persisted && !res.Failed {
		meta = append(meta, errorStyle.Render("not saved"))
	}
	fmt.Println(strings.Join(meta, dimStyle.Render(" │ ")))
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERY COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func historyCmd() *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history <user>",
		Short: "Show a user's conversation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				turns, err := a.orch.ConversationHistory(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(turns)
				}
				if len(turns) == 0 {
					fmt.Println(dimStyle.Render("no history for " + args[0]))
					return nil
				}
				fmt.Println(headerStyle.Render(fmt.Sprintf("History of %s (%d turns)", args[0], len(turns))))
				for _, t := range turns {
					fmt.Printf("%s %s %s\n",
						dimStyle.Render(t.CreatedAt.Local().Format("01-02 15:04")),
						labelStyle.Render("["+t.Specialist.String()+"]"),
						t.Input)
					fmt.Printf("    %s %s\n",
						verdictStyle(string(t.Verdict)).Render("→"),
						truncate(t.FinalResponse, outputWidth-6))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of recent turns (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func violationsCmd() *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "violations",
		Short: "Show recent safety violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				vs, err := a.orch.SafetyViolations(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(vs)
				}
				if len(vs) == 0 {
					fmt.Println(okStyle.Render("no safety violations recorded"))
					return nil
				}
				fmt.Println(headerStyle.Render(fmt.Sprintf("Safety violations (%d)", len(vs))))
				for _, v := range vs {
					fmt.Printf("%s %s %s %s\n",
						dimStyle.Render(v.CreatedAt.Local().Format("01-02 15:04")),
						labelStyle.Render(v.UserID),
						errorStyle.Render(v.Reason),
						truncate(v.RejectedCandidate, 40))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of recent violations (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func statsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show stored conversation statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				s, err := a.orch.Summary(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(s)
				}

				fmt.Println(headerStyle.Render("edubuddy statistics"))
				fmt.Println(field("users", s.Users))
				fmt.Println(field("turns", s.Turns))
				fmt.Println(field("rejected", s.Rejected))
				fmt.Println(field("fallbacks", s.Fallbacks))
				fmt.Println(field("violations", s.Violations))

				kinds := make([]string, 0, len(s.BySpecialist))
				for k := range s.BySpecialist {
					kinds = append(kinds, k.String())
				}
				sort.Strings(kinds)
				for _, k := range kinds {
					fmt.Printf("  %s\n", field(k, s.BySpecialist[types.Specialist(k)]))
				}
				if !s.LastTurnAt.IsZero() {
					fmt.Println(field("last turn", s.LastTurnAt.Local().Format(time.DateTime)))
				}

				active := 0
				for _, e := range a.admin.Experiments() {
					if e.Active {
						active++
					}
				}
				fmt.Println(field("models", len(a.admin.Models())))
				fmt.Println(field("active experiments", active))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
