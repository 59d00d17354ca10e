package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/normanking/edubuddy/internal/registry"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MODEL COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func modelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage logical model versions",
	}

	var metricFlags []string
	register := &cobra.Command{
		Use:   "register <model> <artifact>",
		Short: "Register a new, inactive version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			metrics, err := parseMetrics(metricFlags)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				v, err := a.admin.Register(cmd.Context(), args[0], args[1], metrics)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s %s\n", okStyle.Render("registered"), args[0], valueStyle.Render(v.ID))
				return nil
			})
		},
	}
	register.Flags().StringSliceVarP(&metricFlags, "metric", "m", nil, "evaluation metric name=value (repeatable)")
	cmd.AddCommand(register)

	cmd.AddCommand(&cobra.Command{
		Use:   "activate <model> <version-id>",
		Short: "Make a version the active one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				v, err := a.admin.Activate(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Printf("%s %s → %s (%s)\n", okStyle.Render("activated"), args[0], v.ID, v.Artifact)
				return nil
			})
		},
	})

	var steps int
	rollback := &cobra.Command{
		Use:   "rollback <model>",
		Short: "Activate an earlier version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				v, err := a.admin.Rollback(cmd.Context(), args[0], steps)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s → %s (%s)\n", warnStyle.Render("rolled back"), args[0], v.ID, v.Artifact)
				return nil
			})
		},
	}
	rollback.Flags().IntVar(&steps, "steps", 1, "how many versions to go back")
	cmd.AddCommand(rollback)

	var asJSON bool
	list := &cobra.Command{
		Use:   "list [model]",
		Short: "List models or the versions of one model",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if len(args) == 0 {
					models := a.admin.Models()
					if asJSON {
						return printJSON(models)
					}
					if len(models) == 0 {
						fmt.Println(dimStyle.Render("no models registered"))
					}
					for _, m := range models {
						active := dimStyle.Render("none active")
						if versions, err := a.admin.Versions(m); err == nil {
							for _, v := range versions {
								if v.Active {
									active = v.Artifact
								}
							}
							fmt.Printf("%s %s %s\n", valueStyle.Render(m), labelStyle.Render(fmt.Sprintf("(%d versions)", len(versions))), active)
						}
					}
					return nil
				}

				versions, err := a.admin.Versions(args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(versions)
				}
				fmt.Println(headerStyle.Render(args[0]))
				for _, v := range versions {
					mark := "  "
					if v.Active {
						mark = okStyle.Render("● ")
					}
					fmt.Printf("%s%s %s %s %s\n", mark, v.ID,
						valueStyle.Render(v.Artifact),
						dimStyle.Render(v.CreatedAt.Local().Format(time.DateTime)),
						formatMetrics(v.Metrics))
				}
				return nil
			})
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.AddCommand(list)

	return cmd
}

func parseMetrics(flags []string) (map[string]float64, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(flags))
	for _, f := range flags {
		name, raw, ok := strings.Cut(f, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("metric %q: want name=value", f)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("metric %q: %w", f, err)
		}
		out[strings.TrimSpace(name)] = v
	}
	return out, nil
}

func formatMetrics(m map[string]float64) string {
	if len(m) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, fmt.Sprintf("%s=%g", k, v))
	}
	return labelStyle.Render(strings.Join(parts, " "))
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXPERIMENT COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

// experimentFile is the YAML accepted by `experiment start -f`.
type experimentFile struct {
	Name     string             `yaml:"name"`
	Variants []registry.Variant `yaml:"variants"`
}

func readExperimentFile(path string) (experimentFile, error) {
	var ef experimentFile
	data, err := os.ReadFile(path)
	if err != nil {
		return ef, err
	}
	if err := yaml.Unmarshal(data, &ef); err != nil {
		return ef, fmt.Errorf("parse %s: %w", path, err)
	}
	return ef, nil
}

func experimentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "experiment",
		Short: "Manage A/B experiments",
	}

	var file string
	start := &cobra.Command{
		Use:   "start -f <file.yaml>",
		Short: "Start or replace an experiment",
		Long: `Start an experiment described in YAML:

  name: education-temperature
  variants:
    - name: control
      model: qwen:0.5b
      traffic_share: 50
    - name: warm
      model: qwen:0.5b
      temperature: 0.9
      traffic_share: 50

The experiment applies to every specialist whose name appears in its name.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			ef, err := readExperimentFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				exp, err := a.admin.StartExperiment(cmd.Context(), ef.Name, ef.Variants)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s with %d variants\n", okStyle.Render("started"), exp.Name, len(exp.Variants))
				return nil
			})
		},
	}
	start.Flags().StringVarP(&file, "file", "f", "", "experiment YAML file")
	cmd.AddCommand(start)

	cmd.AddCommand(&cobra.Command{
		Use:   "stop <name>",
		Short: "Stop an experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.admin.StopExperiment(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Printf("%s %s\n", warnStyle.Render("stopped"), args[0])
				return nil
			})
		},
	})

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				exps := a.admin.Experiments()
				if asJSON {
					return printJSON(exps)
				}
				if len(exps) == 0 {
					fmt.Println(dimStyle.Render("no experiments"))
					return nil
				}
				for _, e := range exps {
					state := okStyle.Render("active")
					if !e.Active {
						state = dimStyle.Render("stopped")
					}
					fmt.Printf("%s %s %s\n", valueStyle.Render(e.Name), state,
						dimStyle.Render("since "+e.StartedAt.Local().Format(time.DateTime)))
					for _, v := range e.Variants {
						fmt.Printf("    %s %s %s\n", v.Name, labelStyle.Render(v.Model),
							fmt.Sprintf("%.0f%%", v.TrafficShare))
					}
				}
				return nil
			})
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "variant <name> <user>",
		Short: "Show which variant a user is assigned",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				v, ok := a.admin.SelectVariant(args[0], args[1])
				if !ok {
					return fmt.Errorf("experiment %q is unknown or stopped", args[0])
				}
				fmt.Printf("%s → %s %s %s\n", args[1], valueStyle.Render(v.Name), labelStyle.Render(v.Model),
					dimStyle.Render(fmt.Sprintf("bucket %d", registry.Bucket(args[0], args[1]))))
				return nil
			})
		},
	})

	return cmd
}
