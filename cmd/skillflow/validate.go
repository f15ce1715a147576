package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pitabwire/skillflow/internal/definition"
	"github.com/pitabwire/skillflow/internal/graph"
	"github.com/pitabwire/skillflow/internal/openapi"
	"github.com/pitabwire/skillflow/internal/skill"
	"github.com/pitabwire/skillflow/model"
)

func newValidateCommand() *cobra.Command {
	var skillDirs, services []string
	cmd := &cobra.Command{
		Use:   "validate <dir>...",
		Short: "Validate workflow definition files",
		Long: `Load every *.yaml and *.yml file under the given directories and check
each workflow for structural errors: missing fields, duplicate ids, and
references to steps that do not run earlier.

With --skills or --openapi, steps whose skill is neither built in, in the
prompt catalog, nor an operation of a listed OpenAPI service are reported
as well.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validate(cmd.Context(), cmd.OutOrStdout(), args, skillDirs, services)
		},
	}
	cmd.Flags().StringSliceVar(&skillDirs, "skills", nil, "prompt skill catalog directories to check skill ids against")
	cmd.Flags().StringSliceVar(&services, "openapi", nil, "OpenAPI services as id=spec.yaml whose operations count as skills")
	return cmd
}

func validate(ctx context.Context, out io.Writer, dirs, skillDirs, services []string) error {
	files, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return err
	}

	workflows, verrs := definition.NewValidator().Accept(files)

	if len(skillDirs) > 0 || len(services) > 0 {
		unknown, err := unknownSkills(ctx, workflows, skillDirs, services)
		if err != nil {
			return err
		}
		verrs = append(verrs, unknown...)
	}

	errCount := 0
	for _, ve := range verrs {
		level := "error"
		if ve.IsWarning() {
			level = "warning"
		} else {
			errCount++
		}
		fmt.Fprintf(out, "%s: %s\n", level, ve.Error())
	}

	fmt.Fprintf(out, "%d files, %d valid workflows, %d errors, %d warnings\n",
		len(files), len(workflows), errCount, len(verrs)-errCount)
	if errCount > 0 {
		return errors.New("definition validation failed")
	}
	return nil
}

// unknownSkills reports steps whose skill id has no built-in handler, is
// missing from the catalog under skillDirs, and is not an operation of any
// of services ("id=path" pairs).
func unknownSkills(ctx context.Context, workflows []model.Workflow, skillDirs, services []string) ([]definition.VError, error) {
	catalog, err := skill.LoadCatalog(skillDirs)
	if err != nil {
		return nil, err
	}
	handlers := skill.NewHandlerRegistry()
	skill.RegisterBuiltins(handlers)

	reg := skill.NewRegistry()
	reg.Register(skill.NewHandlerInvoker(handlers))
	reg.Register(skill.NewPromptInvoker(catalog, "", nil))

	if len(services) > 0 {
		sources := make([]openapi.SpecSource, 0, len(services))
		for _, svc := range services {
			id, path, ok := strings.Cut(svc, "=")
			if !ok || id == "" || path == "" {
				return nil, fmt.Errorf("--openapi %q: want id=spec.yaml", svc)
			}
			// Only operation lookup is needed, so any base URL will do.
			sources = append(sources, openapi.SpecSource{ServiceID: id, SpecPath: path, BaseURL: "http://localhost"})
		}
		idx := openapi.NewIndex()
		if err := idx.Load(ctx, sources); err != nil {
			return nil, err
		}
		reg.Register(skill.NewOperationInvoker(idx, nil, nil))
	}

	var out []definition.VError
	for _, wf := range workflows {
		for i, step := range wf.Steps {
			if reg.Supports(step.SkillID) {
				continue
			}
			out = append(out, definition.VError{
				Path:    fmt.Sprintf("%s.steps[%d].skill_id", wf.ID, i),
				Code:    "UNKNOWN_SKILL",
				Message: fmt.Sprintf("skill %q is not built in, in the catalog, or an OpenAPI operation", step.SkillID),
			})
		}
	}
	return out, nil
}

func newPlanCommand() *cobra.Command {
	var workflowID string
	cmd := &cobra.Command{
		Use:   "plan <file>",
		Short: "Print the execution stages of each workflow in a definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return plan(cmd.OutOrStdout(), args[0], workflowID)
		},
	}
	cmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "only plan the workflow with this id")
	return cmd
}

func plan(out io.Writer, path, workflowID string) error {
	def, err := definition.NewLoader().LoadFile(path)
	if err != nil {
		return err
	}

	workflows := def.Workflows
	if workflowID != "" {
		workflows = nil
		for _, wf := range def.Workflows {
			if wf.ID == workflowID {
				workflows = append(workflows, wf)
			}
		}
		if len(workflows) == 0 {
			return fmt.Errorf("workflow %q not found in %s", workflowID, path)
		}
	}
	sort.SliceStable(workflows, func(i, j int) bool { return workflows[i].ID < workflows[j].ID })

	for i, wf := range workflows {
		if i > 0 {
			fmt.Fprintln(out)
		}
		p := graph.Build(wf.Steps)
		fmt.Fprintf(out, "%s (%s): %d steps in %d stages, max parallelism %d\n",
			wf.Name, wf.ID, len(wf.Steps), len(p.Groups), graph.MaxParallelism(wf.Steps))
		if p.Degraded {
			fmt.Fprintf(out, "warning: dependencies could not be layered, running %v one at a time\n", p.Unresolved)
		}
		fmt.Fprintln(out, graph.RenderPlan(wf.Steps))
	}
	return nil
}
