package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/dockship/db"
)

func HistoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "list recorded pipeline runs",
		ArgsUsage: "[run id]",
		Action:    History,
		Flags: append(commonFlags(),
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "number of runs to show",
				Value:   20,
			},
		),
		Description: `
With a run id, shows that run's stages.

Environment variables:
	DOCKSHIP_DB_PATH          (default: dockship.db)
`,
	}
}

func History(ctx context.Context, cmd *cli.Command) error {
	e, err := load(ctx, cmd)
	if err != nil {
		return err
	}

	d, err := db.Make(e.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open run history: %w", err)
	}
	defer d.Close()

	w := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if id := cmd.Args().First(); id != "" {
		run, err := d.GetRun(ctx, id)
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", run.ID, run.Kind, run.Outcome, run.Image)
		fmt.Fprintln(w, "STAGE\tOUTCOME\tTOOK\tDETAIL")
		for _, s := range run.Stages {
			detail := s.Note
			if s.Error != "" {
				detail = s.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Stage, s.Outcome, s.Finished.Sub(s.Started).Round(time.Millisecond), detail)
		}
		return nil
	}

	runs, err := d.ListRuns(ctx, cmd.Int("limit"))
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "ID\tKIND\tOUTCOME\tIMAGE\tSTARTED\tTOOK")
	for _, r := range runs {
		outcome := r.Outcome
		if r.FailedAt != "" {
			outcome += " (" + r.FailedAt + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Kind, outcome, r.Image,
			humanize.Time(r.Started),
			r.Duration().Round(time.Second),
		)
	}
	return nil
}
