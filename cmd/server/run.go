package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bookgen/api/internal/engine"
	"github.com/bookgen/api/internal/model"
)

var (
	runMode       string
	runChapters   int
	runWords      int
	runSources    []string
	runMinSources int
)

var runCmd = &cobra.Command{
	Use:   "run <subject>",
	Short: "Generate one biography in this process",
	Long: `Create a job for <subject> and run it to the end in this process,
without the queue. The job result is printed as JSON; the command fails
when the job does not complete.

Examples:
  bookgen run "Ada Lovelace"
  bookgen run "Ada Lovelace" --chapters 5 --words 10000
  bookgen run "Mary Shelley" --mode hybrid --source https://en.wikipedia.org/wiki/Mary_Shelley`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		a.engine.Start(ctx)

		job, err := a.engine.GenerateBiography(ctx, engine.Request{
			Character:  strings.Join(args, " "),
			Mode:       model.GenerationMode(runMode),
			Sources:    runSources,
			MinSources: runMinSources,
			Chapters:   runChapters,
			TotalWords: runWords,
		})
		if err != nil {
			return err
		}
		a.log.Info("job created", "job_id", job.ID, "character", job.Character)

		res, err := a.engine.ExecuteJob(ctx, job.ID)
		if err != nil {
			return err
		}

		out := map[string]any{
			"job_id":      res.JobID,
			"final_state": res.FinalState,
			"success":     res.Success,
			"phases":      res.Phases,
		}
		if res.Err != nil {
			out["error"] = res.Err.Error()
		}
		if path, err := a.engine.ArtifactPath(ctx, job.ID); err == nil {
			out["artifact"] = path
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}

		if !res.Success {
			return fmt.Errorf("job %s ended in %s", res.JobID, res.FinalState)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", string(model.ModeAutomatic), "generation mode: automatic, hybrid or manual")
	runCmd.Flags().IntVar(&runChapters, "chapters", 0, "number of chapters (default CHAPTERS_NUMBER)")
	runCmd.Flags().IntVar(&runWords, "words", 0, "total word target (default TOTAL_WORDS)")
	runCmd.Flags().StringSliceVar(&runSources, "source", nil, "source URL; repeat for several")
	runCmd.Flags().IntVar(&runMinSources, "min-sources", 0, "minimum valid sources required")

	rootCmd.AddCommand(runCmd)
}
