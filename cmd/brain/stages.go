package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/decision"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/pipeline"
)

var (
	extractCmd   = stageCmd(pipeline.StageExtract, "Extract atoms from pending exchanges")
	organizeCmd  = stageCmd(pipeline.StageOrganize, "File unorganized atoms into threads")
	maintainCmd  = stageCmd(pipeline.StageMaintain, "Split and merge threads by size and overlap")
	summarizeCmd = stageCmd(pipeline.StageSummarize, "Refresh digests of changed threads")
)

func stageCmd(stage pipeline.Stage, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(stage),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openPipeline()
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.runner.Run(cmd.Context(), stage)
			if report != nil {
				fmt.Println(string(report.JSON()))
			}
			return err
		},
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every stage once, in order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openPipeline()
		if err != nil {
			return err
		}
		defer a.close()

		reports, err := a.runner.RunAll(cmd.Context())
		out, merr := json.MarshalIndent(reports, "", "  ")
		if merr != nil {
			return merr
		}
		fmt.Println(string(out))
		return err
	},
}

var applyDryRun bool

var applyCmd = &cobra.Command{
	Use:   "apply <file>",
	Short: "Validate and commit a decision file",
	Long: `Apply reads a decision batch ({"decisions":[...]} or a bare array), validates
it as a whole against the current store and commits it in one transaction.
Every atom named by a disposition must be fully covered by the batch.

Example:
  brain apply reviewed-triage.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		batch, err := decision.Parse(data)
		if err != nil {
			return err
		}

		a, err := openStore()
		if err != nil {
			return err
		}
		defer a.close()

		atomIDs := dispositionAtoms(batch)
		if applyDryRun {
			table, err := a.store.ThreadTable(cmd.Context(), cfg.Threads.ConversationPrefix)
			if err != nil {
				return err
			}
			if err := decision.Validate(batch, decision.Snapshot{Threads: table, AtomIDs: atomIDs}); err != nil {
				return err
			}
			fmt.Printf("%d decisions valid\n", len(batch))
			return nil
		}

		res, err := a.applier.Apply(cmd.Context(), batch, atomIDs)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "Validate without committing")
}

// dispositionAtoms lists the atoms a batch decides, in first-seen order
func dispositionAtoms(batch []decision.Decision) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, d := range batch {
		disp, ok := d.(decision.Disposition)
		if !ok || seen[disp.Atom()] {
			continue
		}
		seen[disp.Atom()] = true
		ids = append(ids, disp.Atom())
	}
	return ids
}
