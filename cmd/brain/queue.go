package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/activity"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/pipeline"
)

var ingestSession string

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Queue conversation exchanges for extraction",
	Long: `Ingest reads a YAML or JSON list of exchanges and queues them for the
extract stage. Each exchange has session_id, speaker and text; id and at are
optional.

Example exchanges.yaml:
  - session_id: 2026-10-18-morning
    speaker: user
    text: My sister Maya just started nursing school.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exchanges, err := readExchanges(args[0])
		if err != nil {
			return err
		}

		a, err := openStore()
		if err != nil {
			return err
		}
		defer a.close()

		for _, ex := range exchanges {
			if ingestSession != "" && ex.SessionID == "" {
				ex.SessionID = ingestSession
			}
			if ex.SessionID == "" || strings.TrimSpace(ex.Text) == "" {
				return fmt.Errorf("exchange %q: session_id and text are required", ex.ID)
			}
			if ex.Speaker == "" {
				ex.Speaker = "user"
			}
			if err := a.store.AddExchange(cmd.Context(), ex); err != nil {
				return err
			}
		}
		fmt.Printf("Queued %d exchanges\n", len(exchanges))
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSession, "session", "", "Session id for exchanges that have none")
}

func readExchanges(path string) ([]*memory.Exchange, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var exchanges []*memory.Exchange
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &exchanges)
	default:
		err = yaml.Unmarshal(data, &exchanges)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return exchanges, nil
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openStore()
		if err != nil {
			return err
		}
		defer a.close()

		stats, err := a.store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(stats))
		for k := range stats {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Printf("Database: %s\n\n", cfg.DBPath())
		for _, k := range keys {
			fmt.Printf("  %-22s %d\n", k, stats[k])
		}

		overview, err := a.store.ListThreadsOverview(cmd.Context())
		if err != nil {
			return err
		}
		if len(overview) > 0 {
			fmt.Println("\nThreads:")
			for _, t := range overview {
				fmt.Printf("  %-30s %4d  %s\n", t.Name, t.Size, cfg.Threads.Thresholds.Band(t.Size))
			}
		}
		return nil
	},
}

var triageAll bool

var triageCmd = &cobra.Command{
	Use:   "triage",
	Short: "List low-confidence placements awaiting review",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openStore()
		if err != nil {
			return err
		}
		defer a.close()

		items, err := a.store.ListTriage(cmd.Context(), triageAll)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("Triage queue is empty")
			return nil
		}
		for _, item := range items {
			content := "(atom missing)"
			if atom, err := a.store.GetAtom(cmd.Context(), item.AtomID); err == nil {
				content = atom.Content
			}
			fmt.Printf("%s  %s\n  %s\n", item.ID, item.AtomID, content)
			for _, p := range item.Proposals {
				target := p.ThreadName
				if p.NewScope != "" {
					target += " (" + p.NewScope + ")"
				}
				fmt.Printf("    %s -> %s [%s]\n", p.Action, target, p.Confidence)
			}
			if item.ResolvedAt != nil {
				fmt.Printf("    resolved: %s\n", item.Resolution)
			}
		}
		return nil
	},
}

var triageResolveCmd = &cobra.Command{
	Use:   "resolve <id> <resolution>",
	Short: "Mark a triage item resolved",
	Long: `Resolve closes a triage item. Apply the placement you chose first with
'brain apply', then record it here, e.g.

  brain triage resolve tri-123 "assigned to Family Dynamics"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openStore()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.store.ResolveTriage(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Resolved %s\n", args[0])
		return nil
	},
}

func init() {
	triageCmd.Flags().BoolVar(&triageAll, "all", false, "Include resolved items")
	triageCmd.AddCommand(triageResolveCmd)
}

var (
	runsLimit int
	runsStage string
	runsSince time.Duration
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent stage runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		history := activity.New(cfg.StateDir)

		var entries []activity.Entry
		var err error
		switch {
		case runsSince > 0:
			now := time.Now()
			entries, err = history.Range(now.Add(-runsSince), now)
		case runsStage != "":
			entries, err = history.ByStage(runsStage, runsLimit)
		default:
			entries, err = history.Recent(runsLimit)
		}
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No runs recorded")
			return nil
		}
		for _, e := range entries {
			line := fmt.Sprintf("%s  %-9s  %-16s %6.1fs  %s",
				e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Stage, e.Outcome, e.Duration, e.Summary)
			if e.Error != "" {
				line += "  (" + e.Error + ")"
			}
			fmt.Println(line)
		}

		if runsStage == "" {
			fmt.Println("\nLast success:")
			for _, stage := range pipeline.Stages {
				when := "never"
				if t := history.LastSuccess(string(stage)); !t.IsZero() {
					when = t.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Printf("  %-9s  %s\n", stage, when)
			}
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to show")
	runsCmd.Flags().StringVar(&runsStage, "stage", "", "Only show one stage")
	runsCmd.Flags().DurationVar(&runsSince, "since", 0, "Show every run in this window, e.g. 24h")
}
