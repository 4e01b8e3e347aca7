package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kalambet/epirank/internal/config"
)

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Start and drive labeling sessions",
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset <experiment-id>",
	Short: "Start a fresh session for an experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		expID, err := strconv.Atoi(args[0])
		if err != nil || expID <= 0 {
			return fmt.Errorf("invalid experiment id %q", args[0])
		}
		strategy, _ := cmd.Flags().GetString("strategy")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/session/reset", map[string]any{
			"experiment_id":     expID,
			"sampling_strategy": strategy,
		})
		if err != nil {
			return err
		}

		var st sessionState
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printSuccess("Session %s started: %d steps", st.SessionID, st.SequenceLength)
		writeBoard(os.Stdout, st.Board)
		return nil
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current session as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd.Context(), "/session")
	},
}

var sessionSequenceCmd = &cobra.Command{
	Use:   "sequence",
	Short: "Show the step sequence of the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd.Context(), "/session/sequence")
	},
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/sessions?limit=%d", limit))
		if err != nil {
			return err
		}

		var sessions []struct {
			ID             string `json:"id"`
			ExperimentID   int    `json:"experiment_id"`
			CurrentStep    int    `json:"current_step"`
			SequenceLength int    `json:"sequence_length"`
			Ended          bool   `json:"ended"`
			UpdatedAt      string `json:"updated_at"`
		}
		if err := decodeJSON(resp, &sessions); err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		for _, s := range sessions {
			fmt.Printf("%s  exp %d  %s  %s\n",
				colorize(colorCyan, s.ID),
				s.ExperimentID,
				sessionLabel(s.ID, s.CurrentStep, s.SequenceLength, s.Ended),
				s.UpdatedAt,
			)
		}
		return nil
	},
}

var sessionSampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Sample the episodes of the current step",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postOutcome(cmd.Context(), "/session/sample")
	},
}

var sessionAdvanceCmd = &cobra.Command{
	Use:   "advance",
	Short: "Advance to the next step without submitting feedback",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postOutcome(cmd.Context(), "/session/advance")
	},
}

func init() {
	sessionResetCmd.Flags().String("strategy", "", "sampling strategy (server default when empty)")
	sessionHistoryCmd.Flags().Int("limit", 20, "maximum number of sessions to list")
	sessionCmd.AddCommand(sessionResetCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionSequenceCmd)
	sessionCmd.AddCommand(sessionHistoryCmd)
	sessionCmd.AddCommand(sessionSampleCmd)
	sessionCmd.AddCommand(sessionAdvanceCmd)
}

type sessionState struct {
	SessionID      string    `json:"session_id"`
	Active         bool      `json:"active"`
	Ended          bool      `json:"ended"`
	CurrentStep    int       `json:"current_step"`
	SequenceLength int       `json:"sequence_length"`
	RankeableIDs   []string  `json:"rankeable_episode_ids"`
	Board          boardView `json:"board"`
}

func postOutcome(ctx context.Context, path string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(ctx, path, nil)
	if err != nil {
		return err
	}

	var out struct {
		Outcome string       `json:"outcome"`
		State   sessionState `json:"state"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	switch out.Outcome {
	case "busy":
		printWarning("Another session operation is in progress")
	case "not_ready":
		printWarning("No session is ready; run 'epirank session reset' first")
	case "ended":
		printSuccess("Session %s has ended", out.State.SessionID)
	default:
		printSuccess("%s: %s", out.Outcome, sessionLabel(out.State.SessionID, out.State.CurrentStep, out.State.SequenceLength, out.State.Ended))
		writeBoard(os.Stdout, out.State.Board)
	}
	return nil
}

func getAndPrint(ctx context.Context, path string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.get(ctx, path)
	if err != nil {
		return err
	}
	var v json.RawMessage
	if err := decodeJSON(resp, &v); err != nil {
		return err
	}
	return printJSON(os.Stdout, v)
}

// --- board ---

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Inspect and rearrange the ranking board",
}

var boardShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the ranking board",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/board")
		if err != nil {
			return err
		}
		var b boardView
		if err := decodeJSON(resp, &b); err != nil {
			return err
		}
		writeBoard(os.Stdout, b)
		return nil
	},
}

var boardMoveCmd = &cobra.Command{
	Use:   "move <episode-id> <from-column> <to-column>",
	Short: "Move an episode between rank columns",
	Long: `Move an episode between rank columns.

Examples:
  epirank board move Hopper-v4_trained_0_1000_3 rank-2 rank-0
  epirank board move Hopper-v4_trained_0_1000_3 rank-2 rank-0 --to-index 1
  epirank board move Hopper-v4_trained_0_1000_9 pool rank-1`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		fromIndex, _ := cmd.Flags().GetInt("from-index")
		toIndex, _ := cmd.Flags().GetInt("to-index")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/board/moves", moveRequest(args[0], args[1], args[2], fromIndex, toIndex))
		if err != nil {
			return err
		}

		var out struct {
			Result struct {
				Changed bool      `json:"changed"`
				Board   boardView `json:"board"`
			} `json:"result"`
			Record *struct {
				ID string `json:"id"`
			} `json:"record"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if !out.Result.Changed {
			printWarning("Board unchanged")
			return nil
		}
		if out.Record != nil {
			printSuccess("Scheduled ranking %s", out.Record.ID)
		}
		writeBoard(os.Stdout, out.Result.Board)
		return nil
	},
}

func moveRequest(episodeID, from, to string, fromIndex, toIndex int) map[string]any {
	return map[string]any{
		"episode_id":       episodeID,
		"source_column":    from,
		"source_index":     fromIndex,
		"dest_column":      to,
		"dest_index":       toIndex,
		"is_new_from_pool": from == "pool",
	}
}

func init() {
	boardMoveCmd.Flags().Int("from-index", 0, "position of the episode in the source column")
	boardMoveCmd.Flags().Int("to-index", 0, "insert position in the destination column")
	boardCmd.AddCommand(boardShowCmd)
	boardCmd.AddCommand(boardMoveCmd)
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Record and submit feedback",
}

var feedbackRateCmd = &cobra.Command{
	Use:   "rate <episode-id> <score>",
	Short: "Rate an episode from 0 to 10",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		score, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid score %q", args[1])
		}
		return postFeedback(cmd.Context(), map[string]any{
			"feedback_type": "evaluative",
			"episode_ids":   []string{args[0]},
			"score":         score,
		})
	},
}

var feedbackTextCmd = &cobra.Command{
	Use:   "text <episode-id> <text>",
	Short: "Attach free-text feedback to an episode",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/feedback/text", map[string]any{
			"episode_id": args[0],
			"text":       args[1],
		})
		if err != nil {
			return err
		}
		var out map[string]any
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Text recorded for %s", args[0])
		return nil
	},
}

var feedbackDemoCmd = &cobra.Command{
	Use:   "demo <episode-id>",
	Short: "Mark an episode as a user demonstration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postFeedback(cmd.Context(), map[string]any{
			"feedback_type": "demonstrative",
			"episode_ids":   []string{args[0]},
		})
	},
}

var feedbackPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show feedback waiting to be submitted",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/feedback/pending")
		if err != nil {
			return err
		}
		var out struct {
			Records []struct {
				ID      string `json:"id"`
				Type    string `json:"feedback_type"`
				Targets []struct {
					TargetID string `json:"target_id"`
				} `json:"targets"`
			} `json:"records"`
			PendingEdits int `json:"pending_edits"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if len(out.Records) == 0 && out.PendingEdits == 0 {
			fmt.Println("No pending feedback.")
			return nil
		}
		for _, r := range out.Records {
			fmt.Printf("%s  %-16s  %d target(s)\n", colorize(colorCyan, shortID(r.ID)), r.Type, len(r.Targets))
		}
		if out.PendingEdits > 0 {
			fmt.Printf("%d text edit(s) waiting to settle\n", out.PendingEdits)
		}
		return nil
	},
}

var feedbackSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit pending feedback and move to the next step",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/submit", nil)
		if err != nil {
			return err
		}
		var out struct {
			Submitted int    `json:"submitted"`
			Advance   string `json:"advance"`
			Ended     bool   `json:"ended"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Submitted %d record(s)", out.Submitted)
		if out.Ended {
			printSuccess("Session complete")
		}
		return nil
	},
}

func postFeedback(ctx context.Context, body map[string]any) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(ctx, "/feedback", body)
	if err != nil {
		return err
	}
	var rec struct {
		ID   string `json:"id"`
		Type string `json:"feedback_type"`
	}
	if err := decodeJSON(resp, &rec); err != nil {
		return err
	}
	printSuccess("Scheduled %s feedback %s", rec.Type, rec.ID)
	return nil
}

func init() {
	feedbackCmd.AddCommand(feedbackRateCmd)
	feedbackCmd.AddCommand(feedbackTextCmd)
	feedbackCmd.AddCommand(feedbackDemoCmd)
	feedbackCmd.AddCommand(feedbackPendingCmd)
	feedbackCmd.AddCommand(feedbackSubmitCmd)
}

// --- catalog ---

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List projects, experiments and configurations",
}

func catalogListCmd(use, short, path string) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			refresh, _ := cmd.Flags().GetBool("refresh")
			p := path
			if refresh {
				p += "?" + url.Values{"refresh": {"true"}}.Encode()
			}
			return getAndPrint(cmd.Context(), p)
		},
	}
	c.Flags().Bool("refresh", false, "bypass the server's catalog cache")
	return c
}

func init() {
	catalogCmd.AddCommand(catalogListCmd("projects", "List projects", "/projects"))
	catalogCmd.AddCommand(catalogListCmd("experiments", "List experiments", "/experiments"))
	catalogCmd.AddCommand(catalogListCmd("ui-configs", "List UI configurations", "/ui-configs"))
	catalogCmd.AddCommand(catalogListCmd("backend-configs", "List backend configurations", "/backend-configs"))
}

// --- episode ---

var episodeCmd = &cobra.Command{
	Use:   "episode",
	Short: "Fetch episode resources",
}

var episodeGetCmd = &cobra.Command{
	Use:   "get <episode-id> <thumbnail|video|rewards|uncertainty>",
	Short: "Download an episode resource",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/episodes/"+url.PathEscape(args[0])+"/"+url.PathEscape(args[1]))
		if err != nil {
			return err
		}
		if err := checkStatus(resp); err != nil {
			return err
		}
		defer resp.Body.Close()

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}
		n, err := io.Copy(w, resp.Body)
		if err != nil {
			return fmt.Errorf("writing resource: %w", err)
		}
		if output != "" {
			printSuccess("Wrote %d bytes to %s", n, output)
		}
		return nil
	},
}

func init() {
	episodeGetCmd.Flags().StringP("output", "o", "", "output file path (default: stdout)")
	episodeCmd.AddCommand(episodeGetCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			source := "(" + k.EnvVar + ")"
			if k.FromEnv {
				source = "(set by " + k.EnvVar + ")"
			}
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, source))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configSetCmd.ValidArgsFunction = func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
	}
	configUnsetCmd.ValidArgs = config.ValidKeys()
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
