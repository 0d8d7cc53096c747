// conduitctl is the admin CLI: it talks to a running conduitd over HTTP to
// inspect the registry, dump bandit posterior stats, submit queries and
// record feedback.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

// addrFlag holds --addr; baseURL falls back to CONDUIT_ADDR, then to
// http://localhost:8080.
var addrFlag string

func baseURL() string {
	addr := addrFlag
	if addr == "" {
		addr = os.Getenv("CONDUIT_ADDR")
	}
	if addr == "" {
		addr = "http://localhost:8080"
	}
	return strings.TrimRight(addr, "/")
}

func getJSON(path string, out any) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(baseURL() + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}

func postJSON(path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(baseURL()+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, body)
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check daemon health and active routing phase",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var health map[string]any
			if err := getJSON("/healthz", &health); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status: %v\narms: %v\nphase: %v\n",
				health["status"], health["arms"], health["phase"])
			return nil
		},
	}
}

func newArmsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "arms",
		Short: "List the registered model arms",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Arms []struct {
					ID                string  `json:"id"`
					Provider          string  `json:"provider"`
					CostPerInputToken float64 `json:"cost_per_input_token"`
					CostPerOutputTok  float64 `json:"cost_per_output_token"`
					ExpectedQuality   float64 `json:"expected_quality"`
				} `json:"arms"`
			}
			if err := getJSON("/v1/arms", &out); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tCOST_IN\tCOST_OUT\tQUALITY")
			for _, a := range out.Arms {
				fmt.Fprintf(w, "%s\t%s\t%.6f\t%.6f\t%.2f\n",
					a.ID, a.Provider, a.CostPerInputToken, a.CostPerOutputTok, a.ExpectedQuality)
			}
			return w.Flush()
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Dump bandit posterior diagnostics per arm",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]any
			if err := getJSON("/v1/stats", &out); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func newCompleteCmd() *cobra.Command {
	var provider string
	var minQuality, maxCost float64
	cmd := &cobra.Command{
		Use:   "complete [prompt]",
		Short: "Route one prompt through the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"prompt": args[0]}
			constraints := map[string]any{}
			if provider != "" {
				constraints["preferred_provider"] = provider
			}
			if minQuality > 0 {
				constraints["min_quality"] = minQuality
			}
			if maxCost > 0 {
				constraints["max_cost"] = maxCost
			}
			if len(constraints) > 0 {
				req["constraints"] = constraints
			}
			var out map[string]any
			if err := postJSON("/v1/complete", req, &out); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "preferred provider")
	cmd.Flags().Float64Var(&minQuality, "min-quality", 0, "minimum expected quality")
	cmd.Flags().Float64Var(&maxCost, "max-cost", 0, "maximum cost in USD")
	return cmd
}

func newFeedbackCmd() *cobra.Command {
	var model string
	var rating int
	cmd := &cobra.Command{
		Use:   "feedback [decision-id] [quality-score]",
		Short: "Record quality feedback for a served decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var quality float64
			if _, err := fmt.Sscanf(args[1], "%f", &quality); err != nil {
				return fmt.Errorf("quality-score must be a number in [0,1]: %w", err)
			}
			req := map[string]any{
				"decision_id":   args[0],
				"quality_score": quality,
			}
			if model != "" {
				req["model"] = model
			}
			if rating > 0 {
				req["user_rating"] = rating
			}
			if err := postJSON("/v1/feedback", req, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "feedback recorded")
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "arm that actually served the response (default: the decision's primary)")
	cmd.Flags().IntVar(&rating, "rating", 0, "optional 1-5 user rating")
	return cmd
}

func main() {
	root := &cobra.Command{
		Use:           "conduitctl",
		Short:         "Admin CLI for the conduit routing daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addrFlag, "addr", "", "daemon base URL (default CONDUIT_ADDR or http://localhost:8080)")
	root.AddCommand(newStatusCmd(), newArmsCmd(), newStatsCmd(), newCompleteCmd(), newFeedbackCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
