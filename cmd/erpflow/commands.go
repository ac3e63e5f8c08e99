package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/erpflow/internal/config"
	"github.com/kalambet/erpflow/internal/erp"
	"github.com/kalambet/erpflow/internal/workflow"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <goal>",
	Short: "Start a design workflow for a business goal",
	Long: `Start a design workflow for a business goal.

Examples:
  erpflow submit "Track customer credit limits on sales orders"
  erpflow submit --wait --template data-model-review "Add a quality inspection step to purchase receipts"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		tmpl, _ := cmd.Flags().GetString("template")
		attempts, _ := cmd.Flags().GetInt("max-attempts")
		timeout, _ := cmd.Flags().GetDuration("stage-timeout")

		body := map[string]any{
			"goal": strings.Join(args, " "),
			"wait": wait,
		}
		if tmpl != "" {
			body["template"] = tmpl
		}
		if attempts > 0 {
			body["max_attempts"] = attempts
		}
		if timeout > 0 {
			body["stage_timeout"] = timeout.String()
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := context.Background()
		if !wait {
			var cancel context.CancelFunc
			ctx, cancel = requestTimeout()
			defer cancel()
		}
		resp, err := client.post(ctx, "/workflows", body)
		if err != nil {
			return err
		}

		if !wait {
			var result map[string]string
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			printSuccess("Workflow %s started", result["id"])
			return nil
		}
		var rep workflow.StatusReport
		if err := decodeJSON(resp, &rep); err != nil {
			return err
		}
		printReport(rep)
		return nil
	},
}

func init() {
	submitCmd.Flags().Bool("wait", false, "block until the workflow finishes")
	submitCmd.Flags().String("template", "", "workflow template name")
	submitCmd.Flags().Int("max-attempts", 0, "attempts per stage (0 uses the server default)")
	submitCmd.Flags().Duration("stage-timeout", 0, "per-attempt stage timeout (0 uses the server default)")
}

// --- workflow ---

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Inspect or cancel workflows",
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent workflows, running and finished",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestTimeout()
		defer cancel()

		resp, err := client.get(ctx, "/workflows?"+url.Values{"limit": {strconv.Itoa(limit)}}.Encode())
		if err != nil {
			return err
		}
		var list []workflow.StatusReport
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No workflows.")
			return nil
		}
		for _, w := range list {
			fmt.Printf("%s  %-10s  %s  %s\n",
				colorize(colorCyan, w.ID),
				stateLabel(w.State),
				w.CreatedAt.Local().Format(time.DateTime),
				truncate(w.Goal, 60),
			)
		}
		return nil
	},
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show a workflow's state and stages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestTimeout()
		defer cancel()

		resp, err := client.get(ctx, "/workflows/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var rep workflow.StatusReport
		if err := decodeJSON(resp, &rep); err != nil {
			return err
		}
		if asJSON {
			return printJSON(rep)
		}
		printReport(rep)
		return nil
	},
}

var workflowDeliverablesCmd = &cobra.Command{
	Use:   "deliverables <id>",
	Short: "Print the artifacts a workflow produced",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outDir, _ := cmd.Flags().GetString("output-dir")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestTimeout()
		defer cancel()

		resp, err := client.get(ctx, "/workflows/"+url.PathEscape(args[0])+"/deliverables")
		if err != nil {
			return err
		}
		var out map[string]string
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if len(out) == 0 {
			fmt.Println("No deliverables yet.")
			return nil
		}

		types := make([]string, 0, len(out))
		for t := range out {
			types = append(types, t)
		}
		sort.Strings(types)

		if outDir != "" {
			return writeDeliverables(outDir, types, out)
		}
		for _, t := range types {
			fmt.Printf("%s\n\n%s\n\n", colorize(colorBold, "== "+t+" =="), out[t])
		}
		return nil
	},
}

func writeDeliverables(dir string, types []string, out map[string]string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	for _, t := range types {
		ext := ".md"
		if json.Valid([]byte(out[t])) {
			ext = ".json"
		}
		path := filepath.Join(dir, t+ext)
		if err := os.WriteFile(path, []byte(out[t]), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		printSuccess("Wrote %s", path)
	}
	return nil
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Request cancellation of a running workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestTimeout()
		defer cancel()

		resp, err := client.post(ctx, "/workflows/"+url.PathEscape(args[0])+"/cancel", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Cancellation requested for %s", args[0])
		return nil
	},
}

func init() {
	workflowListCmd.Flags().Int("limit", 50, "show at most this many workflows")
	workflowStatusCmd.Flags().Bool("json", false, "print the raw status report")
	workflowDeliverablesCmd.Flags().String("output-dir", "", "write one file per artifact into this directory")
	workflowCmd.AddCommand(workflowListCmd, workflowStatusCmd, workflowDeliverablesCmd, workflowCancelCmd)
}

func stateLabel(s workflow.State) string {
	switch s {
	case workflow.StateCompleted:
		return colorize(colorGreen, string(s))
	case workflow.StateFailed, workflow.StateCancelled:
		return colorize(colorRed, string(s))
	case workflow.StatePartial:
		return colorize(colorYellow, string(s))
	default:
		return string(s)
	}
}

func printReport(rep workflow.StatusReport) {
	printStatus("Workflow", "%s", rep.ID)
	printStatus("Goal", "%s", rep.Goal)
	if rep.Template != "" {
		printStatus("Template", "%s", rep.Template)
	}
	printStatus("State", "%s", stateLabel(rep.State))
	if rep.Error != "" {
		printStatus("Error", "%s", rep.Error)
	}
	for _, st := range rep.Stages {
		line := fmt.Sprintf("    %-24s %-18s attempts=%d", st.ID, st.Status, st.Attempts)
		if st.Error != "" {
			line += "  " + truncate(st.Error, 80)
		}
		fmt.Fprintln(msgOut, line)
	}
	if rep.ImplementationGuide != "" {
		fmt.Printf("\n%s\n", rep.ImplementationGuide)
	}
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Add a document to the retrieval index",
	Long: `Add a document to the retrieval index.

Examples:
  erpflow ingest --text "Credit holds are released by the finance team" --entity "DocType::Customer"
  erpflow ingest --url https://docs.example.com/returns-policy
  erpflow ingest --file ./warehouse-procedures.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		link, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		id, _ := cmd.Flags().GetString("id")
		sourceType, _ := cmd.Flags().GetString("source-type")
		entity, _ := cmd.Flags().GetString("entity")

		if text == "" && link == "" && file == "" {
			return fmt.Errorf("one of --text, --url, or --file is required")
		}

		req := map[string]any{}
		if id != "" {
			req["id"] = id
		}
		if sourceType != "" {
			req["source_type"] = sourceType
		}
		if entity != "" {
			req["entity_id"] = entity
		}

		switch {
		case text != "":
			req["type"] = "text"
			req["content"] = text
		case link != "":
			req["type"] = "url"
			req["url"] = link
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			if erp.IsPDF(data) {
				req["type"] = "file"
				req["content"] = base64.StdEncoding.EncodeToString(data)
			} else {
				req["type"] = "text"
				req["content"] = string(data)
			}
			if id == "" {
				req["id"] = filepath.Base(file)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestTimeout()
		defer cancel()

		resp, err := client.post(ctx, "/documents", req)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued document %s", result["id"])
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("file", "", "file path to ingest (text or PDF)")
	ingestCmd.Flags().String("id", "", "document id (default: generated, or the file name)")
	ingestCmd.Flags().String("source-type", "", "source label stored with the document")
	ingestCmd.Flags().String("entity", "", "graph entity the document describes, e.g. DocType::Customer")
}

// --- recall ---

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Semantic search over indexed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestTimeout()
		defer cancel()

		resp, err := client.get(ctx, fmt.Sprintf("/search?q=%s&limit=%d", url.QueryEscape(query), limit))
		if err != nil {
			return err
		}
		var results []struct {
			ID         string  `json:"id"`
			SourceType string  `json:"source_type"`
			EntityID   string  `json:"entity_id"`
			Content    string  `json:"content"`
			Score      float32 `json:"score"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range results {
			fmt.Printf("\n%s %s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.ID, r.Score)
			if r.SourceType != "" {
				fmt.Printf("  Source: %s\n", r.SourceType)
			}
			if r.EntityID != "" {
				fmt.Printf("  Entity: %s\n", r.EntityID)
			}
			fmt.Printf("  %s\n", truncate(r.Content, 500))
		}
		return nil
	},
}

func init() {
	recallCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- graph ---

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect the ERP relationship graph",
}

var graphStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show node and edge counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestTimeout()
		defer cancel()

		resp, err := client.get(ctx, "/graph/stats")
		if err != nil {
			return err
		}
		var st struct {
			Nodes           int            `json:"nodes"`
			Edges           int            `json:"edges"`
			NodesByType     map[string]int `json:"nodes_by_type"`
			EdgesByRelation map[string]int `json:"edges_by_relation"`
			Documents       int            `json:"documents"`
		}
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printStatus("Documents", "%d", st.Documents)
		printStatus("Nodes", "%d", st.Nodes)
		printCounts(st.NodesByType)
		printStatus("Edges", "%d", st.Edges)
		printCounts(st.EdgesByRelation)
		return nil
	},
}

func printCounts(m map[string]int) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(msgOut, "    %-28s %d\n", k, m[k])
	}
}

var graphTraverseCmd = &cobra.Command{
	Use:   "traverse <entity>",
	Short: "Walk the graph from an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		relations, _ := cmd.Flags().GetStringSlice("relation")
		hops, _ := cmd.Flags().GetInt("hops")
		both, _ := cmd.Flags().GetBool("both")

		q := url.Values{}
		q.Set("start", args[0])
		q.Set("hops", fmt.Sprint(hops))
		for _, r := range relations {
			q.Add("relation", r)
		}
		if both {
			q.Set("direction", "both")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestTimeout()
		defer cancel()

		resp, err := client.get(ctx, "/graph/traverse?"+q.Encode())
		if err != nil {
			return err
		}
		var visits []struct {
			Node struct {
				ID   string `json:"id"`
				Type string `json:"type"`
			} `json:"node"`
			Hop int `json:"hop"`
			Via struct {
				Relation string `json:"relation"`
			} `json:"via"`
			Incoming bool `json:"incoming"`
		}
		if err := decodeJSON(resp, &visits); err != nil {
			return err
		}
		if len(visits) == 0 {
			fmt.Printf("No entity %q in the graph.\n", args[0])
			return nil
		}
		for _, v := range visits {
			arrow := ""
			if v.Hop > 0 {
				arrow = "-" + v.Via.Relation + "-> "
				if v.Incoming {
					arrow = "<-" + v.Via.Relation + "- "
				}
			}
			fmt.Printf("%s%s%s\n", strings.Repeat("  ", v.Hop), arrow, v.Node.ID)
		}
		return nil
	},
}

func init() {
	graphTraverseCmd.Flags().StringSlice("relation", nil, "only follow these relations")
	graphTraverseCmd.Flags().Int("hops", 2, "maximum hops")
	graphTraverseCmd.Flags().Bool("both", false, "follow incoming edges too")
	graphCmd.AddCommand(graphStatsCmd, graphTraverseCmd)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Queue one ERP sync pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		doctypes, _ := cmd.Flags().GetStringSlice("doctype")
		all, _ := cmd.Flags().GetBool("all")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestTimeout()
		defer cancel()

		resp, err := client.post(ctx, "/sync", erp.SyncPayload{DocTypes: doctypes, All: all})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result["status"] == "queued" {
			printSuccess("ERP sync queued")
		} else {
			printWarning("ERP sync %s", result["status"])
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().StringSlice("doctype", nil, "sync only these doctypes (default: erp.doctypes)")
	syncCmd.Flags().Bool("all", false, "sync every doctype the ERP site lists")
	syncCmd.MarkFlagsMutuallyExclusive("all", "doctype")
}

// --- traces ---

var tracesCmd = &cobra.Command{
	Use:   "traces",
	Short: "Work with stage execution traces",
}

var tracesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export traces as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		since, _ := cmd.Flags().GetDuration("since")

		q := url.Values{}
		if since > 0 {
			q.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339))
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(context.Background(), "/traces?"+q.Encode())
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return responseError(resp)
		}

		var writer io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		}
		n, err := copyLines(writer, resp.Body)
		if err != nil {
			return err
		}
		if output != "" {
			printSuccess("Exported %d traces to %s", n, output)
		}
		return nil
	},
}

// copyLines copies a JSON-lines stream and counts records. A trailing error
// record written by the server becomes a returned error.
func copyLines(w io.Writer, r io.Reader) (int, error) {
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)
	n := 0
	for {
		var line json.RawMessage
		if err := dec.Decode(&line); err == io.EOF {
			return n, nil
		} else if err != nil {
			return n, fmt.Errorf("reading traces: %w", err)
		}
		var e apiErrorBody
		if json.Unmarshal(line, &e) == nil && e.Error.Message != "" {
			return n, fmt.Errorf("export interrupted: %s", e.Error.Message)
		}
		if err := enc.Encode(line); err != nil {
			return n, err
		}
		n++
	}
}

func init() {
	tracesExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	tracesExportCmd.Flags().Duration("since", 0, "only traces recorded within this window, e.g. 24h")
	tracesCmd.AddCommand(tracesExportCmd)
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
		fmt.Printf("# %s\n", config.ConfigFilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		if key == "erp.api_key" {
			printSuccess("Stored %s", key)
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
