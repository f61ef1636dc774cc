package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Submit a document for ingestion",
	Long: `Submit a document for asynchronous ingestion.

Examples:
  vellum ingest --text "Go is a statically typed language" --name note
  vellum ingest --file ./notes.md
  vellum ingest --file ./paper.pdf --name "Research paper"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		name, _ := cmd.Flags().GetString("name")
		format, _ := cmd.Flags().GetString("format")

		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}
		if text != "" && file != "" {
			return fmt.Errorf("--text and --file are mutually exclusive")
		}

		req := map[string]any{"caller": "cli"}

		switch {
		case text != "":
			req["content"] = text
			if format == "" {
				format = "txt"
			}
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			if format == "" {
				format = strings.TrimPrefix(filepath.Ext(file), ".")
			}
			if format == "pdf" {
				req["content_base64"] = base64.StdEncoding.EncodeToString(data)
			} else {
				req["content"] = string(data)
			}
			if name == "" {
				name = filepath.Base(file)
			}
		}
		req["format"] = format
		if name != "" {
			req["name"] = name
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/ingest", req)
		if err != nil {
			return err
		}

		var result struct {
			JobID        string `json:"job_id"`
			DocumentID   string `json:"document_id"`
			Deduplicated bool   `json:"deduplicated"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Deduplicated {
			printWarning("Identical content already being processed by job %s", result.JobID)
			return nil
		}
		printSuccess("Queued job %s (document %s)", result.JobID, result.DocumentID)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("file", "", "file path to ingest")
	ingestCmd.Flags().String("name", "", "display name for the document")
	ingestCmd.Flags().String("format", "", "document format (txt, md, html, pdf); inferred from file extension")
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and cancel ingestion jobs",
}

type jobRecord struct {
	ID          string `json:"id"`
	DocumentID  string `json:"document_id"`
	State       string `json:"state"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	ErrorKind   string `json:"error_kind"`
	ErrorDetail string `json:"error_detail"`
	UpdatedAt   string `json:"updated_at"`
}

func printJob(j jobRecord) {
	state := j.State
	switch j.State {
	case "completed":
		state = colorize(colorGreen, state)
	case "failed":
		state = colorize(colorRed, state)
	case "cancelled":
		state = colorize(colorYellow, state)
	}
	fmt.Printf("%s  %-11s  attempt %d/%d  %s\n",
		colorize(colorCyan, j.ID[:8]), state, j.Attempts, j.MaxAttempts, j.UpdatedAt)
	if j.ErrorKind != "" {
		fmt.Printf("          %s: %s\n", j.ErrorKind, j.ErrorDetail)
	}
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/jobs?limit=%d", limit))
		if err != nil {
			return err
		}

		var list []jobRecord
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if len(list) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}
		for _, j := range list {
			printJob(j)
		}
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/jobs/"+args[0])
		if err != nil {
			return err
		}

		var j jobRecord
		if err := decodeJSON(resp, &j); err != nil {
			return err
		}
		printJob(j)
		return nil
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/jobs/"+args[0]+"/cancel", nil)
		if err != nil {
			return err
		}

		var j jobRecord
		if err := decodeJSON(resp, &j); err != nil {
			return err
		}

		if j.State == "cancelled" {
			printSuccess("Job %s cancelled", j.ID)
		} else {
			printWarning("Cancellation requested for job %s (state: %s)", j.ID, j.State)
		}
		return nil
	},
}

func init() {
	jobsListCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over ingested documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/search", map[string]any{
			"query": query,
			"top_k": limit,
		})
		if err != nil {
			return err
		}

		var result struct {
			Results []struct {
				ChunkID      string  `json:"chunk_id"`
				DocumentName string  `json:"document_name"`
				Seq          int     `json:"seq"`
				Text         string  `json:"text"`
				Score        float64 `json:"score"`
			} `json:"results"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range result.Results {
			header := fmt.Sprintf("Result %d — %s #%d", i+1, r.DocumentName, r.Seq)
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, header), r.Score)
			text := r.Text
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List and delete ingested documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/documents?limit=%d", limit))
		if err != nil {
			return err
		}

		var docs []struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Format    string `json:"format"`
			Chunks    int    `json:"chunks"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%s  %-6s  %4d chunks  %s  %s\n",
				colorize(colorCyan, d.ID[:8]), d.Format, d.Chunks, d.CreatedAt, d.Name)
		}
		return nil
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and its index entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/documents/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

func init() {
	documentsListCmd.Flags().Int("limit", 20, "maximum number of documents to list")
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsDeleteCmd)
}
