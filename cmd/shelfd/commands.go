package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shelf-app/shelfd/internal/pipeline"
	"github.com/shelf-app/shelfd/internal/search"
)

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Archive files through the running daemon",
	Long: `Archive files through the running daemon.

Each file is uploaded, categorized, moved into the archive, and indexed
for search. The file is archived synchronously; the command prints where
each file landed.

Examples:
  shelfd upload ./invoice.pdf
  shelfd upload ~/Downloads/*.pdf`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		failed := 0
		for _, path := range args {
			resp, err := client.postFile(cmd.Context(), "/upload", path)
			if err != nil {
				printError("%s: %v", path, err)
				failed++
				continue
			}
			var result pipeline.Result
			if err := decodeJSON(resp, &result); err != nil {
				printError("%s: %v", path, err)
				failed++
				continue
			}
			printSuccess("%s → %s", path, result.RelativePath)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d uploads failed", failed, len(args))
		}
		return nil
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the archive by meaning",
	Long: `Search the archive by meaning.

Examples:
  shelfd search "tax documents from last year"
  shelfd search "vacation photos" --type jpg
  shelfd search "contracts" --category Legal --limit 5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		fileType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		params := url.Values{}
		params.Set("q", args[0])
		if category != "" {
			params.Set("category", category)
		}
		if fileType != "" {
			params.Set("type", fileType)
		}
		if limit > 0 {
			params.Set("limit", strconv.Itoa(limit))
		}

		resp, err := client.get(cmd.Context(), "/search?"+params.Encode())
		if err != nil {
			return err
		}
		var body struct {
			Results []search.Hit `json:"results"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if len(body.Results) == 0 {
			fmt.Println("no matches")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SCORE\tCATEGORY\tPATH")
		for _, hit := range body.Results {
			fmt.Fprintf(tw, "%.3f\t%s\t%s\n", hit.Score, hit.Entry.Category, hit.Entry.RelativePath)
		}
		return tw.Flush()
	},
}

// --- logs ---

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent archive moves",
	Long: `Show recent archive moves, successes and failures.

Examples:
  shelfd logs
  shelfd logs --hours 168
  shelfd logs --from 2026-08-01 --to 2026-08-15`,
	RunE: func(cmd *cobra.Command, args []string) error {
		hours, _ := cmd.Flags().GetInt("hours")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		params := url.Values{}
		if hours > 0 {
			params.Set("hours", strconv.Itoa(hours))
		}
		if from != "" {
			params.Set("from", from)
		}
		if to != "" {
			params.Set("to", to)
		}
		if limit > 0 {
			params.Set("limit", strconv.Itoa(limit))
		}

		resp, err := client.get(cmd.Context(), "/move-logs?"+params.Encode())
		if err != nil {
			return err
		}
		var body struct {
			From string `json:"from"`
			To   string `json:"to"`
			Logs []struct {
				CreatedAt       string `json:"created_at"`
				SourcePath      string `json:"source_path"`
				DestinationPath string `json:"destination_path"`
				Status          string `json:"status"`
				Note            string `json:"note"`
			} `json:"logs"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if len(body.Logs) == 0 {
			fmt.Printf("no moves between %s and %s\n", body.From, body.To)
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tSTATUS\tSOURCE\tDESTINATION")
		for _, l := range body.Logs {
			dest := l.DestinationPath
			if l.Status == "failure" {
				dest = l.Note
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.CreatedAt, l.Status, l.SourcePath, dest)
		}
		return tw.Flush()
	},
}

func init() {
	searchCmd.Flags().String("category", "", "restrict to one category")
	searchCmd.Flags().String("type", "", "restrict to one file type, e.g. pdf")
	searchCmd.Flags().Int("limit", 0, "maximum number of results")

	logsCmd.Flags().Int("hours", 0, "hours of history (default 24)")
	logsCmd.Flags().String("from", "", "window start (RFC 3339 or YYYY-MM-DD)")
	logsCmd.Flags().String("to", "", "window end (RFC 3339 or YYYY-MM-DD)")
	logsCmd.Flags().Int("limit", 0, "maximum number of records")
}
