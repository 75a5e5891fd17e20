// Command reportctl checks report jobs and downloads finished reports.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fengshui-report-be/pkg/client"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	baseURL string
	token   string
	retries int
	timeout time.Duration
}

func (g *globalFlags) client() *client.Client {
	return client.New(client.Options{
		BaseURL: g.baseURL,
		Token:   g.token,
		Retries: g.retries,
		Backoff: 500 * time.Millisecond,
		Timeout: 30 * time.Second,
	}, nil, nil)
}

func (g *globalFlags) context() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return ctx, func() {
		stop()
		cancel()
	}
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "reportctl",
		Short: "Inspect and download consultation reports",
		Long: `Inspect and download consultation reports from a running server.

Examples:
  reportctl status 3f0c...            # Print the report job status
  reportctl status 3f0c... --wait     # Block until the job finishes
  reportctl download 3f0c... -o r.pdf # Save the finished PDF
`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&g.baseURL, "server", envOr("REPORTCTL_SERVER", "http://localhost:3000"), "Server base URL")
	cmd.PersistentFlags().StringVar(&g.token, "token", os.Getenv("REPORTCTL_TOKEN"), "Bearer token of the consultation owner")
	cmd.PersistentFlags().IntVar(&g.retries, "retries", 2, "Retries for transient failures")
	cmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Minute, "Overall deadline")

	cmd.AddCommand(statusCmd(g), downloadCmd(g))
	return cmd
}

func statusCmd(g *globalFlags) *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status <consultation-id>",
		Short: "Print the report job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context()
			defer cancel()

			c := g.client()
			var (
				status *client.ReportStatus
				err    error
			)
			if wait {
				status, err = c.WaitForReport(ctx, args[0], interval)
			} else {
				status, err = c.ReportStatus(ctx, args[0])
			}
			if err != nil {
				return err
			}

			// The PDF is fetched with download; keep the status output short.
			if status.Report != nil {
				status.Report.PdfBase64 = ""
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(status); err != nil {
				return err
			}
			if status.Status == client.StatusFailed {
				return fmt.Errorf("report failed: %s", status.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until the job completes or fails")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Poll interval with --wait")
	return cmd
}

func downloadCmd(g *globalFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download <consultation-id>",
		Short: "Save the finished report PDF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context()
			defer cancel()

			pdf, err := g.client().DownloadPDF(ctx, args[0])
			if err != nil {
				return err
			}
			if output == "" {
				output = args[0] + ".pdf"
			}
			if err := os.WriteFile(output, pdf, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d bytes to %s\n", len(pdf), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default <consultation-id>.pdf)")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
