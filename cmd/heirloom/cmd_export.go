package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"heirloom/api/internal/apiclient"
)

func (c *cli) exportCmd() *cobra.Command {
	var (
		req    apiclient.ExportRequest
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download the archive as a ZIP, HTML book or PDF",
		Example: `  heirloom export --format zip
  heirloom export --format pdf --person <id> -o mary.pdf`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireLogin(); err != nil {
				return err
			}
			dir := "."
			if output != "" {
				dir = filepath.Dir(output)
			}
			// Download next to the destination and rename on success so a
			// failed export never leaves a truncated file behind.
			tmp, err := os.CreateTemp(dir, ".heirloom-export-*")
			if err != nil {
				return err
			}
			defer os.Remove(tmp.Name())

			fileName, err := c.api().Export(cmd.Context(), req, tmp)
			if closeErr := tmp.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}
			if output == "" {
				output = filepath.Join(dir, filepath.Base(fileName))
			}
			if err := os.Rename(tmp.Name(), output); err != nil {
				return fmt.Errorf("save export: %w", err)
			}
			if c.jsonOutput {
				return c.printJSON(map[string]string{"file": output})
			}
			c.printf("Saved %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Format, "format", "zip", "zip, html or pdf")
	cmd.Flags().StringVar(&req.PersonID, "person", "", "export one person's branch")
	cmd.Flags().BoolVar(&req.Deduplicate, "dedupe", false, "store a file once when it is tagged to several people")
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file (default: name chosen by the server)")
	return cmd
}

func (c *cli) snapshotCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Record the current tree in the family journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireLogin(); err != nil {
				return err
			}
			commit, err := c.api().Snapshot(cmd.Context(), message)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.printJSON(commit)
			}
			if commit.Unchanged {
				c.printf("Nothing changed since %s\n", commit.ShortHash)
				return nil
			}
			c.printf("Recorded %s %s\n", commit.ShortHash, commit.Message)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "journal message")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Show recent journal entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireLogin(); err != nil {
				return err
			}
			commits, err := c.api().Snapshots(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.printJSON(commits)
			}
			rows := make([][]string, 0, len(commits))
			for _, commit := range commits {
				rows = append(rows, []string{commit.ShortHash, commit.CreatedAt.Local().Format("2006-01-02 15:04"), commit.Author, commit.Message})
			}
			return c.printTable([]string{"HASH", "DATE", "AUTHOR", "MESSAGE"}, rows)
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "entries to show")
	cmd.AddCommand(list)
	return cmd
}
