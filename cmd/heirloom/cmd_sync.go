package main

import (
	"time"

	"github.com/spf13/cobra"

	"heirloom/api/internal/offline"
)

func (c *cli) syncCmd() *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay queued edits and pull server changes",
		Long: `Sync sends every queued edit to the server, oldest first, then pulls what
changed since the last sync. Edits the server refuses are kept aside; see
"heirloom status --rejects".

With --watch it keeps syncing until interrupted, backing off while the
server is unreachable.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireLogin(); err != nil {
				return err
			}
			syncer, err := c.syncer()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if watch {
				syncer.Run(ctx, interval, func(report offline.SyncReport, err error) {
					if err != nil {
						c.printf("sync failed: %v\n", err)
						return
					}
					if report.Drain != (offline.DrainReport{}) || report.Pull.Updated+report.Pull.Deleted > 0 {
						c.printReport(report)
					}
				})
				return nil
			}
			report, err := syncer.Sync(ctx)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.printJSON(report)
			}
			c.printReport(report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "time between syncs with --watch")
	return cmd
}

func (c *cli) printReport(report offline.SyncReport) {
	d, p := report.Drain, report.Pull
	c.printf("sent %d (duplicates %d, rejected %d); received %d updates, %d deletions",
		d.Applied, d.Duplicates, d.Rejected, p.Updated, p.Deleted)
	if p.Kept > 0 {
		c.printf(", kept %d local edits", p.Kept)
	}
	c.printf("\n")
}
