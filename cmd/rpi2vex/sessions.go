package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oomwoo/raspberry-pi/internal/config"
	"github.com/oomwoo/raspberry-pi/internal/db"
)

func newSessionsCmd(v *viper.Viper, configPath *string) *cobra.Command {
	var (
		pending      bool
		limit        int
		markUploaded string
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List journaled recording sessions",
		Long: "Lists recording sessions from the journal, newest first. With --pending, lists " +
			"the kept sessions of runs the robot ended with an upload request.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, *configPath)
			if err != nil {
				return err
			}
			if cfg.Journal.Path == "" {
				return errors.New("no journal configured, set --journal")
			}
			journal, err := db.NewDB(cfg.Journal.Path)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer journal.Close()

			if markUploaded != "" {
				if err := journal.MarkUploaded(markUploaded, time.Now()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "marked run %s uploaded\n", markUploaded)
				return nil
			}

			var sessions []db.SessionRecord
			if pending {
				sessions, err = journal.PendingUploads()
			} else {
				sessions, err = journal.RecentSessions(limit)
			}
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), sessions)
		},
	}

	cmd.Flags().BoolVar(&pending, "pending", false, "only sessions awaiting upload")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to list")
	cmd.Flags().StringVar(&markUploaded, "mark-uploaded", "", "record that the given run's sessions were uploaded")
	return cmd
}

func printSessions(w io.Writer, sessions []db.SessionRecord) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "no sessions")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tINDEX\tVIDEO\tLOG\tSTARTED\tDURATION\tEND")
	for _, s := range sessions {
		duration, end := "-", "recording"
		if s.EndedAt != nil {
			duration = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
			end = s.EndReason
		}
		fmt.Fprintf(tw, "%s\t%05d\t%s\t%s\t%s\t%s\t%s\n",
			shortID(s.RunID), s.Index, s.VideoPath, s.LogPath,
			s.StartedAt.Local().Format(time.DateTime), duration, end)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
