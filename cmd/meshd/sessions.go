package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jrc1883/meshbrain/archive"
	"github.com/jrc1883/meshbrain/protocol"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect archived consensus sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived sessions, most recent first",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Print one archived session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var (
	listOutcome string
	listLimit   int
	listJSON    bool
)

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd)

	sessionsListCmd.Flags().StringVar(&listOutcome, "outcome", "", "Only show resolved, blocked or expired sessions")
	sessionsListCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of sessions")
	sessionsListCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")
}

func openArchive() (*archive.Store, error) {
	if cfg.Archive.Path == "" {
		return nil, errors.New("no archive configured (set archive.path, MESH_ARCHIVE_PATH or --archive)")
	}
	return archive.Open(cfg.Archive.Path)
}

func runSessionsList(cmd *cobra.Command, _ []string) error {
	switch protocol.Phase(listOutcome) {
	case "", protocol.PhaseResolved, protocol.PhaseBlocked, protocol.PhaseExpired:
	default:
		return fmt.Errorf("--outcome %q is not resolved, blocked or expired", listOutcome)
	}
	store, err := openArchive()
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.List(cmd.Context(), archive.ListOptions{Outcome: protocol.Phase(listOutcome), Limit: listLimit})
	if err != nil {
		return err
	}
	if listJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}
	printSessions(cmd.OutOrStdout(), sessions)
	return nil
}

func printSessions(out io.Writer, sessions []archive.Summary) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No archived sessions")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOUTCOME\tROUNDS\tAPPROVAL\tRESOLVED\tTOPIC")
	for _, s := range sessions {
		id := s.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%s\t%s\n",
			id, s.Outcome, s.Rounds, s.ApprovalFraction, s.ResolvedAt.Format("2006-01-02 15:04"), s.Topic)
	}
	_ = w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openArchive()
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
