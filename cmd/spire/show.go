package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"spire/pkg/host/store"
)

var showCmd = &cobra.Command{
	Use:   "show INSTANCE_ID",
	Short: "Show an instance and its termination record",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	_, st, err := openFromConfig(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close()

	row, err := st.GetInstance(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Instance\t%s\n", row.InstanceID)
	fmt.Fprintf(tw, "User\t%s\n", row.UserID)
	fmt.Fprintf(tw, "Session\t%s\n", row.SessionID)
	fmt.Fprintf(tw, "Region\t%s\n", row.Region)
	fmt.Fprintf(tw, "Address\t%s\n", row.Address())
	fmt.Fprintf(tw, "Status\t%s\n", row.Status)
	if row.Message != "" {
		fmt.Fprintf(tw, "Message\t%s\n", row.Message)
	}
	fmt.Fprintf(tw, "Connect\t%s\n", row.ConnectionString)
	fmt.Fprintf(tw, "Terminate requested\t%v\n", row.TerminateRequested)

	rec, err := st.GetTermination(cmd.Context(), row.InstanceID)
	switch {
	case err == nil:
		fmt.Fprintf(tw, "Terminated at\t%s\n", rec.TerminatedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(tw, "Artifacts backed up\t%v (%d)\n", rec.ArtifactsBackedUp, rec.ArtifactCount)
	case !errors.Is(err, store.ErrNotFound):
		tw.Flush()
		return err
	}
	return tw.Flush()
}
