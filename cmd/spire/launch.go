package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"spire/pkg/host/notify"
	"spire/pkg/host/store"
	"spire/pkg/shared/config"
	"spire/pkg/shared/model"
)

var launchOpts struct {
	userID       string
	instanceType string
	imageID      string
	region       string
}

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Queue a launch request",
	Long: `Insert a pending launch request. A running daemon picks it up through its
notification sources or its next sweep.`,
	Args: cobra.NoArgs,
	RunE: runLaunch,
}

var terminateCmd = &cobra.Command{
	Use:   "terminate INSTANCE_ID",
	Short: "Request termination of an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runTerminate,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func init() {
	f := launchCmd.Flags()
	f.StringVar(&launchOpts.userID, "user", "", "user the session belongs to")
	f.StringVar(&launchOpts.instanceType, "type", "", "instance type, for example t3.medium")
	f.StringVar(&launchOpts.imageID, "image", "", "machine image id")
	f.StringVar(&launchOpts.region, "region", "", "region (default "+model.DefaultRegion+")")
	_ = launchCmd.MarkFlagRequired("user")
	_ = launchCmd.MarkFlagRequired("type")
	_ = launchCmd.MarkFlagRequired("image")

	rootCmd.AddCommand(launchCmd, terminateCmd, migrateCmd)
}

func runLaunch(cmd *cobra.Command, args []string) error {
	cfg, st, err := openFromConfig(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close()

	req, err := st.EnqueueLaunch(cmd.Context(), model.LaunchRequest{
		UserID:       launchOpts.userID,
		InstanceType: launchOpts.instanceType,
		ImageID:      launchOpts.imageID,
		Region:       launchOpts.region,
	})
	if err != nil {
		return err
	}
	uiOK("Launch queued", req.ID)
	announce(cfg, notify.Event{Kind: notify.KindLaunch, ID: req.ID})
	return nil
}

func runTerminate(cmd *cobra.Command, args []string) error {
	cfg, st, err := openFromConfig(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close()

	id := args[0]
	if err := st.RequestTerminate(cmd.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no instance %s", id)
		}
		return err
	}
	uiOK("Termination requested", id)
	announce(cfg, notify.Event{Kind: notify.KindTerminate, ID: id})
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	_, st, err := openFromConfig(cmd.Context())
	if err != nil {
		return err
	}
	st.Close()
	uiDone(fmt.Sprintf("Schema up to date (%s)", st.Backend()))
	return nil
}

func openFromConfig(ctx context.Context) (*config.Config, *store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	dbURL, err := cfg.ResolveDatabaseURL()
	if err != nil {
		return nil, nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	st, err := store.Open(openCtx, dbURL)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

// announce publishes ev on NATS when configured. The daemon's sweep finds the
// row either way, so a failure here only delays it.
func announce(cfg *config.Config, ev notify.Event) {
	if cfg.NATSURL == "" {
		return
	}
	pub, err := notify.NewPublisher(cfg.NATSURL, cfg.NATSSubject)
	if err != nil {
		uiWarn(fmt.Sprintf("could not reach %s: %v", cfg.NATSURL, err))
		return
	}
	defer pub.Close()
	if err := pub.Publish(ev); err != nil {
		uiWarn(fmt.Sprintf("could not announce %s: %v", ev, err))
	}
}
