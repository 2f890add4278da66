package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/robocurse/pkg/checkpoint"
	"github.com/cuemby/robocurse/pkg/chunker"
	"github.com/cuemby/robocurse/pkg/config"
	"github.com/cuemby/robocurse/pkg/history"
	"github.com/cuemby/robocurse/pkg/log"
	"github.com/cuemby/robocurse/pkg/metrics"
	"github.com/cuemby/robocurse/pkg/notify"
	"github.com/cuemby/robocurse/pkg/rundriver"
	"github.com/cuemby/robocurse/pkg/snapshot"
	"github.com/cuemby/robocurse/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "robocurse",
	Short: "Robocurse - resumable, chunked directory replication",
	Long: `Robocurse orchestrates a robocopy-class copy tool across many
worker slots, chunking large directory trees, checkpointing progress so
an interrupted run resumes instead of restarting, and optionally
snapshotting the source volume before it reads from it.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"robocurse version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "/etc/robocurse/config.yaml", "Path to the configuration document")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(checkpointCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig(cmd *cobra.Command) (*config.Document, *config.Store, error) {
	path, _ := cmd.Flags().GetString("config")
	store := config.NewStore(path)
	doc, err := store.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return doc, store, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every configured profile to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, cfgStore, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if metricsAddr != "" {
			http.Handle("/metrics", metrics.Handler())
			go func() {
				if err := http.ListenAndServe(metricsAddr, nil); err != nil {
					log.Logger.Error().Err(err).Msg("metrics server exited")
				}
			}()
			fmt.Printf("metrics listening on http://%s/metrics\n", metricsAddr)
		}

		broker := notify.NewBroker()
		broker.Start()
		defer broker.Stop()

		snapMgr := snapshot.NewManager(cfgStore, broker, snapshotDrivers())

		hist, err := history.Open(doc.Global.LogRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: run history unavailable: %v\n", err)
		} else {
			defer hist.Close()
		}

		hook := notify.NewHook()
		if hist != nil {
			hook.OnRunComplete(func(s notify.Summary) {
				if err := hist.RecordRun(s); err != nil {
					log.Logger.Warn().Err(err).Msg("failed to record run summary")
				}
			})
		}

		driver := rundriver.New(rundriver.Options{
			Chunker:         chunker.New(1024),
			SnapshotManager: snapMgr,
			Hook:            hook,
		})

		ctx, cancel := context.WithCancel(context.Background())
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("stop requested, draining in-flight chunks...")
			driver.RequestStop()
		}()
		defer cancel()

		outcomes, err := driver.StartRun(ctx, doc.Global, doc.Profiles, doc.Global.MaxWorkers)
		for _, o := range outcomes {
			fmt.Printf("profile %s: %s (%d ok, %d failed)\n", o.Profile.Name, o.Phase, len(o.Completed), len(o.Failed))
		}

		os.Exit(rundriver.ExitCode(outcomes, err))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		hist, err := history.Open(doc.Global.LogRoot)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer hist.Close()

		runs, err := hist.ListRuns()
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no recorded runs")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%s  %-20s  %s  ok=%d failed=%d bytes=%d\n",
				r.StartedAt.Format(time.RFC3339), r.ProfileName, r.RunID, r.ChunksOK, r.ChunksFailed, r.BytesCopied)
		}
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect and prune volume snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots robocurse currently owns on a volume",
	RunE: func(cmd *cobra.Command, args []string) error {
		driverName, _ := cmd.Flags().GetString("driver")
		volumeKey, _ := cmd.Flags().GetString("volume")
		if volumeKey == "" {
			return fmt.Errorf("--volume is required")
		}

		_, cfgStore, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		broker := notify.NewBroker()
		mgr := snapshot.NewManager(cfgStore, broker, snapshotDrivers())

		records, err := mgr.ListOurs(cmd.Context(), driverName, volumeKey)
		if err != nil {
			return err
		}
		for _, r := range records {
			fmt.Printf("%s  created=%s  state=%s  path=%s\n", r.ID, r.CreatedAt.Format(time.RFC3339), r.State, r.MountPath)
		}
		return nil
	},
}

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Evict snapshots beyond a volume's keep count",
	RunE: func(cmd *cobra.Command, args []string) error {
		driverName, _ := cmd.Flags().GetString("driver")
		volumeKey, _ := cmd.Flags().GetString("volume")
		keepCount, _ := cmd.Flags().GetInt("keep")
		if volumeKey == "" {
			return fmt.Errorf("--volume is required")
		}

		_, cfgStore, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		broker := notify.NewBroker()
		mgr := snapshot.NewManager(cfgStore, broker, snapshotDrivers())

		if err := mgr.RetainAfterSuccess(cmd.Context(), driverName, volumeKey, keepCount); err != nil {
			return err
		}
		fmt.Println("pruned")
		return nil
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect and clear a profile's resume checkpoint",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a profile's saved checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		profileID, _ := cmd.Flags().GetString("profile")
		profile := findProfile(doc.Profiles, profileID)
		if profile == nil {
			return fmt.Errorf("profile %s not found", profileID)
		}

		path := rundriver.CheckpointPath(doc.Global, profile.ID)
		state, err := checkpoint.NewStore(path).Load()
		if err != nil {
			return err
		}
		if state == nil {
			fmt.Println("no checkpoint saved")
			return nil
		}
		bytesCopied, _ := checkpoint.ResumeTotals(state)
		fmt.Printf("run=%s saved=%s completed=%d failed=%d bytes=%d/%d\n",
			state.RunID, state.SavedAt.Format(time.RFC3339), len(state.Completed), len(state.Failed), bytesCopied, state.BytesTotal)
		return nil
	},
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard a profile's saved checkpoint, forcing a full re-run",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		profileID, _ := cmd.Flags().GetString("profile")
		profile := findProfile(doc.Profiles, profileID)
		if profile == nil {
			return fmt.Errorf("profile %s not found", profileID)
		}

		path := rundriver.CheckpointPath(doc.Global, profile.ID)
		if err := checkpoint.NewStore(path).Clear(); err != nil {
			return err
		}
		fmt.Println("checkpoint cleared")
		return nil
	},
}

// snapshotDrivers returns the snapshot tool drivers available to this
// process. Only a local VSS/LVM-class tool is wired by default; a
// remote driver needs a concrete RemoteExecChannel (SSH, WinRM) that
// robocurse does not ship, per pkg/snapshot's driver.go.
func snapshotDrivers() map[string]snapshot.Driver {
	return map[string]snapshot.Driver{
		"local": snapshot.NewLocalDriver("vssadmin"),
	}
}

func findProfile(profiles []*types.Profile, id string) *types.Profile {
	for _, p := range profiles {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func init() {
	runCmd.Flags().String("metrics-addr", "", "Address to serve Prometheus metrics on (disabled if empty)")

	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotPruneCmd)
	snapshotListCmd.Flags().String("driver", "local", "Snapshot driver name")
	snapshotListCmd.Flags().String("volume", "", "Volume key to list snapshots on")
	snapshotPruneCmd.Flags().String("driver", "local", "Snapshot driver name")
	snapshotPruneCmd.Flags().String("volume", "", "Volume key to prune snapshots on")
	snapshotPruneCmd.Flags().Int("keep", 3, "Number of snapshots to retain")

	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointClearCmd)
	checkpointShowCmd.Flags().String("profile", "", "Profile id")
	checkpointClearCmd.Flags().String("profile", "", "Profile id")
}
