package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trunkline-dev/trunkline/internal/conflict"
	"github.com/trunkline-dev/trunkline/internal/coordinator"
	"github.com/trunkline-dev/trunkline/internal/events"
	"github.com/trunkline-dev/trunkline/internal/git"
	"github.com/trunkline-dev/trunkline/internal/queue"
	"github.com/trunkline-dev/trunkline/internal/scheduler"
	"github.com/trunkline-dev/trunkline/internal/web"
)

var (
	runAddr     string
	runNoServer bool
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: GroupService,
	Short:   "Run the merge coordinator",
	Long: `Run the coordinator loop: dequeue requests in submission order,
check each for conflicts against the current trunk tip, and land
clean ones one at a time. Also serves the HTTP API unless disabled.

Stops cleanly on SIGINT/SIGTERM; a merge already underway is finished
or rolled back before exit.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runAddr, "addr", "", "HTTP listen address (default: configured server.addr)")
	runCmd.Flags().BoolVar(&runNoServer, "no-server", false, "Disable the HTTP API")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ws, cfg, err := openWorkspace()
	if err != nil {
		return err
	}

	repo := git.NewGit(ws.RepoPath(cfg), cfg.Remote)
	if !repo.IsRepo() {
		return fmt.Errorf("%s is not a git repository; fix repo_path in %s", repo.WorkDir(), ws.ConfigPath())
	}

	locks := newLockManager(ws, cfg)
	store, err := openStore(ws, cfg, locks)
	if err != nil {
		return err
	}
	defer store.Close()

	audit, err := events.NewAuditLog(ws.AuditLogPath(), events.DefaultMaxAuditSize)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer audit.Close()

	bus := events.NewBus(64)
	recorder := events.NewRecorder(bus, audit)

	detector := conflict.NewDetector(repo,
		conflict.WithTimeout(cfg.Scheduler.ConflictCheckTimeout.Std()))

	sched := scheduler.New(store, detector, repo, locks, recorder, scheduler.Config{
		MaxRetries:         cfg.Scheduler.MaxRetries,
		BackoffBase:        cfg.Scheduler.BackoffBase.Std(),
		IndeterminateDelay: cfg.Scheduler.IndeterminateDelay.Std(),
		PollInterval:       cfg.Scheduler.PollInterval.Std(),
	})

	// Filesystem wakeups only make sense for the file backend.
	watchDir := ""
	if fs, ok := store.(*queue.FileStore); ok {
		watchDir = fs.Dir()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(ctx, watchDir)
	})

	addr := cfg.Server.Addr
	if runAddr != "" {
		addr = runAddr
	}
	if !runNoServer && addr != "" {
		coord := coordinator.New(store, repo, recorder,
			cfg.TargetBranch, queue.Strategy(cfg.DefaultStrategy))
		srv := newHTTPServer(addr, web.NewServer(coord, bus).Handler())
		g.Go(func() error {
			fmt.Printf("[Server] listening on http://%s\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Println("coordinator stopped")
	return nil
}

// newHTTPServer applies the standard timeouts. No WriteTimeout: /events
// holds its websocket open for the life of the subscriber.
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}
}
