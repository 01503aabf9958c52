package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackmemory/stackmemory/internal/config"
	"github.com/stackmemory/stackmemory/internal/daemon"
	"github.com/stackmemory/stackmemory/internal/engine"
	"github.com/stackmemory/stackmemory/internal/logging"
	"github.com/stackmemory/stackmemory/internal/rpc"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot()
		if err != nil {
			return err
		}

		logPath, err := config.DaemonLogPath()
		if err != nil {
			return err
		}
		log, closer := logging.NewRotating(logPath)
		defer func() { _ = closer.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng, err := engine.Open(ctx, engine.Options{ProjectRoot: root, Log: log})
		if err != nil {
			return err
		}
		defer func() { _ = eng.Close() }()

		rpc.ServerVersion = Version

		d, err := daemon.New(eng, root, log)
		if err != nil {
			return err
		}

		fmt.Printf("stackmemoryd %s serving %s (socket %s)\n",
			Version, eng.Project().ID, rpc.SocketPath(root))
		return d.Run(ctx)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot()
		if err != nil {
			return err
		}

		client, err := rpc.TryConnect(rpc.SocketPath(root))
		if err != nil {
			return err
		}
		if client == nil {
			fmt.Println("daemon is not running")
			return nil
		}
		defer func() { _ = client.Close() }()

		if err := client.Shutdown(); err != nil {
			return err
		}
		fmt.Println("daemon stopping")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot()
		if err != nil {
			return err
		}

		client, err := rpc.TryConnect(rpc.SocketPath(root))
		if err != nil {
			return err
		}
		if client == nil {
			return reportNotRunning()
		}
		defer func() { _ = client.Close() }()

		status, err := client.Status()
		if err != nil {
			return err
		}

		if jsonOutput {
			data, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("stackmemoryd %s\n", status.Version)
		fmt.Printf("  project:   %s\n", status.ProjectID)
		fmt.Printf("  session:   %s\n", status.SessionID)
		fmt.Printf("  pid:       %d\n", status.PID)
		fmt.Printf("  uptime:    %s\n", time.Duration(status.UptimeSeconds*float64(time.Second)).Round(time.Second))
		fmt.Printf("  socket:    %s\n", status.SocketPath)
		fmt.Printf("  requests:  %d (%d errors)\n", status.RequestCount, status.ErrorCount)
		fmt.Printf("  conns:     %d/%d\n", status.ActiveConns, status.MaxConns)
		fmt.Printf("  queue:     %d pending migrations\n", status.QueueDepth)
		return nil
	},
}

// reportNotRunning distinguishes a clean shutdown from a crashed daemon
// whose pid file survived.
func reportNotRunning() error {
	pidPath, err := config.PidFilePath()
	if err == nil {
		if pid, ok := daemon.ReadPid(pidPath); ok && daemon.ProcessAlive(pid) {
			fmt.Printf("daemon running (pid %d) but its socket is unreachable\n", pid)
			return nil
		}
		if _, statErr := os.Stat(pidPath); statErr == nil {
			fmt.Println("daemon is not running (stale pid file)")
			return nil
		}
	}
	fmt.Println("daemon is not running")
	return nil
}
