package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roostlabs/roost/internal/config"
	"github.com/roostlabs/roost/internal/daemon"
	"github.com/roostlabs/roost/pkg/document"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a roost node",
	Long: `Start a roost node in the foreground. The node grabs and renews agent
leases against Redis and processes newline-delimited JSON envelopes from
stdin, writing replies to stdout.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	pidFile := getPIDFilePath()
	if isRunning(pidFile) {
		return fmt.Errorf("node is already running (PID file: %s)", pidFile)
	}

	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	d, err := daemon.New(cfg, loader, document.Factory)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	fmt.Printf("Node %s started\n", d.NodeID())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go serveStdin(ctx, d)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("Received %s, shutting down\n", sig)
	case err := <-d.Fatal():
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return d.Stop(stopCtx)
}

// serveStdin feeds newline-delimited envelopes into the engine. Replies go
// to stdout one per line; notifications that commit produce no line.
func serveStdin(ctx context.Context, d *daemon.Daemon) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	out := bufio.NewWriter(os.Stdout)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if reply := d.Deliver(ctx, line); reply != nil {
			out.Write(reply)
			out.WriteByte('\n')
			out.Flush()
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func writePIDFile(pidFile string) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	return os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644)
}

func getPIDFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/roost.pid"
	}
	return filepath.Join(home, ".roost", "roost.pid")
}

func isRunning(pidFile string) bool {
	if _, err := os.Stat(pidFile); os.IsNotExist(err) {
		return false
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		return false
	}

	var pid int
	_, err = fmt.Sscanf(string(data), "%d", &pid)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
