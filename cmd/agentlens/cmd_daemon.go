package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/agentlens/internal/config"
	"github.com/felixgeelhaar/agentlens/internal/daemon"
)

const daemonBinary = "agentlensd"

// daemonAddr returns the daemon's base URL
func daemonAddr(cfg *config.LocalConfig) string {
	bind := cfg.Daemon.Bind
	if bind == "" || bind == "0.0.0.0" {
		bind = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(bind, strconv.Itoa(cfg.Daemon.Port))
}

// daemonStatus mirrors the daemon's /v1/status body
type daemonStatus struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	SchemaVersion int               `json:"schema_version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Store         string            `json:"store"`
	Captures      string            `json:"captures"`
	Sync          daemon.SyncStatus `json:"sync"`
	Relay         bool              `json:"relay"`
	Index         struct {
		Path       string `json:"path"`
		AgeSeconds int64  `json:"age_seconds"`
		Error      string `json:"error"`
	} `json:"index"`
}

var httpClient = &http.Client{Timeout: 2 * time.Second}

// isRunning checks if the daemon is running by calling the health endpoint
func isRunning(addr string) bool {
	resp, err := httpClient.Get(addr + "/v1/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func fetchStatus(addr string) (*daemonStatus, error) {
	resp, err := httpClient.Get(addr + "/v1/status")
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("get status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var status daemonStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("parse status: %w", err)
	}
	return &status, nil
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			home, err := config.EnsureDir()
			if err != nil {
				return fmt.Errorf("setup agentlens directory: %w", err)
			}
			cfg, err := config.LoadLocalConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			addr := daemonAddr(cfg)
			if isRunning(addr) {
				fmt.Fprintln(out, okStyle.Render("✓")+" Daemon is already running")
				return nil
			}

			bin, err := findDaemonBinary()
			if err != nil {
				return fmt.Errorf("find daemon binary: %w", err)
			}

			proc := exec.Command(bin)
			proc.Dir = home
			// Detach from parent process (platform-specific)
			configureDaemonProcess(proc)
			if err := proc.Start(); err != nil {
				return fmt.Errorf("start daemon: %w", err)
			}
			_ = proc.Process.Release()

			fmt.Fprint(out, "Starting daemon...")
			for range 30 {
				time.Sleep(100 * time.Millisecond)
				if isRunning(addr) {
					fmt.Fprintln(out, " "+okStyle.Render("✓"))
					fmt.Fprintf(out, "Daemon running at %s\n", addr)
					return nil
				}
				fmt.Fprint(out, ".")
			}
			fmt.Fprintln(out, " "+errStyle.Render("✗"))
			return fmt.Errorf("daemon failed to start (check logs with 'agentlens logs')")
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := config.LoadLocalConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths, err := config.ResolvePaths(cfg)
			if err != nil {
				return err
			}
			addr := daemonAddr(cfg)
			if !isRunning(addr) {
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}

			pid, err := readPIDFile(paths.PIDFile)
			if err != nil {
				return err
			}
			process, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("find process: %w", err)
			}

			fmt.Fprint(out, "Stopping daemon...")
			if err := process.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("send signal: %w", err)
			}
			for range 50 {
				time.Sleep(100 * time.Millisecond)
				if !isRunning(addr) {
					fmt.Fprintln(out, " "+okStyle.Render("✓"))
					return nil
				}
				fmt.Fprint(out, ".")
			}
			fmt.Fprintln(out, " "+errStyle.Render("✗"))
			return fmt.Errorf("daemon did not stop gracefully")
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := config.LoadLocalConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			addr := daemonAddr(cfg)
			if !isRunning(addr) {
				fmt.Fprintln(out, "Status: stopped")
				return nil
			}
			status, err := fetchStatus(addr)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(out, status)
			}
			renderStatus(out, addr, status)
			return nil
		},
	}
}

func renderStatus(w io.Writer, addr string, s *daemonStatus) {
	fmt.Fprintf(w, "Status:    %s\n", okStyle.Render(s.Status))
	fmt.Fprintf(w, "Version:   %s (schema %d)\n", s.Version, s.SchemaVersion)
	fmt.Fprintf(w, "Address:   %s\n", addr)
	fmt.Fprintf(w, "Uptime:    %s\n", formatAge(time.Duration(s.UptimeSeconds)*time.Second))
	fmt.Fprintf(w, "Store:     %s\n", s.Store)
	fmt.Fprintf(w, "Captures:  %s\n", s.Captures)
	if s.Index.Error != "" {
		fmt.Fprintf(w, "Index:     %s %s\n", s.Index.Path, errStyle.Render(s.Index.Error))
	} else {
		fmt.Fprintf(w, "Index:     %s (updated %s ago)\n", s.Index.Path, formatAge(time.Duration(s.Index.AgeSeconds)*time.Second))
	}
	fmt.Fprintf(w, "Sync:      %d runs, %d files, %d calls, %d deferred, %d spooled, %d reconciled\n",
		s.Sync.Runs, s.Sync.Files, s.Sync.Interactions, s.Sync.Deferred, s.Sync.Spooled, s.Sync.Reconciled)
	if s.Sync.LastError != "" {
		fmt.Fprintf(w, "Last sync: %s\n", errStyle.Render(s.Sync.LastError))
	}
	relay := metaStyle.Render("disabled")
	if s.Relay {
		relay = okStyle.Render("connected")
	}
	fmt.Fprintf(w, "Relay:     %s\n", relay)
}

func logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Show recent daemon logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := config.ResolvePaths(nil)
			if err != nil {
				return err
			}
			return tailLog(cmd.OutOrStdout(), filepath.Join(paths.Logs, daemonBinary+".log"), 4096)
		},
	}
}

// tailLog prints the complete lines in the last n bytes of path
func tailLog(w io.Writer, path string, n int64) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		fmt.Fprintln(w, "No log file found. Start the daemon first.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}
	offset := max(info.Size()-n, 0)
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek log file: %w", err)
	}

	reader := bufio.NewReader(file)
	// Skip partial first line if we seeked
	if offset > 0 {
		_, _ = reader.ReadString('\n')
	}
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		fmt.Fprintln(w, scanner.Text())
	}
	return scanner.Err()
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID: %w", err)
	}
	return pid, nil
}

// findDaemonBinary locates the agentlensd binary
func findDaemonBinary() (string, error) {
	if path, err := exec.LookPath(daemonBinary); err == nil {
		return path, nil
	}

	// Check relative to this binary
	if self, err := os.Executable(); err == nil {
		path := filepath.Join(filepath.Dir(self), daemonBinary)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	for _, path := range []string{
		"/usr/local/bin/" + daemonBinary,
		"./" + daemonBinary,
		"./cmd/agentlensd/" + daemonBinary,
	} {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%s binary not found (build with 'go build ./cmd/agentlensd')", daemonBinary)
}
