package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ssd-technologies/obscura/internal/nodeagent"
)

const defaultMaxStorage = 10 * 1024 * 1024 * 1024 // 10GB

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: obscura-node <register|connect|disconnect|status>")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "register":
		cmdRegister()
	case "connect":
		cmdConnect()
	case "disconnect":
		cmdDisconnect()
	case "status":
		cmdStatus()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		fmt.Println("Usage: obscura-node <register|connect|disconnect|status>")
		os.Exit(1)
	}
}

func obscuraDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}
	return filepath.Join(home, ".obscura")
}

func flagValue(args []string, name string) string {
	for i, arg := range args {
		if arg == "--"+name && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, "--"+name+"=") {
			return strings.TrimPrefix(arg, "--"+name+"=")
		}
	}
	return ""
}

func parseStorageSize(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))

	multiplier := int64(1)
	if strings.HasSuffix(s, "GB") {
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	} else if strings.HasSuffix(s, "MB") {
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	} else if strings.HasSuffix(s, "KB") {
		multiplier = 1024
		s = strings.TrimSuffix(s, "KB")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid storage size: %s\n", s)
		os.Exit(1)
	}
	return n * multiplier
}

func relayURL(args []string) string {
	if url := flagValue(args, "relay"); url != "" {
		return url
	}
	url := os.Getenv("OBSCURA_RELAY")
	if url == "" {
		fmt.Fprintln(os.Stderr, "Error: set OBSCURA_RELAY environment variable or pass --relay")
		os.Exit(1)
	}
	return url
}

// credentials is what register persists and connect loads.
type credentials struct {
	RelayURL  string `json:"relay_url"`
	NodeID    string `json:"node_id"`
	AuthToken string `json:"auth_token"`
}

type nodeStats struct {
	NodeID        string `json:"node_id"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ChunksStored  int64  `json:"chunks_stored"`
	StorageUsed   int64  `json:"storage_used"`
	MaxStorage    int64  `json:"max_storage"`
}

func cmdRegister() {
	relay := relayURL(os.Args[2:])
	userToken := flagValue(os.Args[2:], "user-token")
	if userToken == "" {
		userToken = os.Getenv("OBSCURA_USER_TOKEN")
	}
	if userToken == "" {
		fmt.Fprintln(os.Stderr, "Error: set OBSCURA_USER_TOKEN or pass --user-token")
		os.Exit(1)
	}

	maxStorage := int64(defaultMaxStorage)
	if s := flagValue(os.Args[2:], "max-storage"); s != "" {
		maxStorage = parseStorageSize(s)
	}

	body, _ := json.Marshal(map[string]int64{"total_available_space": maxStorage})
	req, err := http.NewRequest(http.MethodPost, strings.TrimSuffix(relay, "/")+"/api/nodes", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Authorization", "Bearer "+userToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: registering with relay: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		fmt.Fprintf(os.Stderr, "Error: relay returned status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	var reg struct {
		NodeID    string `json:"node_id"`
		AuthToken string `json:"auth_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading register response: %v\n", err)
		os.Exit(1)
	}

	dir := obscuraDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: creating %s: %v\n", dir, err)
		os.Exit(1)
	}
	creds := credentials{RelayURL: relay, NodeID: reg.NodeID, AuthToken: reg.AuthToken}
	data, _ := json.MarshalIndent(creds, "", "  ")
	if err := os.WriteFile(filepath.Join(dir, "node.json"), data, 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Error: saving credentials: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Registered node %s with relay %s\n", reg.NodeID, relay)
	fmt.Println("Run 'obscura-node connect' to bring it online.")
}

func loadCredentials() credentials {
	data, err := os.ReadFile(filepath.Join(obscuraDir(), "node.json"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: no node credentials found; run 'obscura-node register' first")
		os.Exit(1)
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid credentials file: %v\n", err)
		os.Exit(1)
	}
	return creds
}

// wsEndpoint maps the relay's HTTP base URL to its node websocket URL.
func wsEndpoint(relay string) string {
	url := strings.TrimSuffix(relay, "/")
	if after, ok := strings.CutPrefix(url, "https"); ok {
		url = "wss" + after
	} else if after, ok := strings.CutPrefix(url, "http"); ok {
		url = "ws" + after
	}
	return url + "/ws/node"
}

func cmdConnect() {
	dir := obscuraDir()
	pidFile := filepath.Join(dir, "node.pid")
	chunksDir := filepath.Join(dir, "chunks")
	statsFile := filepath.Join(dir, "stats.json")

	// Check if already running.
	if pidData, err := os.ReadFile(pidFile); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
		if err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				// On Unix, FindProcess always succeeds. Check if process is alive.
				if err := process.Signal(syscall.Signal(0)); err == nil {
					fmt.Fprintf(os.Stderr, "Error: node already running (PID %d)\n", pid)
					os.Exit(1)
				}
			}
		}
	}

	creds := loadCredentials()

	maxStorage := int64(defaultMaxStorage)
	if s := flagValue(os.Args[2:], "max-storage"); s != "" {
		maxStorage = parseStorageSize(s)
	}

	store, err := nodeagent.NewChunkDir(chunksDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Error: writing PID file: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent := nodeagent.New(wsEndpoint(creds.RelayURL), creds.NodeID, creds.AuthToken, store)
	go agent.Run(ctx)

	startTime := time.Now()
	fmt.Printf("Node %s serving chunks from %s\n", creds.NodeID, chunksDir)

	writeStats := func() {
		used, chunks := store.Usage()
		stats := nodeStats{
			NodeID:        creds.NodeID,
			UptimeSeconds: int64(time.Since(startTime).Seconds()),
			ChunksStored:  chunks,
			StorageUsed:   used,
			MaxStorage:    maxStorage,
		}
		data, _ := json.Marshal(stats)
		_ = os.WriteFile(statsFile, data, 0600)
	}
	writeStats()

	statsDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeStats()
			case <-statsDone:
				return
			}
		}
	}()

	// Block until signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	cancel()
	close(statsDone)
	writeStats()
	os.Remove(pidFile)
	fmt.Println("Node disconnected.")
}

func cmdDisconnect() {
	pidFile := filepath.Join(obscuraDir(), "node.pid")

	pidData, err := os.ReadFile(pidFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: no running node found (missing PID file)")
		os.Exit(1)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid PID file: %v\n", err)
		os.Exit(1)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: finding process %d: %v\n", pid, err)
		os.Exit(1)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "Error: sending signal to process %d: %v\n", pid, err)
		os.Exit(1)
	}

	fmt.Println("Node disconnected.")
}

func cmdStatus() {
	dir := obscuraDir()
	statsFile := filepath.Join(dir, "stats.json")

	data, err := os.ReadFile(statsFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: no stats available (node may not be running)")
		os.Exit(1)
	}

	var stats nodeStats
	if err := json.Unmarshal(data, &stats); err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading stats: %v\n", err)
		os.Exit(1)
	}

	// Check if node is still running.
	pidFile := filepath.Join(dir, "node.pid")
	online := false
	if pidData, err := os.ReadFile(pidFile); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
		if err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					online = true
				}
			}
		}
	}

	statusStr := "offline"
	if online {
		statusStr = "online"
	}

	fmt.Printf("Node ID:       %s\n", stats.NodeID)
	fmt.Printf("Status:        %s\n", statusStr)
	fmt.Printf("Uptime:        %s\n", formatDuration(time.Duration(stats.UptimeSeconds)*time.Second))
	fmt.Printf("Chunks stored: %d\n", stats.ChunksStored)
	fmt.Printf("Storage:       %s / %s\n", formatBytes(stats.StorageUsed), formatBytes(stats.MaxStorage))
}

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
