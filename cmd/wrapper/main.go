package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/agent-relay/relay/internal/config"
	"github.com/agent-relay/relay/internal/wrapper"

	"github.com/google/uuid"
)

const toolBinary = "claude"

func usage() {
	fmt.Fprintf(os.Stderr, `relay - coding agent session wrapper

Runs %s with hook injection and session forwarding to a concentrator.

USAGE:
  relay [OPTIONS] [TOOL_ARGS...]

OPTIONS:
  --concentrator <url>   Concentrator WebSocket URL
  --no-concentrator      Run without forwarding
  --config <path>        Path to config file
  --relay-help           Show this help

All other arguments are passed through to %s.
`, toolBinary, toolBinary)
}

func main() {
	// The tool's own flags must pass through untouched, so the arguments are
	// scanned by hand instead of with the flag package.
	configPath := "config.yaml"
	concentratorURL := ""
	noConcentrator := false
	var toolArgs []string

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--relay-help":
			usage()
			return
		case "--concentrator":
			if i+1 < len(args) {
				i++
				concentratorURL = args[i]
			}
		case "--no-concentrator":
			noConcentrator = true
		case "--config":
			if i+1 < len(args) {
				i++
				configPath = args[i]
			}
		default:
			toolArgs = append(toolArgs, args[i])
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if concentratorURL == "" {
		concentratorURL = cfg.Wrapper.ConcentratorURL
	}

	if !noConcentrator {
		ensureConcentrator(concentratorURL)
	}

	// Internal id for hook validation only; the concentrator learns the
	// tool's own session id from SessionStart.
	internalID := uuid.NewString()
	cwd, _ := os.Getwd()

	var tool *wrapper.Tool

	forwarder := wrapper.NewForwarder(func(sessionID string) *wrapper.Client {
		if noConcentrator {
			return nil
		}
		return wrapper.NewClient(wrapper.ClientOptions{
			URL:                  concentratorURL,
			SessionID:            sessionID,
			Cwd:                  cwd,
			Args:                 toolArgs,
			HeartbeatInterval:    cfg.Wrapper.HeartbeatInterval,
			ReconnectBase:        cfg.Wrapper.ReconnectBase,
			ReconnectMax:         cfg.Wrapper.ReconnectMax,
			MaxReconnectAttempts: cfg.Wrapper.MaxReconnectAttempts,
			OnInput: func(text string) {
				if tool != nil {
					tool.WriteInput(text)
				}
			},
		})
	})

	hookServer, err := wrapper.StartHookServer(internalID, forwarder.HandleHook)
	if err != nil {
		log.Fatalf("Failed to start hook server: %v", err)
	}

	settingsPath, err := wrapper.WriteMergedSettings(internalID, hookServer.Port())
	if err != nil {
		log.Fatalf("Failed to write settings: %v", err)
	}

	tool, err = wrapper.SpawnTool(toolBinary, toolArgs, settingsPath, internalID, hookServer.Port())
	if err != nil {
		wrapper.CleanupSettings(internalID)
		hookServer.Close()
		log.Fatalf("Failed to start %s: %v", toolBinary, err)
	}

	restore, err := tool.Attach()
	if err != nil {
		log.Printf("Terminal attach failed: %v", err)
		restore = func() {}
	}

	code := tool.Wait()
	restore()

	reason := "normal"
	if code != 0 {
		reason = fmt.Sprintf("exit_code_%d", code)
	}
	forwarder.SendEnd(reason)

	forwarder.Close()
	hookServer.Close()
	tool.Close()
	wrapper.CleanupSettings(internalID)

	os.Exit(code)
}

// ensureConcentrator probes the concentrator and, if it is not answering,
// tries to start one in the background: first a binary next to this
// executable, then one on PATH. Failure is non-fatal; the client queues and
// retries on its own.
func ensureConcentrator(wsURL string) {
	if concentratorReady(wsURL) {
		return
	}

	path := findConcentratorBinary()
	if path == "" {
		log.Printf("Concentrator not running and no binary found; events will queue")
		return
	}

	cmd := exec.Command(path)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		log.Printf("Failed to start concentrator: %v", err)
		return
	}
	// Detach: the concentrator outlives this wrapper.
	cmd.Process.Release()

	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if concentratorReady(wsURL) {
			return
		}
	}
	log.Printf("Concentrator did not become ready; events will queue")
}

func concentratorReady(wsURL string) bool {
	httpURL := strings.Replace(wsURL, "ws://", "http://", 1)
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)
	if idx := strings.Index(httpURL, "/ws"); idx > 0 {
		httpURL = httpURL[:idx]
	}

	client := &http.Client{Timeout: 200 * time.Millisecond}
	resp, err := client.Get(httpURL + "/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func findConcentratorBinary() string {
	if path := os.Getenv("CONCENTRATOR_PATH"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	if exe, err := os.Executable(); err == nil {
		if real, err := filepath.EvalSymlinks(exe); err == nil {
			candidate := filepath.Join(filepath.Dir(real), "concentrator")
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}

	if path, err := exec.LookPath("concentrator"); err == nil {
		return path
	}
	return ""
}
