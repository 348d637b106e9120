package wrapper

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// inputEnterDelay separates operator text from the Enter key so the tool's
// input loop registers them as two keystrokes.
const inputEnterDelay = 50 * time.Millisecond

// Tool runs the wrapped binary under a pseudo-terminal so it behaves exactly
// as it would in a plain interactive shell.
type Tool struct {
	cmd  *exec.Cmd
	ptmx *os.File

	writeMu sync.Mutex
}

// SpawnTool starts the wrapped binary with the injected settings file
// prepended to its arguments.
func SpawnTool(binary string, args []string, settingsPath, sessionID string, hookPort int) (*Tool, error) {
	full := append([]string{"--settings", settingsPath}, args...)
	cmd := exec.Command(binary, full...)
	cmd.Env = append(os.Environ(),
		"RELAY_SESSION_ID="+sessionID,
		"RELAY_PORT="+strconv.Itoa(hookPort),
		"FORCE_COLOR=1",
	)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting %s under pty: %w", binary, err)
	}
	return &Tool{cmd: cmd, ptmx: ptmx}, nil
}

// Attach wires the controlling terminal to the tool's PTY: raw mode on
// stdin, bidirectional copies, window resize propagation, and signal
// forwarding. The returned function undoes the terminal state and must run
// before the wrapper exits.
func (t *Tool) Attach() (func(), error) {
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			pty.InheritSize(os.Stdin, t.ptmx)
		}
	}()
	winch <- syscall.SIGWINCH // set the initial size

	var oldState *term.State
	if term.IsTerminal(int(os.Stdin.Fd())) {
		var err error
		oldState, err = term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			signal.Stop(winch)
			return nil, fmt.Errorf("entering raw mode: %w", err)
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for sig := range sigs {
			if t.cmd.Process != nil {
				t.cmd.Process.Signal(sig)
			}
		}
	}()

	go io.Copy(t.ptmx, os.Stdin)
	go io.Copy(os.Stdout, t.ptmx)

	restore := func() {
		signal.Stop(winch)
		signal.Stop(sigs)
		if oldState != nil {
			term.Restore(int(os.Stdin.Fd()), oldState)
		}
	}
	return restore, nil
}

// WriteInput types operator-supplied text into the tool's terminal, then
// presses Enter after a short delay.
func (t *Tool) WriteInput(text string) error {
	trimmed := strings.TrimRight(text, "\r\n")
	trimmed = strings.ReplaceAll(trimmed, "\n", "\\\n")

	t.writeMu.Lock()
	_, err := t.ptmx.WriteString(trimmed)
	t.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("writing input: %w", err)
	}

	time.AfterFunc(inputEnterDelay, func() {
		t.writeMu.Lock()
		t.ptmx.WriteString("\r")
		t.writeMu.Unlock()
	})
	return nil
}

// Wait blocks until the tool exits and returns its exit code.
func (t *Tool) Wait() int {
	err := t.cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

// Close releases the PTY.
func (t *Tool) Close() error {
	return t.ptmx.Close()
}
