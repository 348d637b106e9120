package wrapper

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/agent-relay/relay/internal/protocol"
)

// Settings injection: the wrapped tool reads a JSON settings file whose
// "hooks" section maps event names to matcher lists. The wrapper writes a
// temp settings file that prepends a curl command for every hook kind,
// posting the callback payload to the local hook server, while preserving
// everything the user already configured.

type hookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

type hookMatcher struct {
	Matcher string        `json:"matcher"`
	Hooks   []hookCommand `json:"hooks"`
}

func userSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "settings.json")
}

// readUserSettings loads the user's settings file. Missing or unparseable
// settings degrade to empty; hook injection must never block the tool from
// starting.
func readUserSettings() map[string]interface{} {
	path := userSettingsPath()
	if path == "" {
		return map[string]interface{}{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]interface{}{}
	}
	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		log.Printf("warning: cannot parse %s: %v", path, err)
		return map[string]interface{}{}
	}
	if settings == nil {
		settings = map[string]interface{}{}
	}
	return settings
}

// newHookMatcher builds the catch-all matcher that forwards one hook kind to
// the local server. The payload arrives on the command's stdin and is passed
// through by curl unmodified.
func newHookMatcher(kind protocol.EventKind, port int, sessionID string) hookMatcher {
	command := fmt.Sprintf(
		`curl -s -X POST "http://127.0.0.1:%d/hook/%s" -H "Content-Type: application/json" -H "X-Session-Id: %s" -d @-`,
		port, kind, sessionID,
	)
	return hookMatcher{
		Matcher: "",
		Hooks:   []hookCommand{{Type: "command", Command: command}},
	}
}

// mergeSettings deep-merges override into base. Maps merge recursively;
// matching arrays concatenate with override's elements first, so injected
// hooks run before the user's for the same event; anything else in override
// wins.
func mergeSettings(base, override map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, ov := range override {
		bv, ok := result[k]
		if !ok {
			result[k] = ov
			continue
		}
		om, omOK := ov.(map[string]interface{})
		bm, bmOK := bv.(map[string]interface{})
		if omOK && bmOK {
			result[k] = mergeSettings(bm, om)
			continue
		}
		oa, oaOK := ov.([]interface{})
		ba, baOK := bv.([]interface{})
		if oaOK && baOK {
			merged := make([]interface{}, 0, len(oa)+len(ba))
			merged = append(merged, oa...)
			merged = append(merged, ba...)
			result[k] = merged
			continue
		}
		result[k] = ov
	}
	return result
}

// generateMergedSettings builds the full settings document for this run.
func generateMergedSettings(sessionID string, port int) map[string]interface{} {
	hooks := make(map[string]interface{}, len(protocol.EventKinds))
	for _, kind := range protocol.EventKinds {
		matcher := newHookMatcher(kind, port, sessionID)
		// Round-trip through JSON so mergeSettings sees plain maps/slices.
		raw, _ := json.Marshal([]hookMatcher{matcher})
		var generic []interface{}
		json.Unmarshal(raw, &generic)
		hooks[string(kind)] = generic
	}

	return mergeSettings(readUserSettings(), map[string]interface{}{"hooks": hooks})
}

func settingsFilePath(sessionID string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("relay-settings-%s.json", sessionID))
}

// WriteMergedSettings writes the injected settings file and returns its path.
func WriteMergedSettings(sessionID string, port int) (string, error) {
	settings := generateMergedSettings(sessionID, port)

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling settings: %w", err)
	}
	data = append(data, '\n')

	path := settingsFilePath(sessionID)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing settings: %w", err)
	}
	return path, nil
}

// CleanupSettings removes the temp settings file. Best effort.
func CleanupSettings(sessionID string) {
	os.Remove(settingsFilePath(sessionID))
}
