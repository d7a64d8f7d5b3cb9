package backend

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// invocation is a fully built agent command line.
type invocation struct {
	name  string
	args  []string
	stdin string // Prompt fed on stdin; command providers only
}

// buildInvocation constructs the command line for running prompt under p.
// sessionName names the agent-side session where the CLI supports it.
func buildInvocation(p Profile, prompt, sessionName string) (invocation, error) {
	name := p.Command
	if name == "" {
		name = p.Provider
	}

	var args []string
	switch p.Provider {
	case ProviderClaude:
		args = claudeArgs(p, prompt, sessionName)
	case ProviderCodex:
		args = codexArgs(p, prompt)
	case ProviderGoose:
		args = gooseArgs(p, prompt, sessionName)
	case ProviderCommand:
		if p.Command == "" {
			return invocation{}, fmt.Errorf("command provider needs a command")
		}
		return invocation{name: name, args: append([]string(nil), p.Args...), stdin: prompt}, nil
	default:
		return invocation{}, fmt.Errorf("unknown provider: %s", p.Provider)
	}
	return invocation{name: name, args: append(args, p.Args...)}, nil
}

// claudeArgs: -p <prompt> --output-format json --session-id <id> [--model] [--system-prompt]
func claudeArgs(p Profile, prompt, sessionName string) []string {
	args := []string{"-p", prompt, "--output-format", "json"}
	if sessionName != "" {
		args = append(args, "--session-id", sessionName)
	}
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	if p.SystemPrompt != "" {
		args = append(args, "--system-prompt", p.SystemPrompt)
	}
	return args
}

// codexArgs: exec <prompt> --json [--model]
func codexArgs(p Profile, prompt string) []string {
	args := []string{"exec", prompt, "--json"}
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	return args
}

// gooseArgs: run --text <prompt> --output-format json --name <session> [--provider] [--model] [--system]
func gooseArgs(p Profile, prompt, sessionName string) []string {
	args := []string{"run", "--text", prompt, "--output-format", "json"}
	if sessionName != "" {
		args = append(args, "--name", sessionName)
	}
	if p.LLMProvider != "" {
		args = append(args, "--provider", p.LLMProvider)
	}
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	if p.SystemPrompt != "" {
		args = append(args, "--system", p.SystemPrompt)
	}
	return args
}

// parseOutput extracts the agent's final text from provider output and
// interprets it as a Result.
func parseOutput(provider string, stdout []byte) (Result, error) {
	var text string
	var err error
	switch provider {
	case ProviderClaude:
		text, err = parseClaudeOutput(stdout)
	case ProviderCodex:
		text, err = parseCodexOutput(stdout)
	case ProviderGoose:
		text = parseGooseOutput(stdout)
	default:
		text = string(stdout)
	}
	if err != nil {
		return Result{}, err
	}
	return parseResult(text), nil
}

// parseResult reads text as a JSON Result object, falling back to using the
// whole text as the summary.
func parseResult(text string) Result {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "{") {
		var r Result
		if err := json.Unmarshal([]byte(text), &r); err == nil && r != (Result{}) {
			return r
		}
	}
	return Result{Summary: text}
}

// claudeOutput is the JSON printed by claude with --output-format json.
// Example: {"session_id": "uuid", "result": {"content": [{"type": "text", "text": "response"}]}}
type claudeOutput struct {
	SessionID string `json:"session_id"`
	Result    struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
}

func parseClaudeOutput(data []byte) (string, error) {
	var out claudeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to parse claude output: %w", err)
	}
	var text strings.Builder
	for _, item := range out.Result.Content {
		if item.Type == "text" {
			text.WriteString(item.Text)
		}
	}
	return text.String(), nil
}

type codexEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// parseCodexOutput reads the newline-delimited event stream of codex --json
// and returns the content of the last TurnCompleted event.
func parseCodexOutput(data []byte) (string, error) {
	var content string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt codexEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return "", fmt.Errorf("failed to parse codex event: %w", err)
		}
		if evt.Type == "TurnCompleted" {
			content = evt.Content
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("error reading codex events: %w", err)
	}
	return content, nil
}

type gooseOutput struct {
	Content string `json:"content"`
}

// parseGooseOutput accepts a single JSON object, newline-delimited JSON, or
// plain text when the installed goose has no JSON output.
func parseGooseOutput(data []byte) string {
	var single gooseOutput
	if err := json.Unmarshal(data, &single); err == nil {
		return single.Content
	}

	var contents []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var lineOut gooseOutput
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &lineOut); err == nil && lineOut.Content != "" {
			contents = append(contents, lineOut.Content)
		}
	}
	if len(contents) > 0 {
		return strings.Join(contents, "\n")
	}
	return string(data)
}
