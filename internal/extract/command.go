package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/MimeLyc/slide-translator/internal/jobs"
	"github.com/MimeLyc/slide-translator/pkg/log"
)

const DefaultCommandTimeout = 2 * time.Minute

// CommandExtractor runs an external program as `<Command> <Args...> <path>`.
// The program must print a JSON array of strings on stdout.
type CommandExtractor struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func NewCommandExtractor(command string, args ...string) CommandExtractor {
	return CommandExtractor{Command: command, Args: args, Timeout: DefaultCommandTimeout}
}

func (c CommandExtractor) Extract(ctx context.Context, file jobs.FileRef) ([]string, error) {
	if _, err := os.Stat(file.Path); err != nil {
		return nil, fmt.Errorf("extract %s: %w", file.Name, err)
	}
	cmdPath, err := exec.LookPath(c.Command)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", file.Name, err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, cmdPath, c.args(file.Path)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		log.Error("Failed to run %s on %s: %v", c.Command, file.Name, err)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("extract %s: %w: %s", file.Name, err, msg)
		}
		return nil, fmt.Errorf("extract %s: %w", file.Name, err)
	}

	var texts []string
	if err := json.Unmarshal(stdout.Bytes(), &texts); err != nil {
		log.Error("Failed to parse %s output for %s: %v", c.Command, file.Name, err)
		return nil, fmt.Errorf("extract %s: invalid extractor output: %w", file.Name, err)
	}
	return keepText(texts), nil
}

func (c CommandExtractor) args(path string) []string {
	args := make([]string, 0, len(c.Args)+1)
	args = append(args, c.Args...)
	return append(args, path)
}
