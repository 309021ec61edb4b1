package acphost

import (
	"fmt"

	"github.com/google/shlex"
)

// parseCommand splits a provider command line into arguments using
// shell-aware tokenization, so quoted arguments survive:
//   - "sh -c 'cd /dir && cmd'" -> ["sh", "-c", "cd /dir && cmd"]
//   - "auggie --profile \"my profile\"" -> ["auggie", "--profile", "my profile"]
func parseCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return args, nil
}
