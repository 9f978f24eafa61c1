package connections

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/cordum/hookbridge/core/bridge/permissions"
)

// Reactions placed on command messages.
const (
	ReactionSuccess = "✅"
	ReactionDenied  = "⛔"
	ReactionFailed  = "⚠️"
)

const (
	noticeDenied     = "Failed to handle command: You do not have permission to use this command."
	noticeFailPrefix = "Failed to handle command: "
	noticeFailed     = "Failed to handle command."
)

// Command is one chat command of a connection.
type Command struct {
	Help  string
	Level permissions.Level
	// Run executes the command and may return a custom reaction.
	Run func(ctx context.Context, req CommandRequest) (string, error)
}

// CommandRequest carries the triggering message and its arguments.
type CommandRequest struct {
	Message ChatMessage
	Args    []string
}

// CommandError carries a message safe to show the user.
type CommandError struct {
	Human string
	Err   error
}

func (e *CommandError) Error() string {
	if e.Err == nil {
		return e.Human
	}
	return e.Human + ": " + e.Err.Error()
}

func (e *CommandError) Unwrap() error { return e.Err }

func humanError(format string, args ...any) error {
	return &CommandError{Human: fmt.Sprintf(format, args...)}
}

// failureNotice renders the notice for a failed command.
func failureNotice(err error) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.Human != "" {
		return noticeFailPrefix + cmdErr.Human
	}
	return noticeFailed
}

var errUnterminatedQuote = errors.New("unterminated quote")

// Tokenize splits a message body on whitespace. Single or double quoted
// runs form one token with the quotes removed.
func Tokenize(body string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		quote   rune
		inToken bool
	)
	for _, r := range body {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			current.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			inToken = true
		case unicode.IsSpace(r):
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, errUnterminatedQuote
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}

// parseCommand matches body against prefix and returns the command name
// and its arguments.
func parseCommand(prefix, body string) (string, []string, bool) {
	if prefix == "" {
		return "", nil, false
	}
	trimmed := strings.TrimSpace(body)
	if len(trimmed) < len(prefix) || !strings.EqualFold(trimmed[:len(prefix)], prefix) {
		return "", nil, false
	}
	tokens, err := Tokenize(trimmed)
	if err != nil || len(tokens) < 2 || !strings.EqualFold(tokens[0], prefix) {
		return "", nil, false
	}
	return strings.ToLower(tokens[1]), tokens[2:], true
}

// helpText lists commands available under prefix.
func helpText(prefix string, commands map[string]Command) string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "- `%s %s` %s\n", prefix, name, commands[name].Help)
	}
	return strings.TrimRight(b.String(), "\n")
}
