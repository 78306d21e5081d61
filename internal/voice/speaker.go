package voice

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrSpeakerUnavailable is returned when no speech engine can be found
var ErrSpeakerUnavailable = errors.New("speech engine unavailable")

// Speaker renders one utterance. Speak returns after the utterance finishes.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// LogSpeaker writes utterances to the log. Useful on headless servers where
// voice is rendered by the device.
type LogSpeaker struct{}

// Speak logs the text
func (LogSpeaker) Speak(_ context.Context, text string) error {
	log.Info("SPEAK: %s", text)
	return nil
}

// CommandSpeaker runs an external TTS program with the text as its last argument
type CommandSpeaker struct {
	path string
	args []string
}

// NewCommandSpeaker resolves command on PATH. The text is appended to args on each call.
func NewCommandSpeaker(command string, args ...string) (*CommandSpeaker, error) {
	if strings.TrimSpace(command) == "" {
		return nil, ErrSpeakerUnavailable
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpeakerUnavailable, command, err)
	}
	return &CommandSpeaker{path: path, args: args}, nil
}

// Speak runs the command and waits for it to exit
func (c *CommandSpeaker) Speak(ctx context.Context, text string) error {
	args := append(append([]string(nil), c.args...), text)
	out, err := exec.CommandContext(ctx, c.path, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", c.path, err, strings.TrimSpace(string(out)))
	}
	return nil
}
