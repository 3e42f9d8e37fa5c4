package types

import (
	"image"

	"github.com/google/uuid"
)

// Command is one requested operation before it is turned into tasks.
// A command is immutable once enqueued.
type Command struct {
	ID         string
	Kind       TaskKind
	PluginName string
	Arguments  Arguments
	// Images holds one image for filters and masks, the frame sequence for motion.
	Images []*image.NRGBA
	// Source is a caller supplied label, usually a file name.
	Source string
}

// NewCommand builds a command with a fresh id.
func NewCommand(kind TaskKind, plugin string, args Arguments, images ...*image.NRGBA) *Command {
	return &Command{
		ID:         uuid.New().String(),
		Kind:       kind,
		PluginName: plugin,
		Arguments:  args,
		Images:     images,
	}
}

// WithSource sets the source label and returns the command.
func (c *Command) WithSource(source string) *Command {
	c.Source = source
	return c
}

// Output is a finished filter or mask command as delivered to observers.
type Output struct {
	Command *Command
	Kind    TaskKind
	Image   *image.NRGBA
	Mask    *image.Gray
	Err     error
}
