package handlers

import (
	"bufio"
	"context"
	"io"
	"os"

	"go.uber.org/zap"
)

// Command is an operator instruction read from the keyboard.
type Command int

const (
	CmdTogglePause Command = iota // p: pause/resume scanning
	CmdForceClose                 // x: close the open position at market
	CmdHaltToday                  // !: latch the daily halt
)

// CommandHandler turns single keystrokes into commands on a channel. The
// scan loop consumes the channel; no flags are shared between goroutines.
type CommandHandler struct {
	in  io.Reader
	out chan Command
	log *zap.SugaredLogger
}

func NewCommandHandler(log *zap.SugaredLogger) *CommandHandler {
	return &CommandHandler{
		in:  os.Stdin,
		out: make(chan Command, 4),
		log: log,
	}
}

func (h *CommandHandler) Commands() <-chan Command {
	return h.out
}

// Start reads keys until stdin closes or the context ends. Unknown keys and
// line breaks are ignored.
func (h *CommandHandler) Start(ctx context.Context) {
	go func() {
		reader := bufio.NewReader(h.in)
		for {
			b, err := reader.ReadByte()
			if err != nil {
				return
			}
			var cmd Command
			switch b {
			case 'p':
				cmd = CmdTogglePause
			case 'x':
				cmd = CmdForceClose
			case '!':
				cmd = CmdHaltToday
			default:
				continue
			}
			select {
			case h.out <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()
}
