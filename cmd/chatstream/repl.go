package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/chatstream/pkg/chat"
	"github.com/MrWong99/chatstream/pkg/types"
)

const replHelp = `commands:
  /continue  request another assistant turn without a new message
  /reset     clear the conversation
  /quit      exit
`

// printer writes assistant text to out as it streams in.
type printer struct {
	c   *chat.Chat
	out io.Writer

	mu      sync.Mutex
	index   int // log index of the message being printed, -1 for none
	printed int // bytes of its content already written
	dirty   bool
}

func newPrinter(c *chat.Chat, out io.Writer) *printer {
	return &printer{c: c, out: out, index: -1}
}

// onMessages is subscribed to the chat's message log.
func (p *printer) onMessages() {
	ms := p.c.Messages()
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(ms) == 0 {
		p.index, p.printed = -1, 0
		return
	}
	last := len(ms) - 1
	m := ms[last]
	if m.Role != types.RoleAssistant {
		return
	}
	if last != p.index {
		if p.dirty {
			fmt.Fprintln(p.out)
		}
		p.index, p.printed = last, 0
	}
	if len(m.Content) < p.printed {
		p.printed = 0
	}
	if chunk := m.Content[p.printed:]; chunk != "" {
		fmt.Fprint(p.out, chunk)
		p.printed = len(m.Content)
		p.dirty = true
	}
}

// finish ends the current line and reports a failed round.
func (p *printer) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dirty {
		fmt.Fprintln(p.out)
		p.dirty = false
	}
	if p.c.Status() == types.StatusError {
		fmt.Fprintf(p.out, "(error: %v)\n", p.c.Err())
	}
}

// repl reads one message per line from in and streams replies to out until
// in is exhausted, /quit is entered, or ctx is cancelled.
func repl(ctx context.Context, c *chat.Chat, in io.Reader, out io.Writer) error {
	p := newPrinter(c, out)
	unsubscribe := c.SubscribeMessages(p.onMessages)
	defer unsubscribe()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		s := bufio.NewScanner(in)
		for s.Scan() {
			select {
			case lines <- s.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- s.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(l)
		}

		var err error
		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/help":
			fmt.Fprint(out, replHelp)
			continue
		case "/reset":
			err = c.SetMessages(nil)
		case "/continue":
			err = c.Continue(ctx)
		default:
			err = c.SendText(ctx, line)
		}
		if err != nil {
			fmt.Fprintf(out, "(%v)\n", err)
			continue
		}
		// Tool calls and the rounds they trigger finish in the background.
		c.Wait()
		p.finish()
	}
}
