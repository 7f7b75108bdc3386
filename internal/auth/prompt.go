package auth

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// StdinPrompter asks for session tokens on a line-oriented terminal. Prompts
// from concurrent tunnels are serialised.
type StdinPrompter struct {
	In  io.Reader
	Out io.Writer

	mu    sync.Mutex
	once  sync.Once
	lines chan string
}

func (p *StdinPrompter) start() {
	p.lines = make(chan string)
	go func() {
		sc := bufio.NewScanner(p.In)
		for sc.Scan() {
			p.lines <- sc.Text()
		}
		close(p.lines)
	}()
}

func (p *StdinPrompter) PromptForSessionToken(ctx context.Context, sessionID, loginURL string) (string, error) {
	p.once.Do(p.start)
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.Out, "[%s] Log in at %s\n", sessionID, loginURL)
	for {
		fmt.Fprintf(p.Out, "[%s] Session token > ", sessionID)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case line, ok := <-p.lines:
			if !ok {
				return "", io.ErrUnexpectedEOF
			}
			if token := strings.TrimSpace(line); token != "" {
				return token, nil
			}
		}
	}
}
