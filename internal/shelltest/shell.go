// Package shelltest provides an in-process scripted shell and SSH/TELNET
// servers in front of it, so session, executor and registry code can be
// tested without a real SUT.
package shelltest

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// DateBanner is the banner line appended to responses with Date set.
const DateBanner = "Thu Oct 15 10:12:33 UTC 2026"

// Response scripts the shell's reaction to one command line.
type Response struct {
	// Output is printed after the echo; "\n" is sent as "\r\n".
	Output string
	// Status is what a following `echo $?` reports.
	Status int
	// Date appends DateBanner after Output.
	Date bool
	// Hang withholds the prompt until Ctrl-C.
	Hang bool
	// Delay is slept before Output is printed.
	Delay time.Duration
	// Question is printed before Output and a reply line is read with
	// echo. Anything but "y" aborts with status 1.
	Question string
	// Password makes the shell ask "[sudo] password for <user>:" first.
	Password string
	// Prompt switches the shell prompt after this command.
	Prompt string
	// DropOnce closes the connection the first time the command is run.
	DropOnce bool
	// Drop closes the connection every time the command is run.
	Drop bool
	// Func, when set, computes the response from the 1-based call count.
	Func func(call int) Response
}

// Shell is a scripted bash look-alike. One Shell may serve any number of
// connections, one at a time or concurrently; its call counters are shared.
type Shell struct {
	// Prompt is printed after every command, e.g. "controller-0:~$ ".
	Prompt string
	// Banner is printed once before the first prompt of a connection.
	Banner string
	// User names the account in sudo prompts.
	User string
	// Responses maps a command line to its scripted response.
	Responses map[string]Response

	mu         sync.Mutex
	calls      map[string]int
	history    []string
	lastStatus int
	prompt     string
	conns      int
}

// NewShell returns a shell with prompt and no scripted responses.
func NewShell(prompt string) *Shell {
	return &Shell{
		Prompt:    prompt,
		User:      "sysadmin",
		Responses: make(map[string]Response),
	}
}

// On scripts the response to command and returns the shell for chaining.
func (s *Shell) On(command string, r Response) *Shell {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Responses == nil {
		s.Responses = make(map[string]Response)
	}
	s.Responses[command] = r
	return s
}

// Calls reports how many times command was run.
func (s *Shell) Calls(command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[command]
}

// History returns every non-empty line received, in order.
func (s *Shell) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.history))
	copy(out, s.history)
	return out
}

// Connections reports how many connections Serve has accepted.
func (s *Shell) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *Shell) currentPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prompt != "" {
		return s.prompt
	}
	return s.Prompt
}

// lookup records the call and resolves the response.
func (s *Shell) lookup(line string) (Response, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[line]++
	s.history = append(s.history, line)
	r, ok := s.Responses[line]
	n := s.calls[line]
	if ok && r.Func != nil {
		r = r.Func(n)
	}
	return r, n, ok
}

func (s *Shell) setStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStatus = status
}

func (s *Shell) status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

// Serve runs the shell on rw until the peer goes away or a DropOnce
// response closes it. It prints the banner and first prompt immediately.
func (s *Shell) Serve(rw io.ReadWriteCloser) error {
	defer rw.Close()

	s.mu.Lock()
	s.conns++
	s.mu.Unlock()

	c := &conn{rw: rw, r: bufio.NewReader(rw)}
	if s.Banner != "" {
		c.print(s.Banner + "\n")
	}
	c.write(s.currentPrompt())
	return s.loop(c)
}

// serveAfterLogin runs the shell on a connection that went through a
// console login exchange.
func (s *Shell) serveAfterLogin(c *conn) error {
	s.mu.Lock()
	s.conns++
	s.mu.Unlock()

	c.write(s.currentPrompt())
	return s.loop(c)
}

func (s *Shell) loop(c *conn) error {
	for {
		line, ctrlC, err := c.readLine(true)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if ctrlC {
			c.write("^C\r\n" + s.currentPrompt())
			s.setStatus(130)
			continue
		}
		if done := s.run(c, line); done {
			return nil
		}
	}
}

// run handles one command line and reports whether the connection should
// be dropped.
func (s *Shell) run(c *conn, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		c.write(s.currentPrompt())
		return false
	}

	if line == "echo $?" {
		s.lookup(line)
		c.print(fmt.Sprintf("%d\n", s.status()))
		c.write(s.currentPrompt())
		return false
	}

	r, n, ok := s.lookup(line)
	if !ok {
		name := strings.Fields(line)[0]
		c.print(fmt.Sprintf("-bash: %s: command not found\n", name))
		s.setStatus(127)
		c.write(s.currentPrompt())
		return false
	}

	if r.Drop || (r.DropOnce && n == 1) {
		return true
	}

	if r.Password != "" {
		c.write(fmt.Sprintf("[sudo] password for %s: ", s.User))
		pw, _, err := c.readLine(false)
		if err != nil {
			return true
		}
		c.print("\n")
		if strings.TrimSpace(pw) != r.Password {
			c.print("Sorry, try again.\nsudo: 1 incorrect password attempt\n")
			s.setStatus(1)
			c.write(s.currentPrompt())
			return false
		}
	}

	if r.Question != "" {
		c.write(r.Question)
		reply, _, err := c.readLine(true)
		if err != nil {
			return true
		}
		reply = strings.TrimSpace(reply)
		s.mu.Lock()
		s.history = append(s.history, reply)
		s.mu.Unlock()
		if reply != "y" {
			c.print("Aborted\n")
			s.setStatus(1)
			c.write(s.currentPrompt())
			return false
		}
	}

	if r.Delay > 0 {
		time.Sleep(r.Delay)
	}
	if r.Output != "" {
		out := r.Output
		if !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		c.print(out)
	}
	if r.Date {
		c.print(DateBanner + "\n")
	}
	s.setStatus(r.Status)

	if r.Prompt != "" {
		s.mu.Lock()
		s.prompt = r.Prompt
		s.mu.Unlock()
	}

	if r.Hang {
		for {
			_, ctrlC, err := c.readLine(false)
			if err != nil {
				return true
			}
			if ctrlC {
				c.write("^C\r\n" + s.currentPrompt())
				s.setStatus(130)
				return false
			}
		}
	}

	c.write(s.currentPrompt())
	return false
}

// conn is the line discipline of one connection.
type conn struct {
	rw     io.ReadWriter
	r      *bufio.Reader
	lastCR bool
}

func (c *conn) write(s string) {
	_, _ = io.WriteString(c.rw, s)
}

// print writes s with "\n" expanded to "\r\n", like a tty in cooked mode.
func (c *conn) print(s string) {
	c.write(strings.ReplaceAll(s, "\n", "\r\n"))
}

// readLine reads one line terminated by CR, LF or CRLF. A Ctrl-C returns
// immediately with ctrlC set. With echo the line is written back.
func (c *conn) readLine(echo bool) (string, bool, error) {
	var b strings.Builder
	for {
		ch, err := c.r.ReadByte()
		if err != nil {
			return b.String(), false, err
		}
		switch ch {
		case 0x03:
			c.lastCR = false
			return "", true, nil
		case '\r':
			c.lastCR = true
			return c.finish(b.String(), echo), false, nil
		case '\n':
			if c.lastCR && b.Len() == 0 {
				c.lastCR = false
				continue
			}
			c.lastCR = false
			return c.finish(b.String(), echo), false, nil
		case 0:
			// TELNET sends CR NUL for a bare carriage return.
			continue
		default:
			c.lastCR = false
			b.WriteByte(ch)
		}
	}
}

func (c *conn) finish(line string, echo bool) string {
	if echo {
		c.write(line + "\r\n")
	}
	return line
}
