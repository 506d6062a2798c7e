package backend

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Number of worker stderr lines kept for errors by default.
const DefaultStderrLines = 5

// A running worker process with its stdin and stdout pipes.
// Its stderr is forwarded to the log.
type Cmd struct {
	prefix string
	cmd *exec.Cmd
	stdin io.WriteCloser
	stdout io.ReadCloser
	// receives the last stderr lines once stderr is closed
	stderrCh chan []string

	mu sync.Mutex
	closed bool
}

func (cmd *Cmd) Stdin() io.WriteCloser {
	return cmd.stdin
}

func (cmd *Cmd) Stdout() io.ReadCloser {
	return cmd.stdout
}

type CmdError struct {
	ExitError error
	Lines []string
}

func (e CmdError) Error() string {
	if len(e.Lines) == 0 {
		return fmt.Sprintf("exit error: %v", e.ExitError)
	}
	return fmt.Sprintf("exit error: %v (%s)", e.ExitError, strings.Join(e.Lines, " / "))
}

// Wait closes the pipes and waits for the process to exit.
// Calling Wait more than once returns nil.
func (cmd *Cmd) Wait() error {
	cmd.mu.Lock()
	if cmd.closed {
		cmd.mu.Unlock()
		return nil
	}
	cmd.closed = true
	cmd.mu.Unlock()

	cmd.stdin.Close()
	cmd.stdout.Close()
	lastLines := <- cmd.stderrCh
	err := cmd.cmd.Wait()
	if err != nil {
		myerr := CmdError{
			ExitError: err,
			Lines: lastLines,
		}
		log.Printf("[%s] %v", cmd.prefix, myerr.Error())
		return myerr
	}
	return nil
}

// Kill the process and then wait for it.
func (cmd *Cmd) Kill() error {
	if cmd.cmd.Process != nil {
		cmd.cmd.Process.Kill()
	}
	return cmd.Wait()
}

func (cmd *Cmd) printStderr(rd io.Reader, keep int) {
	brd := bufio.NewReader(rd)
	var lastLines []string
	for {
		line, err := brd.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimRight(line, "\n")
		lastLines = append(lastLines, line)
		if len(lastLines) > keep {
			lastLines = lastLines[1:]
		}
		log.Printf("[%s] %s", cmd.prefix, line)
	}
	cmd.stderrCh <- lastLines
}

type CommandOptions struct {
	// Extra environment variables, added to ours.
	Env []string
	Dir string
	// How many trailing stderr lines a CmdError carries.
	StderrLines int
}

func Command(prefix string, opts CommandOptions, command string, args ...string) (*Cmd, error) {
	log.Printf("[%s] %s %v", prefix, command, args)
	cmd := exec.Command(command, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("error starting %s: %v", command, err)
	}
	keep := opts.StderrLines
	if keep <= 0 {
		keep = DefaultStderrLines
	}
	mycmd := &Cmd{
		prefix: prefix,
		cmd: cmd,
		stdin: stdin,
		stdout: stdout,
		stderrCh: make(chan []string, 1),
	}
	go mycmd.printStderr(stderr, keep)
	return mycmd, nil
}
