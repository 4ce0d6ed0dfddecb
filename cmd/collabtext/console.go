package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"collabtext/internal/editor"
	"collabtext/internal/session"
)

const help = `commands:
  print                 show the document
  type OFFSET TEXT      type TEXT one character at a time
  insert OFFSET TEXT    insert TEXT as a single edit
  append TEXT           type TEXT at the end
  delete OFFSET N       delete N characters
  set TEXT              replace the whole document
  save [NAME]           save the document
  status                show the session role
  stop                  stop serving or leave the relay
  quit                  exit`

var errQuit = errors.New("quit")

// console is a line-oriented stand-in for an editor UI.
type console struct {
	doc   *editor.Document
	sess  *session.Session
	saver editor.Saver
	out   io.Writer
}

func newConsole(doc *editor.Document, sess *session.Session, saver editor.Saver, out io.Writer) *console {
	return &console{doc: doc, sess: sess, saver: saver, out: out}
}

// run executes commands from in until quit, EOF or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(c.out, "type 'help' for commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "":
		return nil
	case "help":
		fmt.Fprintln(c.out, help)
	case "print", "p":
		fmt.Fprintln(c.out, c.doc.Text())
	case "type", "insert":
		offset, text, err := offsetArg(rest)
		if err != nil {
			return err
		}
		if cmd == "type" {
			return c.doc.Type(offset, text)
		}
		return c.doc.Insert(offset, text)
	case "append":
		return c.doc.Type(c.doc.Len(), rest)
	case "delete":
		offset, count, err := offsetArg(rest)
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(count)
		if err != nil {
			return fmt.Errorf("delete: bad count %q", count)
		}
		return c.doc.Delete(offset, n)
	case "set":
		c.doc.SetText(rest)
	case "save":
		name := rest
		if name == "" {
			name = c.doc.Name()
		}
		if name == "" {
			return errors.New("save: document has no name yet")
		}
		if err := c.doc.Save(ctx, c.saver, name); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "saved %s\n", name)
	case "status":
		fmt.Fprintf(c.out, "role=%s armed=%t\n", c.sess.Role(), c.sess.Armed())
	case "stop":
		return c.sess.Stop()
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func offsetArg(s string) (int, string, error) {
	head, tail, _ := strings.Cut(s, " ")
	offset, err := strconv.Atoi(head)
	if err != nil {
		return 0, "", fmt.Errorf("bad offset %q", head)
	}
	return offset, tail, nil
}
