package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/blockcache/bcached/bcachelog"
)

// Attr is one gettable, optionally settable, tunable in the attribute
// tree (spec §6): a sysfs-style leaf identified by a dotted name.
type Attr struct {
	Name string
	Kind ValueKind
	Get  func() Value
	Set  func(Value) error // nil for a read-only attribute
}

// Tree is the control surface's attribute tree server: a line-oriented
// RPC over a Unix socket, matching spec §6's description of how an
// operator CLI reaches a running cache set.
type Tree struct {
	log bcachelog.Logger

	mu    sync.RWMutex
	attrs map[string]*Attr
	ops   map[string]*Op
}

// NewTree constructs an empty Tree. Register attributes and ops with
// RegisterAttr/RegisterOp (or RegisterOps for a whole batch) before
// calling Serve.
func NewTree(log bcachelog.Logger) *Tree {
	if log == nil {
		log = bcachelog.Nop()
	}
	return &Tree{log: log, attrs: map[string]*Attr{}, ops: map[string]*Op{}}
}

func (t *Tree) RegisterAttr(a *Attr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attrs[a.Name] = a
}

func (t *Tree) RegisterOp(o *Op) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops[o.Name] = o
}

// RegisterOps registers every Op in ops, e.g. the output of StandardOps.
func (t *Tree) RegisterOps(ops []*Op) {
	for _, o := range ops {
		t.RegisterOp(o)
	}
}

// Handle dispatches one request line and returns the single-line (no
// trailing newline) response: "get <name>", "set <name> <value>", or
// "<op-name> [args...]".
func (t *Tree) Handle(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty request"
	}

	switch fields[0] {
	case "get":
		if len(fields) != 2 {
			return "ERR usage: get <name>"
		}
		t.mu.RLock()
		a, ok := t.attrs[fields[1]]
		t.mu.RUnlock()
		if !ok {
			return fmt.Sprintf("ERR unknown attribute %q", fields[1])
		}
		return "OK " + a.Get().String()

	case "set":
		if len(fields) < 3 {
			return "ERR usage: set <name> <value>"
		}
		t.mu.RLock()
		a, ok := t.attrs[fields[1]]
		t.mu.RUnlock()
		if !ok {
			return fmt.Sprintf("ERR unknown attribute %q", fields[1])
		}
		if a.Set == nil {
			return fmt.Sprintf("ERR attribute %q is read-only", fields[1])
		}
		val, err := ParseValue(a.Kind, strings.Join(fields[2:], " "))
		if err != nil {
			return "ERR " + err.Error()
		}
		if err := a.Set(val); err != nil {
			return "ERR " + err.Error()
		}
		return "OK"

	default:
		t.mu.RLock()
		op, ok := t.ops[fields[0]]
		t.mu.RUnlock()
		if !ok {
			return fmt.Sprintf("ERR unknown command %q", fields[0])
		}
		out, err := op.Run(fields[1:])
		if err != nil {
			return "ERR " + err.Error()
		}
		return "OK " + out
	}
}

// Serve listens on the Unix socket at socketPath and handles requests
// until ctx is cancelled. An existing socket file at socketPath is
// removed first, matching the teacher's own crash-safe-restart posture
// for on-disk state it owns exclusively.
func (t *Tree) Serve(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath)
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("control.Serve: %w", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control.Serve: accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.serveConn(conn)
		}()
	}
}

func (t *Tree) serveConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		resp := t.Handle(scanner.Text())
		if _, err := fmt.Fprintln(conn, resp); err != nil {
			t.log.Printf("control: write to client failed: %v", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		t.log.Printf("control: client connection error: %v", err)
	}
}
