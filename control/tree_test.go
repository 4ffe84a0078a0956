package control

import (
	"bufio"
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/blockcache/bcached/bcachelog"
	"github.com/google/uuid"
)

type fakeEngine struct {
	attached []string
	stopped  bool
}

func (f *fakeEngine) Attach(path string, id uuid.UUID) error {
	f.attached = append(f.attached, path)
	return nil
}
func (f *fakeEngine) Detach(path string) error { return nil }
func (f *fakeEngine) Stop() error              { f.stopped = true; return nil }
func (f *fakeEngine) Unregister(path string) error { return nil }
func (f *fakeEngine) AddDevice(path string, tier int) error { return nil }
func (f *fakeEngine) TriggerGC() error { return StubEngine{}.TriggerGC() }
func (f *fakeEngine) PruneCache(pct int) error { return nil }
func (f *fakeEngine) CreateVolume(name string, size int64) (uuid.UUID, error) {
	return uuid.New(), nil
}

func newTestTree() (*Tree, *fakeEngine) {
	fe := &fakeEngine{}
	tr := NewTree(bcachelog.Nop())
	tr.RegisterOps(StandardOps(fe))

	writebackPercent := 10
	tr.RegisterAttr(&Attr{
		Name: "writeback_percent",
		Kind: KindInt,
		Get:  func() Value { return Value{Kind: KindInt, Int: int64(writebackPercent)} },
		Set: func(v Value) error {
			writebackPercent = int(v.Int)
			return nil
		},
	})
	tr.RegisterAttr(&Attr{
		Name: "label",
		Kind: KindEnum,
		Get:  func() Value { return Value{Kind: KindEnum, Enum: "readonly"} },
	})
	return tr, fe
}

func TestTreeGetSet(t *testing.T) {
	tr, _ := newTestTree()

	if got := tr.Handle("get writeback_percent"); got != "OK 10" {
		t.Fatalf("get writeback_percent = %q; want %q", got, "OK 10")
	}
	if got := tr.Handle("set writeback_percent 25"); got != "OK" {
		t.Fatalf("set writeback_percent = %q; want OK", got)
	}
	if got := tr.Handle("get writeback_percent"); got != "OK 25" {
		t.Fatalf("get writeback_percent after set = %q; want %q", got, "OK 25")
	}
}

func TestTreeSetReadOnlyAttrFails(t *testing.T) {
	tr, _ := newTestTree()
	got := tr.Handle("set label x")
	if got == "OK" || got[:3] != "ERR" {
		t.Fatalf("set on a read-only attribute should fail, got %q", got)
	}
}

func TestTreeUnknownAttrFails(t *testing.T) {
	tr, _ := newTestTree()
	if got := tr.Handle("get nope"); got[:3] != "ERR" {
		t.Fatalf("get on an unknown attribute should fail, got %q", got)
	}
}

func TestTreeOpDispatch(t *testing.T) {
	tr, fe := newTestTree()
	id := uuid.New()
	got := tr.Handle("attach /dev/sdb " + id.String())
	if got != "OK ok" {
		t.Fatalf("attach = %q; want %q", got, "OK ok")
	}
	if len(fe.attached) != 1 || fe.attached[0] != "/dev/sdb" {
		t.Fatalf("engine.Attach was not called with the expected path: %+v", fe.attached)
	}

	if got := tr.Handle("stop"); got != "OK ok" {
		t.Fatalf("stop = %q; want %q", got, "OK ok")
	}
	if !fe.stopped {
		t.Fatal("engine.Stop should have been called")
	}
}

func TestTreeTriggerGCIsAStub(t *testing.T) {
	tr, _ := newTestTree()
	got := tr.Handle("trigger_gc")
	if got[:3] != "ERR" {
		t.Fatalf("trigger_gc should report not-implemented, got %q", got)
	}
}

func TestTreeServeOverUnixSocket(t *testing.T) {
	tr, _ := newTestTree()
	sock := filepath.Join(t.TempDir(), "bcachectl.sock")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- tr.Serve(ctx, sock) }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sock)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial control socket: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("get writeback_percent\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "OK 10\n" {
		t.Fatalf("response = %q; want %q", line, "OK 10\n")
	}

	cancel()
	if err := <-serveErr; err != nil && !errors.Is(err, net.ErrClosed) {
		t.Fatalf("Serve returned unexpected error: %v", err)
	}
}
