package wire

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/go-hdsm/hdsm/pkg/arch"
	"github.com/go-hdsm/hdsm/pkg/dsmerr"
	"github.com/go-hdsm/hdsm/pkg/region"
	"github.com/go-hdsm/hdsm/pkg/sys"
)

func pipe(t *testing.T) (client, server *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewConn(a), NewConn(b)
}

func serve(s *Server) chan error {
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()
	return done
}

func isViolation(err error) bool {
	var pv *dsmerr.ProtocolViolation
	return errors.As(err, &pv)
}

func TestGetPageRoundTrip(t *testing.T) {
	const base = 0x7f0000
	src := make([]byte, 3*4096)
	for i := range src {
		src[i] = byte(i * 7)
	}
	cc, sc := pipe(t)
	srv := NewServer(sc)
	srv.Handle(OpGetPage, func(_ context.Context, p []byte) ([]byte, error) {
		req, err := DecodePageRequest(p)
		if err != nil {
			return nil, err
		}
		off := req.Addr - base
		return src[off : off+req.Len], nil
	})
	done := serve(srv)

	client := NewClient(cc)
	for _, tc := range []struct{ addr, n uint64 }{
		{base, 16},
		{base + 4096, 4096},
		{base + 100, 5000},
		{base, uint64(len(src))},
	} {
		got, err := client.FetchPage(tc.addr, tc.n)
		if err != nil {
			t.Fatalf("FetchPage(%#x, %d): %v", tc.addr, tc.n, err)
		}
		off := tc.addr - base
		if !bytes.Equal(got, src[off:off+tc.n]) {
			t.Fatalf("FetchPage(%#x, %d): content mismatch", tc.addr, tc.n)
		}
	}
	if err := client.Exit(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; !errors.Is(err, ErrExit) {
		t.Fatalf("Serve returned %v, want ErrExit", err)
	}
}

func TestDeclaredLengthMismatch(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	go func() {
		hdr := make([]byte, HeaderSize)
		binary.LittleEndian.PutUint32(hdr[0:], uint32(OpPrint))
		binary.LittleEndian.PutUint32(hdr[4:], 100)
		a.Write(hdr)
		a.Write(make([]byte, 50))
		a.Close()
	}()
	_, err := NewConn(b).ReadFrame()
	if !isViolation(err) {
		t.Fatalf("expected ProtocolViolation, got %v", err)
	}
}

func TestRequestSizeMismatch(t *testing.T) {
	cc, sc := pipe(t)
	srv := NewServer(sc)
	called := false
	srv.Handle(OpGetRegion, func(context.Context, []byte) ([]byte, error) {
		called = true
		return nil, nil
	})
	done := make(chan error, 1)
	go func() { done <- srv.ServeOne(context.Background()) }()
	if err := cc.Send(OpGetRegion, make([]byte, 16)); err != nil {
		t.Fatal(err)
	}
	if err := <-done; !isViolation(err) {
		t.Fatalf("expected ProtocolViolation, got %v", err)
	}
	if called {
		t.Fatal("handler called for malformed request")
	}
}

func TestUnknownOpcode(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	go func() {
		a.Write(encodeFrame(Op(42), nil))
		a.Close()
	}()
	_, err := NewConn(b).ReadFrame()
	if !isViolation(err) {
		t.Fatalf("expected ProtocolViolation, got %v", err)
	}
}

func TestUnhandledOpcode(t *testing.T) {
	cc, sc := pipe(t)
	done := serve(NewServer(sc))
	if err := cc.Send(OpMigrateBack, nil); err != nil {
		t.Fatal(err)
	}
	if err := <-done; !isViolation(err) {
		t.Fatalf("expected ProtocolViolation, got %v", err)
	}
}

func TestResponseSizeEnforced(t *testing.T) {
	cc, sc := pipe(t)
	srv := NewServer(sc)
	srv.Handle(OpGetPage, func(context.Context, []byte) ([]byte, error) {
		return make([]byte, 10), nil
	})
	done := serve(srv)
	go NewClient(cc).FetchPage(0x1000, 4096)
	if err := <-done; !isViolation(err) {
		t.Fatalf("expected ProtocolViolation for short response, got %v", err)
	}
}

func TestPrintAndConcurrentSends(t *testing.T) {
	cc, sc := pipe(t)
	srv := NewServer(sc)
	var mu sync.Mutex
	var got []string
	srv.Handle(OpPrint, func(_ context.Context, p []byte) ([]byte, error) {
		mu.Lock()
		got = append(got, string(p))
		mu.Unlock()
		return nil, nil
	})
	done := serve(srv)

	client := NewClient(cc)
	msgs := []string{
		"short",
		string(bytes.Repeat([]byte("a"), 300)),
		string(bytes.Repeat([]byte("b"), 65)),
		string(bytes.Repeat([]byte("c"), 64)),
	}
	var wg sync.WaitGroup
	for _, m := range msgs {
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			if err := client.Print(m); err != nil {
				t.Error(err)
			}
		}(m)
	}
	wg.Wait()
	client.Exit()
	if err := <-done; !errors.Is(err, ErrExit) {
		t.Fatalf("Serve returned %v", err)
	}
	if len(got) != len(msgs) {
		t.Fatalf("got %d messages, want %d", len(got), len(msgs))
	}
	seen := map[string]bool{}
	for _, m := range got {
		seen[m] = true
	}
	for _, m := range msgs {
		if !seen[m] {
			t.Fatalf("message of length %d lost or corrupted", len(m))
		}
	}
}

func TestFetchDescriptorAndContext(t *testing.T) {
	cc, sc := pipe(t)
	srv := NewServer(sc)
	d := region.Descriptor{Start: 0x7ff000, End: 0x801000, Perm: sys.PermRead | sys.PermWrite, Owner: 1, Path: "[stack]"}
	srv.Handle(OpGetRegion, func(_ context.Context, p []byte) ([]byte, error) {
		addr, err := DecodeRegionRequest(p)
		if err != nil {
			return nil, err
		}
		var out region.Descriptor
		if d.Contains(addr) {
			out = d
		}
		return out.MarshalBinary()
	})
	snap := arch.NewSnapshot(arch.ARM64)
	snap.SetPC(0x400800)
	snap.SetFrame(0x800010, 0x800000)
	srv.Handle(OpGetContext, func(context.Context, []byte) ([]byte, error) {
		return snap.MarshalBinary()
	})
	serve(srv)

	client := NewClient(cc)
	got, err := client.FetchDescriptor(0x800123)
	if err != nil {
		t.Fatal(err)
	}
	if got != d {
		t.Fatalf("got descriptor %+v, want %+v", got, d)
	}
	_, err = client.FetchDescriptor(0x100000)
	var ferr *dsmerr.FaultResolutionError
	if !errors.As(err, &ferr) || ferr.Addr != 0x100000 {
		t.Fatalf("expected FaultResolutionError, got %v", err)
	}

	ctx, err := client.FetchContext()
	if err != nil {
		t.Fatal(err)
	}
	if ctx.Arch != arch.ARM64 || ctx.PC() != 0x400800 || ctx.SP() != 0x800000 || ctx.FP() != 0x800010 {
		t.Fatalf("bad snapshot %v", ctx.Slice())
	}
}

func TestHandshake(t *testing.T) {
	cc, sc := pipe(t)
	const path = "/opt/app/x86_64/bin/solver"
	go cc.WritePath(path)
	got, err := sc.ReadPath()
	if err != nil {
		t.Fatal(err)
	}
	if got != path {
		t.Fatalf("ReadPath = %q", got)
	}
}

func TestHandshakeShortRead(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	const path = "/opt/app/x86_64/bin/solver"
	go func() {
		buf := make([]byte, 4+len(path)-1)
		binary.LittleEndian.PutUint32(buf, uint32(len(path)))
		copy(buf[4:], path)
		a.Write(buf)
		a.Close()
	}()
	_, err := NewConn(b).ReadPath()
	if !isViolation(err) {
		t.Fatalf("expected ProtocolViolation for a one byte short path, got %v", err)
	}
}
