package yate

import (
	"bufio"
	"net"
	"testing"
)

func TestResolveAddrDefaultPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.host = "engine.example"
	cfg.port = 0
	network, addr := resolveAddr(cfg)
	if network != "tcp" {
		t.Errorf("network = %q, want tcp", network)
	}
	if addr != "engine.example:5040" {
		t.Errorf("addr = %q, want engine.example:5040", addr)
	}
}

func TestResolveAddrExplicitPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.host = "engine.example"
	cfg.port = 6000
	_, addr := resolveAddr(cfg)
	if addr != "engine.example:6000" {
		t.Errorf("addr = %q, want engine.example:6000", addr)
	}
}

func TestResolveAddrUnixPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = "/tmp/yate.sock"
	network, addr := resolveAddr(cfg)
	if network != "unix" || addr != "/tmp/yate.sock" {
		t.Errorf("resolveAddr = (%q, %q), want (unix, /tmp/yate.sock)", network, addr)
	}
}

func TestNewTransportLocalMode(t *testing.T) {
	tr := newTransport(DefaultConfig())
	if !tr.local {
		t.Error("default config should select local transport")
	}
}

func TestNewTransportNetworkMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.host = "engine.example"
	tr := newTransport(cfg)
	if tr.local {
		t.Error("a host setting should select network transport, not local")
	}
}

func TestWriteLineTruncatesToBufSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.bufSize = 5
	tr := newTransport(cfg)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	tr.conn = client
	tr.connected = true
	tr.connDone = make(chan struct{})

	go func() {
		tr.writeLine("this line is much longer than bufSize")
	}()

	reader := bufio.NewReader(server)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if line != "this \n" {
		t.Errorf("written line = %q, want truncated %q", line, "this \n")
	}
}

func TestWriteLineQueuesOffline(t *testing.T) {
	cfg := DefaultConfig()
	tr := newTransport(cfg)
	if err := tr.writeLine("%%>output:hello"); err != nil {
		t.Fatalf("writeLine while disconnected returned %v", err)
	}
	tr.offlineMu.Lock()
	n := len(tr.offline)
	tr.offlineMu.Unlock()
	if n != 1 {
		t.Fatalf("offline queue length = %d, want 1", n)
	}
}

func TestEnqueueOfflineRespectsQueueLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.queueLimit = 2
	tr := newTransport(cfg)
	if err := tr.enqueueOffline("a"); err != nil {
		t.Fatalf("enqueueOffline(a) = %v", err)
	}
	if err := tr.enqueueOffline("b"); err != nil {
		t.Fatalf("enqueueOffline(b) = %v", err)
	}
	if err := tr.enqueueOffline("c"); err != ErrQueueFull {
		t.Errorf("enqueueOffline(c) = %v, want ErrQueueFull", err)
	}
}

func TestEnqueueOfflineNotConnectedWhenReconnectDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.host = "engine.example"
	cfg.reconnect = false
	tr := newTransport(cfg)
	if err := tr.enqueueOffline("a"); err != ErrNotConnected {
		t.Errorf("enqueueOffline = %v, want ErrNotConnected", err)
	}
}

func TestFlushOfflineDrainsInOrder(t *testing.T) {
	cfg := DefaultConfig()
	tr := newTransport(cfg)
	tr.offline = []string{"one", "two", "three"}

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	tr.conn = client
	tr.connected = true

	go tr.flushOffline()

	reader := bufio.NewReader(server)
	for _, want := range []string{"one\n", "two\n", "three\n"} {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString: %v", err)
		}
		if line != want {
			t.Errorf("flushed line = %q, want %q", line, want)
		}
	}
}

func TestIsConnectedReflectsState(t *testing.T) {
	tr := newTransport(DefaultConfig())
	if tr.isConnected() {
		t.Error("a fresh transport should not be connected")
	}
	tr.wmu.Lock()
	tr.connected = true
	tr.wmu.Unlock()
	if !tr.isConnected() {
		t.Error("isConnected should reflect the connected flag")
	}
}
