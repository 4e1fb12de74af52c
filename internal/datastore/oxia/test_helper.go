package oxia

import (
	"io"
	"os"
	"testing"

	"github.com/oxia-db/oxia/oxiad/dataserver"
)

// TestServer is an embedded Oxia standalone server, or a handle on an external
// one when OXIA_SERVICE_ADDRESS is set.
type TestServer struct {
	standalone *dataserver.Standalone
	addr       string
	dir        string
}

func (s *TestServer) Addr() string {
	return s.addr
}

func (s *TestServer) Close() error {
	var err error
	if s.standalone != nil {
		err = s.standalone.Close()
	}
	if s.dir != "" {
		_ = os.RemoveAll(s.dir)
	}
	return err
}

// StartTestServer starts a server that is closed with the test.
func StartTestServer(t testing.TB) *TestServer {
	t.Helper()

	if addr := os.Getenv("OXIA_SERVICE_ADDRESS"); addr != "" {
		t.Logf("using external oxia server at %s", addr)
		return &TestServer{addr: addr}
	}

	dir, err := os.MkdirTemp("", "tally-oxia-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}

	standalone, err := dataserver.NewStandalone(dataserver.NewTestConfig(dir))
	if err != nil {
		_ = os.RemoveAll(dir)
		t.Fatalf("start oxia standalone: %v", err)
	}

	server := &TestServer{standalone: standalone, addr: standalone.ServiceAddr(), dir: dir}
	t.Cleanup(func() { _ = server.Close() })
	return server
}

var _ io.Closer = (*TestServer)(nil)
