package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pelikan-go/storectl/internal/item"
	"github.com/pelikan-go/storectl/internal/metrics"
	"github.com/pelikan-go/storectl/internal/process"
	"github.com/pelikan-go/storectl/internal/slab"
)

// startTestServer builds a slab-backed server listening on ephemeral
// ports and returns its data/admin addresses plus a cancel func.
func startTestServer(t *testing.T) (dataAddr, adminAddr string, stop func()) {
	t.Helper()
	eng, err := slab.NewEngine(slab.Config{}, item.NewCASCounter())
	require.NoError(t, err)
	proc := process.NewSlabProcessor(eng, metrics.NewRegistry(), "test", true)

	srv := New(Config{}, proc, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		dl, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			errCh <- err
			return
		}
		al, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			errCh <- err
			return
		}
		srv.dataLn = dl
		srv.adminLn = al
		dataAddr = dl.Addr().String()
		adminAddr = al.Addr().String()
		close(ready)
		errCh <- srv.runBound(ctx)
	}()
	<-ready

	return dataAddr, adminAddr, func() {
		cancel()
		<-errCh
	}
}

func TestServerSetGetOverTCP(t *testing.T) {
	dataAddr, _, stop := startTestServer(t)
	defer stop()

	conn, err := net.DialTimeout("tcp", dataAddr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	r := bufio.NewReader(conn)

	_, err = conn.Write([]byte("set foo 0 0 3\r\nbar\r\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "STORED\r\n", line)

	_, err = conn.Write([]byte("get foo\r\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "VALUE foo 0 3\r\n", line)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "bar\r\n", line)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "END\r\n", line)
}

func TestServerAdminVersion(t *testing.T) {
	_, adminAddr, stop := startTestServer(t)
	defer stop()

	conn, err := net.DialTimeout("tcp", adminAddr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("version\r\n"))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "VERSION test\r\n", line)
}
