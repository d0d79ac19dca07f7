package main

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func serverConfig() config {
	cfg := defaultConfig()
	cfg.Port = 0
	cfg.Threads = 2
	cfg.Secret = "test-secret-key"
	cfg.IsDynamic = true
	cfg.APIEnable = false
	return cfg
}

// startServer runs srv in the background and waits until it serves packets.
func startServer(t *testing.T, cfg config) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()
	srv := NewServer(cfg, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server did not become ready")
	}
	return srv, cancel, errCh
}

func TestNewServer(t *testing.T) {
	srv := NewServer(serverConfig(), zaptest.NewLogger(t))
	require.NotNil(t, srv)
	assert.Nil(t, srv.Tracker(), "engine is created by Run")
	assert.Empty(t, srv.LocalAddrs())
}

func TestServer_Run(t *testing.T) {
	srv, cancel, errCh := startServer(t, serverConfig())

	addrs := srv.LocalAddrs()
	require.NotEmpty(t, addrs)
	require.NotNil(t, srv.Tracker())

	port := addrs[0].(*net.UDPAddr).Port
	client, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write((&ConnectRequest{TransactionID: 77}).AppendBinary(nil))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, maxPacketSize)
	n, err := client.Read(buf)
	require.NoError(t, err)

	resp, err := decodeConnectResponse(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint32(77), resp.TransactionID)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServer_RunInvalidConfig(t *testing.T) {
	cfg := serverConfig()
	cfg.Threads = 0
	cfg.DBDriver = "postgres"

	err := NewServer(cfg, zaptest.NewLogger(t)).Run(context.Background())

	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StartConfigInvalid, se.Kind)
	assert.Equal(t, 5, exitCode(err))
}

func TestServer_RunBindFailure(t *testing.T) {
	busy, err := listenUDP("udp4", 0)
	require.NoError(t, err)
	defer busy.Close()

	cfg := serverConfig()
	cfg.Port = busy.LocalAddr().(*net.UDPAddr).Port

	err = NewServer(cfg, zaptest.NewLogger(t)).Run(context.Background())

	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StartBindFailed, se.Kind)
	assert.Equal(t, 3, exitCode(err))
}

func TestServer_RunStorageFailure(t *testing.T) {
	cfg := serverConfig()
	cfg.TorrentsDir = t.TempDir() + "/missing"

	err := NewServer(cfg, zaptest.NewLogger(t)).Run(context.Background())

	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StartStorageFailed, se.Kind)
}

func TestListenUDP(t *testing.T) {
	conn, err := listenUDP("udp4", 0)
	require.NoError(t, err)
	defer conn.Close()

	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	require.True(t, ok)
	assert.NotZero(t, udpAddr.Port)
	assert.NotNil(t, udpAddr.IP.To4())

	_, err = listenUDP("tcp", 0)
	assert.Error(t, err)
}

func TestListenError(t *testing.T) {
	assert.Equal(t, StartSocketFailed, listenError("udp4", errors.New("no sockets")).Kind)
}

func TestStartFailure(t *testing.T) {
	assert.Equal(t, "bind failed", StartBindFailed.String())
	assert.Equal(t, 2, StartSocketFailed.ExitCode())
	assert.Equal(t, 4, StartStorageFailed.ExitCode())

	err := startError(StartStorageFailed, errors.New("disk gone"))
	assert.EqualError(t, err, "storage failed: disk gone")
}
