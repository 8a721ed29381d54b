package dispatch

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/config"
	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/scriptpool/internal/protocol"
	"github.com/GriffinCanCode/scriptpool/internal/shared/plainerr"
)

// pipeHost runs a sandbox-backed host over in-memory pipes.
type pipeHost struct {
	in   *io.PipeWriter
	enc  *protocol.Encoder
	dec  *protocol.Decoder
	done chan error
}

func startHost(t *testing.T, poolCfg config.PoolConfig) *pipeHost {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	ph := &pipeHost{
		in:   inW,
		enc:  protocol.NewEncoder(inW),
		dec:  protocol.NewDecoder(outR),
		done: make(chan error, 1),
	}
	go func() {
		err := ServeSandboxes(context.Background(), inR, outW, HostOptions{
			Pool:    poolCfg,
			Metrics: monitoring.NewMetrics(),
		})
		outW.Close()
		ph.done <- err
	}()
	t.Cleanup(func() {
		inW.Close()
		outR.Close()
	})
	return ph
}

func (ph *pipeHost) read(t *testing.T) protocol.Message {
	t.Helper()
	type result struct {
		m   protocol.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := ph.dec.Decode()
		ch <- result{m, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out reading from host")
		return protocol.Message{}
	}
}

func (ph *pipeHost) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-ph.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("host did not exit")
		return nil
	}
}

func scriptsPath(t *testing.T) string {
	t.Helper()
	p, err := filepath.Abs(filepath.Join("..", "sandbox", "testdata", "scripts.js"))
	require.NoError(t, err)
	return p
}

func poolConfig(min, max int) config.PoolConfig {
	return config.PoolConfig{MinConcurrency: min, MaxConcurrency: max, AcquireInterval: 10 * time.Millisecond}
}

func TestHostAnnouncesReadyFirst(t *testing.T) {
	ph := startHost(t, poolConfig(1, 1))
	assert.Equal(t, protocol.TypeReady, ph.read(t).Type)

	ph.in.Close()
	assert.NoError(t, ph.wait(t))
}

func TestHostRunsScripts(t *testing.T) {
	ph := startHost(t, poolConfig(0, 2))
	require.Equal(t, protocol.TypeReady, ph.read(t).Type)

	require.NoError(t, ph.enc.Encode(protocol.RunRequest{
		ID:           "run_a",
		Pathname:     scriptsPath(t),
		FunctionName: "multiply",
		Args:         []any{2, 3},
	}.Message()))
	require.NoError(t, ph.enc.Encode(protocol.RunRequest{
		ID:           "run_b",
		Pathname:     scriptsPath(t),
		FunctionName: "crashes",
		Args:         []any{"hello"},
	}.Message()))

	got := map[string]protocol.Message{}
	for len(got) < 2 {
		m := ph.read(t)
		got[m.ID] = m
	}

	require.Equal(t, protocol.TypeRunResolved, got["run_a"].Type)
	assert.JSONEq(t, "6", string(got["run_a"].Value))

	require.Equal(t, protocol.TypeRunRejected, got["run_b"].Type)
	assert.Equal(t, "Error", got["run_b"].Error.Name)
	assert.Equal(t, "fail: hello", got["run_b"].Error.Message)

	ph.in.Close()
	assert.NoError(t, ph.wait(t))
}

func TestHostReportsSandboxCrash(t *testing.T) {
	ph := startHost(t, poolConfig(0, 1))
	require.Equal(t, protocol.TypeReady, ph.read(t).Type)

	require.NoError(t, ph.enc.Encode(protocol.RunRequest{
		ID:           "run_crash",
		Pathname:     scriptsPath(t),
		FunctionName: "processCrash",
	}.Message()))

	m := ph.read(t)
	require.Equal(t, protocol.TypeRunRejected, m.Type)
	assert.Equal(t, plainerr.NameSandboxGone, m.Error.Name)
	assert.Equal(t, "killed (2)", m.Error.Message)

	// the pool recovers with a fresh sandbox
	require.NoError(t, ph.enc.Encode(protocol.RunRequest{
		ID:       "run_after",
		Pathname: scriptsPath(t),
		Args:     []any{1},
	}.Message()))
	m = ph.read(t)
	require.Equal(t, protocol.TypeRunResolved, m.Type)
	assert.JSONEq(t, "2", string(m.Value))

	ph.in.Close()
	assert.NoError(t, ph.wait(t))
}

func TestHostAbort(t *testing.T) {
	ph := startHost(t, poolConfig(0, 1))
	require.Equal(t, protocol.TypeReady, ph.read(t).Type)

	require.NoError(t, ph.enc.Encode(protocol.RunRequest{
		ID:             "run_abort",
		Pathname:       scriptsPath(t),
		FunctionName:   "abortable",
		HasAbortSignal: true,
	}.Message()))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ph.enc.Encode(protocol.Abort("run_abort")))

	m := ph.read(t)
	require.Equal(t, protocol.TypeRunRejected, m.Type)
	assert.Equal(t, "caught abort event", m.Error.Message)

	ph.in.Close()
	assert.NoError(t, ph.wait(t))
}

func TestHostMalformedInputIsFatal(t *testing.T) {
	ph := startHost(t, poolConfig(0, 1))
	require.Equal(t, protocol.TypeReady, ph.read(t).Type)

	go func() { _, _ = ph.in.Write([]byte("{not json\n")) }()

	m := ph.read(t)
	require.Equal(t, protocol.TypeFatal, m.Type)
	require.NotNil(t, m.Error)
	assert.Contains(t, m.Error.Message, "malformed")

	assert.ErrorIs(t, ph.wait(t), protocol.ErrMalformed)
}

func TestNewHostRejectsBadConfig(t *testing.T) {
	_, err := NewHost(nil, io.Discard, SandboxFactory(config.PoolConfig{}, nil), HostOptions{
		Pool: config.PoolConfig{MinConcurrency: 2, MaxConcurrency: 1},
	})
	assert.ErrorIs(t, err, plainerr.ErrConfiguration)
}
