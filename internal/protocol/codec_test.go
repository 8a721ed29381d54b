package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/scriptpool/internal/shared/plainerr"
)

func TestEncodeDecodeStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	req := RunRequest{
		ID:                "run_1",
		Pathname:          "/tmp/a.js",
		FunctionName:      "multiply",
		Args:              []any{2.0, 3.0},
		HasStatusCallback: true,
	}
	require.NoError(t, enc.Encode(Ready()))
	require.NoError(t, enc.Encode(req.Message()))
	require.NoError(t, enc.Encode(Status("run_1", []byte(`{"step":1}`))))
	require.NoError(t, enc.Encode(Rejected("run_1", &plainerr.Error{Name: "Error", Message: "boom"})))

	dec := NewDecoder(&buf)

	m, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeReady, m.Type)
	assert.False(t, m.IsRunResult())

	m, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, req, m.Request())

	m, err = dec.Decode()
	require.NoError(t, err)
	assert.True(t, m.IsRunResult())
	assert.False(t, m.IsTerminal())
	assert.JSONEq(t, `{"step":1}`, string(m.Status))

	m, err = dec.Decode()
	require.NoError(t, err)
	assert.True(t, m.IsTerminal())
	require.NotNil(t, m.Error)
	assert.Equal(t, "boom", m.Error.Message)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", "hello\n"},
		{"missing type", `{"id":"x"}` + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(strings.NewReader(tt.input)).Decode()
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestDecodeSkipsBlankLines(t *testing.T) {
	dec := NewDecoder(strings.NewReader("\n\n" + `{"type":"abort-script","id":"a"}` + "\n"))
	m, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, Abort("a"), m)
}

func TestEncoderConcurrentWritesKeepLinesIntact(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = enc.Encode(Resolved("run", []byte(`"`+strings.Repeat("x", 512)+`"`)))
		}()
	}
	wg.Wait()

	dec := NewDecoder(&buf)
	count := 0
	for {
		_, err := dec.Decode()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 50, count)
}

func TestValueRoundTrip(t *testing.T) {
	raw, err := MarshalValue(map[string]any{"n": 6})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, UnmarshalValue(raw, &out))
	assert.Equal(t, float64(6), out["n"])

	var empty any
	require.NoError(t, UnmarshalValue(nil, &empty))
	assert.Nil(t, empty)
}
