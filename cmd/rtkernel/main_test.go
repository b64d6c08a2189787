package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestKernelsListsBuiltins(t *testing.T) {
	out, err := run(t, "kernels", "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, []string{"cbin", "chip", "comp", "dely", "dist", "fmsy", "wavt"}, strings.Fields(out))
}

func TestRenderWritesWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	_, err := run(t, "render", "--out", path, "--seconds", "0.25",
		"--sample-rate", "8000", "--max-frames", "128", "--kernel", "wavt",
		"--effects", "dist,dely", "--wavb", "007f0081", "--log-level", "error")
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 8000, buf.Format.SampleRate)
	assert.Equal(t, 2, buf.Format.NumChannels)
	assert.Len(t, buf.Data, 2*2000)

	var peak int
	for _, v := range buf.Data {
		peak = max(peak, v, -v)
	}
	assert.Positive(t, peak)
}

func TestRenderRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	cases := map[string][]string{
		"unknown kernel": {"--kernel", "nope"},
		"bad note":       {"--notes", "60,200"},
		"bad effect":     {"--effects", "xx"},
		"bad tempo":      {"--tempo", "0"},
		"bad wavetable":  {"--kernel", "wavt", "--wavb", "zz"},
	}
	for name, extra := range cases {
		t.Run(name, func(t *testing.T) {
			args := append([]string{"render", "--out", filepath.Join(dir, "x.wav"), "--log-level", "error"}, extra...)
			_, err := run(t, args...)
			assert.Error(t, err)
		})
	}
}

func TestParseNotes(t *testing.T) {
	got, err := parseNotes(" 60, 64,,127 ")
	require.NoError(t, err)
	assert.Equal(t, []uint8{60, 64, 127}, got)

	_, err = parseNotes("128")
	assert.Error(t, err)
	_, err = parseNotes("c4")
	assert.Error(t, err)
}
