package toolchain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ruteri/tee-module-deployer/cryptoutils"
	"github.com/ruteri/tee-module-deployer/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls [][]string
	run   func(args []string) ([]byte, error)
}

func (r *recordingRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.mu.Unlock()
	if r.run != nil {
		return r.run(args)
	}
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecRunner(t *testing.T) {
	runner := NewExecRunner(testLogger())
	ctx := context.Background()

	out, err := runner.Run(ctx, "", "sh", "-c", "echo built")
	require.NoError(t, err)
	require.Equal(t, "built\n", string(out))

	_, err = runner.Run(ctx, "", "sh", "-c", "echo broken >&2; exit 3")
	var runErr *ProcessRunError
	require.True(t, errors.As(err, &runErr))
	require.Equal(t, 3, runErr.ExitCode)
	require.Equal(t, "broken", runErr.Stderr)
	require.Contains(t, runErr.Error(), "exited with code 3")

	_, err = runner.Run(ctx, "")
	require.Error(t, err)
}

func TestBuildCommands(t *testing.T) {
	runner := &recordingRunner{}
	tc := NewCommandToolchain(DefaultConfig(), runner, testLogger())
	ctx := context.Background()

	binary, err := tc.Build(ctx, interfaces.BuildRequest{
		Family:    "sgx",
		Module:    "sm1",
		OutputDir: "/tmp/sm1",
		Features:  []string{"debug_prints", "measure_time"},
	})
	require.NoError(t, err)
	require.Equal(t, "/tmp/sm1/target/x86_64-fortanix-unknown-sgx/debug/sm1", binary)
	require.Equal(t, []string{"cargo", "build", "--manifest-path", "/tmp/sm1/Cargo.toml",
		"--target", "x86_64-fortanix-unknown-sgx", "--features", "debug_prints,measure_time"}, runner.calls[0])

	binary, err = tc.Build(ctx, interfaces.BuildRequest{Family: "native", Module: "sm2", OutputDir: "/tmp/sm2"})
	require.NoError(t, err)
	require.Equal(t, "/tmp/sm2/target/debug/sm2", binary)

	image, err := tc.ConvertSign(ctx, binary, "/keys/vendor.pem")
	require.NoError(t, err)
	require.Equal(t, binary+".sgxs", image.SGXS)
	require.Equal(t, binary+".sig", image.Signature)
	require.Equal(t, "ftxsgx-elf2sgxs", runner.calls[2][0])
	require.Equal(t, []string{"sgxs-sign", "--key", "/keys/vendor.pem", image.SGXS, image.Signature}, runner.calls[3][:5])

	_, err = tc.Build(ctx, interfaces.BuildRequest{Family: "trustzone"})
	require.Error(t, err)
}

func TestBuildSancus(t *testing.T) {
	runner := &recordingRunner{}
	tc := NewCommandToolchain(DefaultConfig(), runner, testLogger())
	out := t.TempDir()

	binary, err := tc.Build(context.Background(), interfaces.BuildRequest{
		Family:    "sancus",
		Module:    "sm3",
		OutputDir: out,
		Files:     []string{"/src/sm3.c", "/src/util.c"},
		CFlags:    []string{"--debug"},
		LDFlags:   []string{"--rom-size", "64K"},
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(out, "sm3.elf"), binary)
	require.Len(t, runner.calls, 3)
	require.Equal(t, []string{"sancus-cc", "--debug", "-c", "-o", filepath.Join(out, "sm3.o"), "/src/sm3.c"}, runner.calls[0])
	require.Equal(t, []string{"sancus-ld", "--rom-size", "64K", "--standalone", "-o", binary,
		filepath.Join(out, "sm3.o"), filepath.Join(out, "util.o")}, runner.calls[2])

	linked, err := tc.Link(context.Background(), binary, "/tmp/symtab.ld")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(out, "sm3-linked.elf"), linked)
}

func TestBuildFailure(t *testing.T) {
	runner := &recordingRunner{run: func(args []string) ([]byte, error) {
		return nil, &ProcessRunError{Args: args, ExitCode: 101}
	}}
	tc := NewCommandToolchain(DefaultConfig(), runner, testLogger())

	_, err := tc.Build(context.Background(), interfaces.BuildRequest{Family: "native", Module: "sm", OutputDir: "/tmp/sm"})
	var runErr *ProcessRunError
	require.True(t, errors.As(err, &runErr))
	require.Equal(t, 101, runErr.ExitCode)
}

func TestCommandGenerator(t *testing.T) {
	runner := &recordingRunner{run: func(args []string) ([]byte, error) {
		return json.Marshal(interfaces.GeneratedInterfaces{
			Inputs:      interfaces.InterfaceMap{"i": 0},
			Outputs:     interfaces.InterfaceMap{"o": 1},
			Entrypoints: interfaces.InterfaceMap{"init": 3},
		})
	}}
	gen := NewCommandGenerator(DefaultConfig(), runner, testLogger())
	out := t.TempDir()

	generated, err := gen.Generate(context.Background(), interfaces.GenerateRequest{
		Family:      "sgx",
		Module:      "sm1",
		SourceDir:   "/src/sm1",
		OutputDir:   out,
		ModuleID:    4,
		DeployPort:  5000,
		SPKey:       []byte("-----BEGIN PUBLIC KEY-----"),
		Connections: 2,
	})
	require.NoError(t, err)
	require.Equal(t, uint16(1), generated.Outputs["o"])
	require.Equal(t, uint16(3), generated.Entrypoints["init"])

	args := strings.Join(runner.calls[0], " ")
	require.Contains(t, args, "--moduleid 4")
	require.Contains(t, args, "--emport 5000")
	require.Contains(t, args, "--connections 2")
	require.Contains(t, args, "--runner runner_sgx")

	spKey, err := os.ReadFile(filepath.Join(out, "sp_pubkey.pem"))
	require.NoError(t, err)
	require.Equal(t, "-----BEGIN PUBLIC KEY-----", string(spKey))

	_, err = gen.Generate(context.Background(), interfaces.GenerateRequest{
		Family:    "native",
		Module:    "sm2",
		OutputDir: out,
		Key:       []byte{0xab},
	})
	require.NoError(t, err)
	require.Contains(t, strings.Join(runner.calls[1], " "), "--key ab")

	bad := NewCommandGenerator(DefaultConfig(), &recordingRunner{run: func([]string) ([]byte, error) {
		return []byte("not json"), nil
	}}, testLogger())
	_, err = bad.Generate(context.Background(), interfaces.GenerateRequest{Family: "native", OutputDir: out})
	require.Error(t, err)
}

func TestCommandAttester(t *testing.T) {
	dir := t.TempDir()
	binary := filepath.Join(dir, "sm1")

	runner := &recordingRunner{run: func(args []string) ([]byte, error) {
		return nil, os.WriteFile(binary+".key", []byte("0123456789abcdef"), 0600)
	}}
	attester := NewCommandAttester(DefaultConfig(), runner, testLogger())

	key, err := attester.Attest(context.Background(), interfaces.AttestationRequest{
		Module: "sm1",
		Host:   "10.0.0.2",
		Port:   5001,
		Binary: binary,
		Image:  interfaces.SignedImage{Signature: binary + ".sig"},
	})
	require.NoError(t, err)
	require.Equal(t, []byte("0123456789abcdef"), key)
	require.Equal(t, []string{"ra-client", "10.0.0.2", "5001", binary + ".sig"}, runner.calls[0])

	attester = NewCommandAttester(DefaultConfig(), &recordingRunner{}, testLogger())
	attester.KeyWait = 0
	_, err = attester.Attest(context.Background(), interfaces.AttestationRequest{Module: "sm2", Binary: filepath.Join(dir, "sm2")})
	require.ErrorContains(t, err, "not written")
}

func TestRemoteAttester(t *testing.T) {
	dir := t.TempDir()
	sigPath := filepath.Join(dir, "sm1.sig")
	require.NoError(t, os.WriteFile(sigPath, []byte("signature"), 0600))

	sessionKey := []byte("0123456789abcdef")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/attest", r.URL.Path)

		var req attestRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sm1", req.Module)
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("signature")), req.Signature)

		json.NewEncoder(w).Encode(attestResponse{
			Key:   sessionKey,
			Quote: base64.StdEncoding.EncodeToString([]byte("quote")),
		})
	}))
	defer srv.Close()

	req := interfaces.AttestationRequest{Module: "sm1", Image: interfaces.SignedImage{Signature: sigPath}}

	attester := NewRemoteAttester(srv.URL+"/", testLogger())
	key, err := attester.Attest(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, sessionKey, key)

	var seen [64]byte
	attester.VerifyQuote = func(reportData [64]byte, quote []byte) (cryptoutils.ServiceMeasurements, error) {
		seen = reportData
		return cryptoutils.ServiceMeasurements{0: "mrtd"}, nil
	}
	_, err = attester.Attest(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, cryptoutils.SessionReportData([]byte("signature"), sessionKey), seen)

	attester.VerifyQuote = func([64]byte, []byte) (cryptoutils.ServiceMeasurements, error) {
		return nil, cryptoutils.ErrQuoteMismatch
	}
	_, err = attester.Attest(context.Background(), req)
	require.ErrorIs(t, err, cryptoutils.ErrQuoteMismatch)
}

func TestSharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sp.pem")
	require.NoError(t, os.WriteFile(path, []byte("pem"), 0600))

	shared := SharedFile(path)
	first, err := shared.Get(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("changed"), 0600))
	second, err := shared.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second)

	_, err = SharedFile(filepath.Join(t.TempDir(), "missing")).Get(context.Background())
	require.Error(t, err)
}
