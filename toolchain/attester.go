package toolchain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/tee-module-deployer/cryptoutils"
	"github.com/ruteri/tee-module-deployer/interfaces"
)

// CommandAttester runs the remote attestation client against a deployed
// enclave. The service provider side of the exchange writes the negotiated
// key next to the module binary, where it is picked up once the client exits.
type CommandAttester struct {
	cfg    Config
	runner interfaces.Runner
	log    *slog.Logger

	// KeyWait bounds how long to wait for the key file after the client exits.
	KeyWait time.Duration
}

func NewCommandAttester(cfg Config, runner interfaces.Runner, log *slog.Logger) *CommandAttester {
	return &CommandAttester{cfg: cfg, runner: runner, log: log, KeyWait: time.Second}
}

func (a *CommandAttester) Attest(ctx context.Context, req interfaces.AttestationRequest) ([]byte, error) {
	a.log.Info("Starting remote attestation", "module", req.Module, "host", req.Host, "port", req.Port)

	args := argv(a.cfg.RAClient, req.Host, strconv.Itoa(int(req.Port)), req.Image.Signature)
	if req.Settings != "" {
		args = append(args, req.Settings)
	}
	if _, err := a.runner.Run(ctx, "", args...); err != nil {
		return nil, fmt.Errorf("remote attestation of %s failed: %w", req.Module, err)
	}

	return a.waitForKey(ctx, req.Binary+".key")
}

func (a *CommandAttester) waitForKey(ctx context.Context, path string) ([]byte, error) {
	deadline := time.NewTimer(a.KeyWait)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		key, err := os.ReadFile(path)
		if err == nil && len(key) > 0 {
			return key, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("could not read attested key: %w", err)
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return nil, fmt.Errorf("attested key %s not written in %s", path, a.KeyWait)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type attestRequest struct {
	Module    string `json:"module"`
	Host      string `json:"host"`
	Port      uint16 `json:"port"`
	ModuleID  uint16 `json:"module_id"`
	Signature string `json:"signature"`
}

type attestResponse struct {
	Key   cryptoutils.Key `json:"key"`
	Quote string          `json:"quote,omitempty"`
}

// RemoteAttester delegates attestation to an attestation service over HTTP.
// When VerifyQuote is set the service must run in a TDX guest and return a
// quote binding the module signature and the session key.
type RemoteAttester struct {
	Address     string
	Client      *http.Client
	VerifyQuote cryptoutils.QuoteVerifier
	log         *slog.Logger
}

func NewRemoteAttester(address string, log *slog.Logger) *RemoteAttester {
	return &RemoteAttester{
		Address: strings.TrimSuffix(address, "/"),
		Client:  &http.Client{Timeout: 2 * time.Minute},
		log:     log,
	}
}

func (a *RemoteAttester) Attest(ctx context.Context, req interfaces.AttestationRequest) ([]byte, error) {
	signature, err := os.ReadFile(req.Image.Signature)
	if err != nil {
		return nil, fmt.Errorf("could not read enclave signature: %w", err)
	}

	body, err := json.Marshal(attestRequest{
		Module:    req.Module,
		Host:      req.Host,
		Port:      req.Port,
		ModuleID:  req.ModuleID,
		Signature: base64.StdEncoding.EncodeToString(signature),
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Address+"/attest", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling attestation service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("attestation service returned status %d: %s", resp.StatusCode, string(msg))
	}

	var res attestResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("could not decode attestation response: %w", err)
	}
	if len(res.Key) == 0 {
		return nil, fmt.Errorf("attestation service returned no key for %s", req.Module)
	}

	if a.VerifyQuote != nil {
		quote, err := base64.StdEncoding.DecodeString(res.Quote)
		if err != nil || len(quote) == 0 {
			return nil, fmt.Errorf("attestation service returned no valid quote")
		}
		measurements, err := a.VerifyQuote(cryptoutils.SessionReportData(signature, res.Key), quote)
		if err != nil {
			return nil, err
		}
		a.log.Debug("Verified attestation service quote", "module", req.Module, "mrtd", measurements[0])
	}

	a.log.Info("Remote attestation completed", "module", req.Module)
	return res.Key, nil
}
