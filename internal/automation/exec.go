package automation

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"accountpilot/internal/mail"
)

// ExecConfig describes the helper program backing one engine kind.
type ExecConfig struct {
	Command []string
	Env     []string

	// CodeTimeout bounds how long a verification code is polled for.
	CodeTimeout  time.Duration
	CodeInterval time.Duration
}

// ExecFactory returns a Factory that runs helper programs, one per engine kind.
//
// The helper reads a start message on stdin and writes JSON lines on stdout:
//
//	{"type":"log","level":"info","message":"..."}
//	{"type":"need_code","since":"2026-01-02T15:04:05Z"}
//	{"type":"result","success":true,"config":{...}}
//
// A need_code request is answered on stdin with {"type":"code","code":"..."}
// or {"type":"code","error":"..."}. Stderr lines are forwarded as debug logs.
func ExecFactory(helpers map[Kind]ExecConfig) Factory {
	return func(opts Options) (Engine, error) {
		hc, ok := helpers[opts.Kind]
		if !ok || len(hc.Command) == 0 || strings.TrimSpace(hc.Command[0]) == "" {
			return nil, fmt.Errorf("%w: no command configured for %s", ErrEngineUnavailable, opts.Kind)
		}
		if hc.CodeTimeout <= 0 {
			hc.CodeTimeout = 2 * time.Minute
		}
		if hc.CodeInterval <= 0 {
			hc.CodeInterval = 3 * time.Second
		}
		return &execEngine{cfg: hc, opts: opts}, nil
	}
}

type execEngine struct {
	cfg  ExecConfig
	opts Options
}

type startMsg struct {
	Type         string `json:"type"`
	Identifier   string `json:"identifier"`
	Engine       string `json:"engine"`
	Headless     bool   `json:"headless"`
	Proxy        string `json:"proxy,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	MailProvider string `json:"mail_provider"`
	MailAddress  string `json:"mail_address"`
}

type helperMsg struct {
	Type    string         `json:"type"`
	Level   string         `json:"level,omitempty"`
	Message string         `json:"message,omitempty"`
	Since   time.Time      `json:"since,omitempty"`
	Success bool           `json:"success,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type codeMsg struct {
	Type  string `json:"type"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

func (e *execEngine) LoginAndExtract(ctx context.Context, identifier string, mc mail.Client, logf LogFunc) (Outcome, error) {
	if logf == nil {
		logf = func(string, string, ...any) {}
	}
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.cfg.Command[0], e.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Outcome{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{}, err
	}
	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("%w: start %s: %v", ErrEngineUnavailable, e.opts.Kind, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				logf("debug", "%s", line)
			}
		}
	}()

	enc := json.NewEncoder(stdin)
	start := startMsg{
		Type:       "start",
		Identifier: identifier,
		Engine:     string(e.opts.Kind),
		Headless:   e.opts.Headless,
		Proxy:      e.opts.Proxy,
		UserAgent:  e.opts.UserAgent,
	}
	if mc != nil {
		start.MailProvider = string(mc.Provider())
		start.MailAddress = mc.Address()
	}
	if err := enc.Encode(start); err != nil {
		_ = cmd.Process.Kill()
		wg.Wait()
		_ = cmd.Wait()
		return Outcome{}, fmt.Errorf("send start: %w", err)
	}

	out, gotResult, protoErr := e.converse(ctx, stdout, enc, mc, logf)
	_ = stdin.Close()
	// Drain so the helper never blocks on a full pipe while exiting.
	_, _ = io.Copy(io.Discard, stdout)
	wg.Wait()
	waitErr := cmd.Wait()

	switch {
	case protoErr != nil:
		return Outcome{}, protoErr
	case gotResult:
		return out, nil
	case ctx.Err() != nil:
		return Outcome{}, fmt.Errorf("automation timed out: %w", ctx.Err())
	case waitErr != nil:
		return Outcome{}, fmt.Errorf("automation helper exited: %w", waitErr)
	default:
		return Outcome{}, errors.New("automation helper exited without a result")
	}
}

func (e *execEngine) converse(ctx context.Context, stdout io.Reader, enc *json.Encoder, mc mail.Client, logf LogFunc) (Outcome, bool, error) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m helperMsg
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			logf("debug", "%s", line)
			continue
		}
		switch m.Type {
		case "log":
			logf(m.Level, "%s", m.Message)
		case "need_code":
			reply := codeMsg{Type: "code"}
			code, err := e.pollCode(ctx, mc, m.Since, logf)
			if err != nil {
				reply.Error = err.Error()
			} else {
				reply.Code = code
			}
			if err := enc.Encode(reply); err != nil {
				return Outcome{}, false, fmt.Errorf("send code: %w", err)
			}
		case "result":
			out := Outcome{Success: m.Success, Config: m.Config, Error: m.Error}
			if !out.Success && out.Error == "" {
				out.Error = "automation failed"
			}
			return out, true, nil
		default:
			logf("debug", "unknown helper message %q", m.Type)
		}
	}
	return Outcome{}, false, sc.Err()
}

func (e *execEngine) pollCode(ctx context.Context, mc mail.Client, since time.Time, logf LogFunc) (string, error) {
	if mc == nil {
		return "", errors.New("no mailbox bound")
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CodeTimeout)
	defer cancel()

	logf("info", "waiting for verification code at %s", mc.Address())
	tick := time.NewTicker(e.cfg.CodeInterval)
	defer tick.Stop()
	for {
		code, err := mc.FetchCode(ctx, since)
		if err == nil {
			logf("info", "verification code received")
			return code, nil
		}
		if !errors.Is(err, mail.ErrNoCode) {
			logf("warning", "mailbox poll failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return "", mail.ErrNoCode
		case <-tick.C:
		}
	}
}
