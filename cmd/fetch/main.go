// Command fetch runs a single data task: it streams a URL to stdout or
// downloads it to a file, following redirects and answering authentication
// challenges along the way.
//
// Every flag can also be set as FETCH_<FLAG> in the environment (dashes
// become underscores) or in a config file passed with --config.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/adamwoolhether/datatask"
	"github.com/adamwoolhether/datatask/credential"
	"github.com/adamwoolhether/datatask/download"
	"github.com/adamwoolhether/datatask/httpmsg"
	"github.com/adamwoolhether/datatask/task"
	"github.com/adamwoolhether/datatask/transport"
)

const (
	optConfig        = "config"
	optMethod        = "method"
	optHeader        = "header"
	optData          = "data"
	optOutput        = "output"
	optOverwrite     = "overwrite"
	optTimeout       = "timeout"
	optUserAgent     = "user-agent"
	optUser          = "user"
	optRemember      = "remember"
	optCredentials   = "credentials-file"
	optThrottleRPS   = "throttle-rps"
	optThrottleBurst = "throttle-burst"
	optHTTP2         = "http2"
	optSniff         = "sniff"
	optNoDecode      = "no-decode"
	optNoStored      = "no-stored-credentials"
	optVerbose       = "verbose"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "fetch:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	v, rawURL, err := loadConfig(args)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if v.GetBool(optVerbose) {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	req, err := buildRequest(v, rawURL)
	if err != nil {
		return err
	}

	sessOpts, err := sessionOptions(v, log)
	if err != nil {
		return err
	}
	s, err := datatask.NewSession(sessOpts...)
	if err != nil {
		return fmt.Errorf("building session: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go s.Run(runCtx)

	f := &fetcher{
		log:       log,
		out:       stdout,
		output:    v.GetString(optOutput),
		overwrite: v.GetBool(optOverwrite),
		done:      make(chan error, 1),
	}
	if user := v.GetString(optUser); user != "" {
		name, pass, _ := strings.Cut(user, ":")
		f.cred = credential.Credential{User: name, Password: pass, Persistence: persistence(v.GetString(optRemember))}
	}

	var taskOpts []task.TaskOption
	if v.GetBool(optSniff) {
		taskOpts = append(taskOpts, task.WithContentSniffing())
	}
	if v.GetBool(optNoStored) {
		taskOpts = append(taskOpts, task.WithoutStoredCredentials())
	}

	t, err := s.NewTask(req, f, taskOpts...)
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	t.Resume()

	select {
	case err := <-f.done:
		return err
	case <-ctx.Done():
		t.Cancel()
		return ctx.Err()
	}
}

// loadConfig layers flags over FETCH_* env vars over the config file.
func loadConfig(args []string) (*viper.Viper, string, error) {
	fs := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
	fs.String(optConfig, "", "config file (yaml, toml or json)")
	fs.StringP(optMethod, "X", http.MethodGet, "request method")
	fs.StringArrayP(optHeader, "H", nil, "request header as 'Name: value', repeatable")
	fs.StringP(optData, "d", "", "request body")
	fs.StringP(optOutput, "o", "", "download to this file, or into this directory")
	fs.Bool(optOverwrite, false, "replace an existing download destination")
	fs.Duration(optTimeout, 0, "abort the task after this long")
	fs.StringP(optUserAgent, "A", "datatask-fetch/1.0", "User-Agent header")
	fs.StringP(optUser, "u", "", "credential as user:password for authentication challenges")
	fs.String(optRemember, "none", "keep the credential: none, session or permanent")
	fs.String(optCredentials, "", "file holding permanent credentials")
	fs.Int(optThrottleRPS, 0, "per-host requests per second, 0 to disable")
	fs.Int(optThrottleBurst, 1, "per-host burst")
	fs.Bool(optHTTP2, false, "configure HTTP/2 on the default transport")
	fs.Bool(optSniff, false, "sniff generic content types")
	fs.Bool(optNoDecode, false, "leave compressed bodies untouched")
	fs.Bool(optNoStored, false, "do not use stored credentials")
	fs.BoolP(optVerbose, "v", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	if fs.NArg() != 1 {
		return nil, "", errors.New("usage: fetch [flags] URL")
	}

	v := viper.New()
	v.SetEnvPrefix("FETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, "", fmt.Errorf("binding flags: %w", err)
	}

	if path := v.GetString(optConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("reading config: %w", err)
		}
	}

	return v, fs.Arg(0), nil
}

func buildRequest(v *viper.Viper, rawURL string) (*httpmsg.Request, error) {
	req := httpmsg.NewRequest(strings.ToUpper(v.GetString(optMethod)), rawURL)
	req.Timeout = v.GetDuration(optTimeout)

	for _, h := range v.GetStringSlice(optHeader) {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header %q", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if data := v.GetString(optData); data != "" {
		req.Body = []byte(data)
	}

	return req, nil
}

func sessionOptions(v *viper.Viper, log *slog.Logger) ([]task.Option, error) {
	transOpts := []transport.Option{
		transport.WithLogger(log),
		transport.WithUserAgent(v.GetString(optUserAgent)),
	}
	if rps := v.GetInt(optThrottleRPS); rps > 0 {
		transOpts = append(transOpts, transport.WithThrottle(rps, v.GetInt(optThrottleBurst)))
	}
	if v.GetBool(optHTTP2) {
		transOpts = append(transOpts, transport.WithHTTP2(0))
	}
	if v.GetBool(optNoDecode) {
		transOpts = append(transOpts, transport.WithoutContentDecoding())
	}

	m, err := download.NewManager(download.WithLogger(log), download.WithProgress())
	if err != nil {
		return nil, fmt.Errorf("building download manager: %w", err)
	}

	opts := []task.Option{
		task.WithLogger(log),
		task.WithTransportOptions(transOpts...),
		task.WithDownloadManager(m),
	}

	if path := v.GetString(optCredentials); path != "" {
		storage, err := credential.NewFileStorage(path)
		if err != nil {
			return nil, fmt.Errorf("opening credentials: %w", err)
		}
		opts = append(opts, task.WithPersistentStorage(storage))
	}

	return opts, nil
}

func persistence(s string) credential.Persistence {
	switch strings.ToLower(s) {
	case "session":
		return credential.PersistenceForSession
	case "permanent":
		return credential.PersistencePermanent
	default:
		return credential.PersistenceNone
	}
}

// fetcher is the task client. All methods run on the session loop.
type fetcher struct {
	log       *slog.Logger
	out       io.Writer
	output    string
	overwrite bool
	cred      credential.Credential
	asked     bool
	done      chan error
}

func (f *fetcher) DidReceiveResponse(t *task.Task, resp *httpmsg.Response, decide func(task.PolicyAction)) {
	f.log.Info("response", "status", resp.StatusCode, "type", resp.MIMEType, "length", resp.ContentLength)

	if f.output == "" {
		decide(task.PolicyUse)
		return
	}

	dest := f.output
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		name := resp.SuggestedFilename()
		if name == "" {
			name = "index.html"
		}
		dest = filepath.Join(dest, name)
	}
	t.SetPendingDownloadLocation(dest, uuid.Nil, f.overwrite)
	decide(task.PolicyDownload)
}

func (f *fetcher) DidReceiveData(_ *task.Task, data []byte) {
	if _, err := f.out.Write(data); err != nil {
		f.log.Error("writing output", "error", err)
	}
}

func (f *fetcher) DidSendData(_ *task.Task, sent, total int64) {
	f.log.Debug("upload", "sent", sent, "total", total)
}

func (f *fetcher) DidReceiveChallenge(_ *task.Task, ch *task.AuthChallenge, respond func(task.Disposition, credential.Credential)) {
	cred := f.cred
	if cred.IsEmpty() {
		cred = ch.ProposedCredential
	}

	// A credential that was already tried once is not offered again.
	if cred.IsEmpty() || f.asked {
		respond(task.DispositionPerformDefaultHandling, credential.Credential{})
		return
	}
	f.asked = true

	f.log.Info("authenticating", "realm", ch.Space.Realm, "user", cred.User)
	respond(task.DispositionUseCredential, cred)
}

func (f *fetcher) WillPerformHTTPRedirection(_ *task.Task, resp *httpmsg.Response, req *httpmsg.Request, decide func(*httpmsg.Request)) {
	f.log.Info("redirect", "status", resp.StatusCode, "location", req.URL.Redacted())
	decide(req)
}

func (f *fetcher) DidCompleteWithError(_ *task.Task, err error) {
	f.done <- err
}

func (f *fetcher) DidBecomeDownload(_ *task.Task, d *download.Download) {
	go func() {
		err := d.Err()
		if err == nil {
			f.log.Info("saved", "path", d.Destination(), "bytes", d.Received())
		}
		f.done <- err
	}()
}
