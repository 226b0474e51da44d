package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	tabwriter "github.com/juju/ansiterm"
	"github.com/loykin/gamewatch/internal/config"
	"github.com/loykin/gamewatch/internal/daemon"
	apitls "github.com/loykin/gamewatch/internal/tls"
	"github.com/loykin/gamewatch/pkg/client"
	"github.com/loykin/gamewatch/pkg/template"
)

func configArg(flags *GlobalFlags, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return flags.ConfigPath
}

func runServe(ctx context.Context, path string, watch bool) error {
	d, err := daemon.New(daemon.Options{ConfigPath: path, Watch: watch})
	if err != nil {
		return err
	}
	return d.Serve(ctx)
}

func runInit(out io.Writer, preset, name, output string, force bool) error {
	data, err := template.NewGenerator().GenerateTOML(template.Preset(preset), name)
	if err != nil {
		return err
	}
	if output == "" {
		_, err = out.Write(data)
		return err
	}
	flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !force {
		flag |= os.O_EXCL
	}
	// #nosec G304
	f, err := os.OpenFile(output, flag, 0o644)
	if err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "wrote %s\n", output)
	return nil
}

func runValidate(out io.Writer, path string) error {
	if path == "" {
		return fmt.Errorf("config file required. Use --config=gamewatch.toml or provide as argument")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	evs, err := cfg.ScheduleEvents(nil)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "config ok: server %q, %d of %d events valid\n", cfg.Server.Name, len(evs), len(cfg.Events))
	w := tabwriter.NewTabWriter(out, 1, 1, 2, ' ', 0)
	for _, ev := range evs {
		_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\n", ev.Name, ev.Action, ev.Trigger)
	}
	return w.Flush()
}

// apiClient targets --api-url, else the API address from --config, else the
// default address. Token and TLS trust come from the config unless overridden.
func apiClient(flags *GlobalFlags) (*client.Client, error) {
	cc := client.Config{BaseURL: flags.APIUrl, Token: flags.APIToken, Timeout: flags.APITimeout, Insecure: flags.Insecure}
	if flags.ConfigPath != "" {
		cfg, err := config.Load(flags.ConfigPath)
		if err != nil {
			return nil, err
		}
		if cc.BaseURL == "" {
			cc.BaseURL = apiURL(cfg.API)
		}
		if cc.Token == "" {
			cc.Token = cfg.API.Auth.Token
			if cc.Token == "" {
				cc.Token = cfg.API.Auth.ReadToken
			}
		}
		if ca := caFile(cfg.API.TLS); ca != "" {
			cc.TLS = &client.TLSClientConfig{Enabled: true, CACert: ca}
		}
	}
	return client.New(cc), nil
}

func apiURL(api config.APIConfig) string {
	host, port, err := net.SplitHostPort(api.Listen)
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	bp := strings.TrimRight(strings.TrimSpace(api.BasePath), "/")
	if bp != "" && !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	scheme := "http://"
	if api.TLS.Enabled {
		scheme = "https://"
	}
	return scheme + net.JoinHostPort(host, port) + bp
}

// caFile is the certificate a client should trust for a self-signed API.
func caFile(t apitls.Config) string {
	switch {
	case !t.Enabled:
		return ""
	case t.CertFile != "":
		return t.CertFile
	case t.AutoGenerate:
		return t.CAPath()
	}
	return ""
}

func printJobs(out io.Writer, jobs []client.Job) {
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "no scheduled events")
		return
	}
	w := tabwriter.NewTabWriter(out, 1, 1, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tACTION\tTRIGGER\tNEXT")
	for _, j := range jobs {
		next := "-"
		if !j.Next.IsZero() {
			next = j.Next.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.Name, j.Action, j.Trigger, next)
	}
	_ = w.Flush()
}

func printJSON(out io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(out, string(b))
}
