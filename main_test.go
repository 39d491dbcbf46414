package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

type mockApp struct {
	opts      AppOptions
	called    []string
	setupErr  error
	importErr error
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) Setup() error                 { m.called = append(m.called, "Setup"); return m.setupErr }
func (m *mockApp) Close()                       { m.called = append(m.called, "Close") }
func (m *mockApp) RunService() error            { m.called = append(m.called, "RunService"); return nil }

func (m *mockApp) RunImport(dir string) (int, error) {
	m.called = append(m.called, "RunImport")
	return 3, m.importErr
}

func (m *mockApp) RunAnalyze(ctx context.Context, w io.Writer) error {
	m.called = append(m.called, "RunAnalyze")
	return nil
}

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantCalls  string
		verifyOpts func(*testing.T, AppOptions)
	}{
		{
			name:      "Import",
			args:      []string{"--import", "/tmp/activities", "--db", "test.db"},
			wantCalls: "Setup,RunImport,Close",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ImportDir != "/tmp/activities" {
					t.Errorf("expected ImportDir /tmp/activities, got %s", opts.ImportDir)
				}
				if opts.DBPath != "test.db" {
					t.Errorf("expected DBPath test.db, got %s", opts.DBPath)
				}
			},
		},
		{
			name:      "ImportAndAnalyze",
			args:      []string{"--import", "dir", "--analyze", "--config", "alt.yaml"},
			wantCalls: "Setup,RunImport,RunAnalyze,Close",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ConfigFile != "alt.yaml" {
					t.Errorf("expected ConfigFile alt.yaml, got %s", opts.ConfigFile)
				}
			},
		},
		{
			name:      "Service",
			args:      []string{"--mqtt", "--http", "--http-port", "9090"},
			wantCalls: "Setup,RunService,Close",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.MqttMode || !opts.HttpMode {
					t.Error("expected MqttMode and HttpMode true")
				}
				if opts.HttpPort != 9090 {
					t.Errorf("expected HttpPort 9090, got %d", opts.HttpPort)
				}
			},
		},
		{
			name:      "Defaults",
			args:      []string{"--analyze"},
			wantCalls: "Setup,RunAnalyze,Close",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ConfigFile != "config.yaml" || opts.HttpPort != 8080 {
					t.Errorf("unexpected defaults: %+v", opts)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &mockApp{}
			var out bytes.Buffer
			if err := run(tt.args, &out, app); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if got := strings.Join(app.called, ","); got != tt.wantCalls {
				t.Errorf("calls = %s, want %s", got, tt.wantCalls)
			}
			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_Errors(t *testing.T) {
	app := &mockApp{setupErr: errors.New("no database")}
	err := run([]string{"--analyze"}, &bytes.Buffer{}, app)
	if err == nil || !strings.Contains(err.Error(), "startup failed") {
		t.Errorf("expected startup error, got %v", err)
	}

	app = &mockApp{importErr: errors.New("empty dir")}
	var out bytes.Buffer
	err = run([]string{"--import", "x", "--analyze"}, &out, app)
	if err == nil || !strings.Contains(err.Error(), "import failed") {
		t.Errorf("expected import error, got %v", err)
	}
	if got := strings.Join(app.called, ","); got != "Setup,RunImport,Close" {
		t.Errorf("calls = %s, analysis should not run after a failed import", got)
	}
}

func TestRun_Help(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, &mockApp{})
	if err == nil {
		t.Error("expected error from --help, got nil")
	}
	if !strings.Contains(out.String(), "Usage of routemesh") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
}

func TestRun_Default(t *testing.T) {
	app := &mockApp{}
	var out bytes.Buffer
	if err := run([]string{}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), "routemesh version: "+Version) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "--import=DIR") {
		t.Errorf("expected usage hints, got: %s", out.String())
	}
	if len(app.called) != 0 {
		t.Errorf("nothing should run without a mode, got %v", app.called)
	}
}
