package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the command line into the App.
type AppOptions struct {
	ConfigFile string
	DBPath     string
	ImportDir  string
	Analyze    bool
	HttpPort   int
	MqttMode   bool
	HttpMode   bool
}

// Runner is the part of App driven by the command line.
type Runner interface {
	ApplyOptions(opts AppOptions)
	Setup() error
	Close()
	RunImport(dir string) (int, error)
	RunAnalyze(ctx context.Context, w io.Writer) error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if err == flag.ErrHelp {
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("routemesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.DBPath, "db", "", "Path to the sqlite database (default: from config)")
	fs.StringVar(&opts.ImportDir, "import", "", "Import activity JSON/GeoJSON files from DIR")
	fs.BoolVar(&opts.Analyze, "analyze", false, "Analyze every known activity, print the route groups and exit")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Publish progress and routes to MQTT and accept remote commands")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable the HTTP API")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "routemesh version: %s\n", Version)
	app.ApplyOptions(opts)

	if opts.ImportDir == "" && !opts.Analyze && !opts.MqttMode && !opts.HttpMode {
		printUsage(out)
		return nil
	}

	if err := app.Setup(); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	defer app.Close()

	if opts.ImportDir != "" {
		n, err := app.RunImport(opts.ImportDir)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		fmt.Fprintf(out, "Imported %d activities from %s\n", n, opts.ImportDir)
	}

	if opts.Analyze {
		if err := app.RunAnalyze(context.Background(), out); err != nil {
			return fmt.Errorf("analysis failed: %w", err)
		}
	}

	if opts.MqttMode || opts.HttpMode {
		return app.RunService()
	}
	return nil
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Use --import=DIR to load activity traces")
	fmt.Fprintln(out, "Use --analyze to group all known activities into routes")
	fmt.Fprintln(out, "Use --http to serve the JSON API")
	fmt.Fprintln(out, "Use --mqtt to publish progress and routes over MQTT")
	fmt.Fprintln(out, "Use --mqtt --http to run both together")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - thresholds, pipeline limits, MQTT, upstream and geocoder settings")
}
