package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/kwv/routemesh/pipeline"
	"github.com/kwv/routemesh/route"
	"github.com/kwv/routemesh/store"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *route.Config
	DB         *store.DB
	Pipeline   *pipeline.Pipeline
	MQTTClient *pipeline.MQTTClient
	Publisher  *pipeline.Publisher

	// CLI Flags (effectively dependencies)
	ConfigFile string
	DBPath     string
	ImportDir  string
	HttpPort   int
	MqttMode   bool
	HttpMode   bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{ConfigFile: "config.yaml", HttpPort: 8080}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.DBPath = opts.DBPath
	a.ImportDir = opts.ImportDir
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// Setup loads the configuration, opens the database and builds the pipeline
// with whichever upstream adapters are configured.
func (a *App) Setup() error {
	config, err := route.LoadConfig(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config %s: %w", a.ConfigFile, err)
	}
	a.Config = config
	log.Printf("Loaded config from %s", a.ConfigFile)

	path := a.DBPath
	if path == "" {
		path = config.Database
	}
	db, err := store.Open(path)
	if err != nil {
		return err
	}
	a.DB = db
	log.Printf("Opened database %s", path)

	opts := pipeline.Options{Config: config, Stores: db.Stores()}
	if up := config.Upstream; up.BaseURL != "" {
		fetchOpts := []pipeline.FetchOption{pipeline.WithMaxRetries(up.Retries)}
		if up.TimeoutSec > 0 {
			fetchOpts = append(fetchOpts, pipeline.WithTimeout(time.Duration(up.TimeoutSec)*time.Second))
		}
		streams, err := pipeline.NewHTTPStreamProvider(up.BaseURL, up.Token, fetchOpts...)
		if err != nil {
			return err
		}
		opts.Streams = streams
	} else {
		log.Printf("No upstream configured; only stored traces will be analyzed")
	}
	if gc := config.Geocoder; config.Pipeline.Enrich && gc.BaseURL != "" {
		geocoder, err := pipeline.NewNominatimGeocoder(gc.BaseURL, gc.UserAgent)
		if err != nil {
			return err
		}
		opts.Geocoder = geocoder
	}

	p, err := pipeline.New(opts)
	if err != nil {
		return err
	}
	a.Pipeline = p
	pipeline.SetDefault(p)
	return nil
}

// Close stops background work and releases the database.
func (a *App) Close() {
	if a.Pipeline != nil {
		a.Pipeline.Cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.Pipeline.Wait(ctx); err != nil {
			log.Printf("Warning: pipeline still running at shutdown: %v", err)
		}
		cancel()
		a.Pipeline.WaitEnrichment()
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			log.Printf("Warning: closing database: %v", err)
		}
	}
}

// RunImport loads every *.json and *.geojson activity in dir into the GPS and
// bounds stores. Unreadable files are skipped with a warning. It returns the
// number of activities imported.
func (a *App) RunImport(dir string) (int, error) {
	var files []string
	for _, pattern := range []string{"*.json", "*.geojson"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return 0, fmt.Errorf("finding files in %s: %w", dir, err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	if len(files) == 0 {
		return 0, fmt.Errorf("no activity files found in %s", dir)
	}

	stores := a.DB.Stores()
	var records []store.BoundsRecord
	for _, file := range files {
		meta, pts, err := loadActivityFile(file)
		if err != nil {
			log.Printf("Warning: Failed to load %s: %v", filepath.Base(file), err)
			continue
		}
		if err := stores.GPS.Save(meta.ID, pts); err != nil {
			return len(records), err
		}
		records = append(records, store.BoundsRecord{ActivityMeta: meta, Bounds: route.BoundsOf(pts)})
	}
	if err := stores.Bounds.Merge(records, time.Now().UTC()); err != nil {
		return len(records), err
	}
	return len(records), nil
}

// loadActivityFile reads one activity. The id defaults to the file name.
func loadActivityFile(path string) (route.ActivityMeta, []route.RoutePoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return route.ActivityMeta{}, nil, err
	}

	var (
		meta route.ActivityMeta
		pts  []route.RoutePoint
	)
	if strings.HasSuffix(path, ".geojson") {
		meta, pts, err = parseGeoJSONActivity(data)
	} else {
		meta, pts, err = parseJSONActivity(data)
	}
	if err != nil {
		return route.ActivityMeta{}, nil, err
	}

	if meta.ID == "" {
		meta.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	pts = route.FilterValidPoints(pts)
	if len(pts) == 0 {
		return route.ActivityMeta{}, nil, errors.New("no valid GPS points")
	}
	meta.HasGPS = true
	if meta.Distance <= 0 {
		meta.Distance = route.RouteLength(pts)
	}
	return meta, pts, nil
}

// parseJSONActivity reads activity metadata plus a latlng stream in either
// the flat or the keyed form.
func parseJSONActivity(data []byte) (route.ActivityMeta, []route.RoutePoint, error) {
	var meta route.ActivityMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return route.ActivityMeta{}, nil, fmt.Errorf("parsing JSON: %w", err)
	}
	var streams pipeline.Streams
	if err := json.Unmarshal(data, &streams); err != nil {
		return route.ActivityMeta{}, nil, fmt.Errorf("parsing latlng: %w", err)
	}
	return meta, streams.Points(), nil
}

// parseGeoJSONActivity reads a Feature whose geometry is a LineString or a
// MultiLineString. Metadata comes from the feature properties.
func parseGeoJSONActivity(data []byte) (route.ActivityMeta, []route.RoutePoint, error) {
	f, err := geojson.UnmarshalFeature(data)
	if err != nil {
		return route.ActivityMeta{}, nil, fmt.Errorf("parsing GeoJSON: %w", err)
	}

	var lines []orb.LineString
	switch g := f.Geometry.(type) {
	case orb.LineString:
		lines = []orb.LineString{g}
	case orb.MultiLineString:
		lines = g
	default:
		return route.ActivityMeta{}, nil, fmt.Errorf("unsupported geometry %T", f.Geometry)
	}
	var pts []route.RoutePoint
	for _, ls := range lines {
		for _, p := range ls {
			pts = append(pts, route.PointFromOrb(p))
		}
	}

	props := f.Properties
	meta := route.ActivityMeta{
		ID:       props.MustString("id", ""),
		Type:     props.MustString("type", ""),
		Name:     props.MustString("name", ""),
		Distance: props.MustFloat64("distance", 0),
		Duration: props.MustFloat64("duration", 0),
	}
	if meta.ID == "" && f.ID != nil {
		meta.ID = fmt.Sprint(f.ID)
	}
	if s := props.MustString("startDate", ""); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return route.ActivityMeta{}, nil, fmt.Errorf("startDate: %w", err)
		}
		meta.StartDate = t
	}
	return meta, pts, nil
}

// knownActivities returns every activity id in the bounds or GPS stores with
// its stored metadata.
func (a *App) knownActivities() ([]string, map[string]route.ActivityMeta, error) {
	stores := a.DB.Stores()
	records, err := stores.Bounds.List()
	if err != nil {
		return nil, nil, err
	}
	gpsIDs, err := stores.GPS.IDs()
	if err != nil {
		return nil, nil, err
	}

	meta := make(map[string]route.ActivityMeta, len(records))
	ids := make([]string, 0, len(records))
	for _, r := range records {
		meta[r.ID] = r.ActivityMeta
		ids = append(ids, r.ID)
	}
	for _, id := range gpsIDs {
		if _, ok := meta[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, meta, nil
}

// RunAnalyze analyzes every known activity not yet processed, waits for the
// run and any naming to finish and writes the resulting groups to w.
func (a *App) RunAnalyze(ctx context.Context, w io.Writer) error {
	ids, meta, err := a.knownActivities()
	if err != nil {
		return err
	}
	if err := a.Pipeline.QueueActivities(ctx, ids, meta, nil); err != nil {
		return err
	}
	if err := a.Pipeline.Wait(ctx); err != nil {
		return err
	}
	a.Pipeline.WaitEnrichment()

	pr := a.Pipeline.Progress()
	if pr.State == pipeline.StateError {
		return fmt.Errorf("analysis failed: %s", pr.Message)
	}

	c := a.Pipeline.GetCache()
	fmt.Fprintf(w, "%d activities analyzed, %d routes, %d matches\n\n", len(c.Processed), len(c.Groups), c.MatchCount())
	for _, g := range pipeline.SummarizeGroups(c) {
		fmt.Fprintf(w, "%-24s %-36s %4d x %-8s %7.2f km\n",
			g.ID, g.Name, g.ActivityCount, g.ActivityType, g.DistanceMeters/1000)
	}
	return nil
}

// RunService runs the MQTT and/or HTTP surfaces until SIGINT or SIGTERM.
func (a *App) RunService() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.serve(ctx)
}

func (a *App) serve(ctx context.Context) error {
	fmt.Println("Starting routemesh service...")

	if a.MqttMode {
		client, err := pipeline.InitMQTT(a.Config.MQTT, func(cmd string) {
			if err := a.Pipeline.HandleCommand(ctx, cmd); err != nil {
				log.Printf("[MQTT] command %q: %v", cmd, err)
			}
		})
		if err != nil {
			return fmt.Errorf("initialize MQTT: %w", err)
		}
		if client == nil {
			return fmt.Errorf("MQTT broker not configured in %s", a.ConfigFile)
		}
		a.MQTTClient = client
		a.Publisher = pipeline.NewPublisher(client.GetClient(), a.Config.MQTT.PublishPrefix)
		detach := a.Publisher.Attach(a.Pipeline)
		defer detach()
		fmt.Println("MQTT publisher initialized")
	}

	var (
		srv   *http.Server
		errCh chan error
	)
	if a.HttpMode {
		srv = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(ctx, a.Pipeline, a.DB.Stores()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh = make(chan error, 1)
		go func() {
			log.Printf("[HTTP] Starting server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	if err := a.resumeInterrupted(ctx); err != nil {
		log.Printf("Warning: resuming interrupted run: %v", err)
	}

	a.printServiceInfo()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("[HTTP] server error: %w", err)
	}

	fmt.Println("\nShutting down service...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] shutdown: %v", err)
		}
	}
	fmt.Println("Service stopped")
	return nil
}

// resumeInterrupted restarts a run whose checkpoint survived a restart.
func (a *App) resumeInterrupted(ctx context.Context) error {
	cp, err := a.DB.Stores().Checkpoints.Load()
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("Resuming run %s with %d pending activities", cp.RunID, len(cp.PendingIDs))
	return a.Pipeline.QueueActivities(ctx, nil, nil, nil)
}

func (a *App) printServiceInfo() {
	fmt.Println("\nService Running")
	fmt.Println("===============")

	if a.MqttMode {
		prefix := a.Config.MQTT.PublishPrefix
		if prefix == "" {
			prefix = "routemesh"
		}
		fmt.Println("\nMQTT:")
		fmt.Printf("  Progress:  %s/progress\n", prefix)
		fmt.Printf("  Routes:    %s/routes\n", prefix)
		fmt.Printf("  Commands:  %s/command (cancel, reanalyze)\n", prefix)
	}

	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET    /health                      - Health check")
		fmt.Println("  GET    /api/progress                - Pipeline progress")
		fmt.Println("  GET    /api/cache                   - Processing cache (points stripped)")
		fmt.Println("  GET    /api/groups                  - Route group summaries")
		fmt.Println("  GET    /api/groups/{id}             - One route group")
		fmt.Println("  GET    /api/groups/{id}/geojson     - Consensus path as GeoJSON")
		fmt.Println("  GET    /api/groups/{id}/laps        - Laps of ?activity= on the route")
		fmt.Println("  POST   /api/queue                   - Queue activities for analysis")
		fmt.Println("  POST   /api/cancel                  - Cancel the active run")
		fmt.Println("  POST   /api/reanalyze               - Clear and reanalyze everything")
		fmt.Println("  DELETE /api/cache                   - Clear analysis results")
	}

	fmt.Println("\nPress Ctrl+C to stop")
}
