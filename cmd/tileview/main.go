package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"tileview/internal/cache"
	"tileview/internal/common"
	"tileview/internal/config"
	"tileview/internal/events"
	"tileview/internal/geo"
	"tileview/internal/handlers/tileserver"
	"tileview/internal/logger"
	"tileview/internal/mapview"
	"tileview/internal/ratelimit"
	"tileview/internal/source"
	"tileview/internal/telemetry"
	"tileview/internal/tile"
	"tileview/internal/utils/naming"
	"tileview/internal/wmts"
)

func main() {
	app := &cli.App{
		Name:        "tileview",
		Usage:       "render and cache web map tiles",
		Description: "tiled map renderer with a memory and disk tile cache",
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:  "config",
				Usage: "path to a settings file (.json or .hcl)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.PathFlag{
				Name:  "cache-dir",
				Usage: "disk cache directory",
			},
			&cli.BoolFlag{
				Name:  "offline",
				Usage: "only use tiles already cached on disk",
			},
			&cli.StringFlag{
				Name:  "source",
				Usage: "tile source: http, dir or grid",
				Value: "http",
			},
			&cli.PathFlag{
				Name:  "source-dir",
				Usage: "root of a {layer}/{z}/{x}/{y} tile directory for --source dir",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "render",
				Usage:  "render a view and export it as an image",
				Action: commandRender,
				Flags: append(viewFlags(),
					&cli.IntFlag{
						Name:  "fallback-zoom",
						Usage: "cached zoom blended under missing tiles (-1 disables)",
						Value: common.NoFallback,
					},
					&cli.StringFlag{
						Name:  "format",
						Usage: "png, jpeg or geotiff",
						Value: "png",
					},
					&cli.PathFlag{
						Name:  "out",
						Usage: "output file; defaults to a generated name in the export path",
					},
				),
			},
			{
				Name:   "prefetch",
				Usage:  "download every tile of a view from its zoom down to --target-zoom",
				Action: commandPrefetch,
				Flags: append(viewFlags(),
					&cli.IntFlag{
						Name:     "target-zoom",
						Usage:    "deepest zoom to download",
						Required: true,
					},
				),
			},
			{
				Name:   "serve",
				Usage:  "serve cached tiles over HTTP as an XYZ endpoint",
				Action: commandServe,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "listen address",
						Value: "127.0.0.1:8080",
					},
					&cli.StringFlag{
						Name:  "tile-format",
						Usage: "png or jpeg",
						Value: string(tile.FormatPNG),
					},
				},
			},
			{
				Name:      "layers",
				Usage:     "list the layers of a WMTS capabilities document",
				ArgsUsage: "<capabilities-url>",
				Action:    commandLayers,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "use",
						Usage: "identifier of the layer to store as a template",
					},
					&cli.StringFlag{
						Name:  "as",
						Usage: "map, satellite or hybrid; the layer --use replaces",
						Value: string(tile.LayerSatellite),
					},
				},
			},
			{
				Name:  "cache",
				Usage: "inspect or clear the tile cache",
				Subcommands: []*cli.Command{
					{
						Name:   "stats",
						Usage:  "print cache statistics as JSON",
						Action: commandCacheStats,
					},
					{
						Name:   "clear",
						Usage:  "delete every cached tile",
						Action: commandCacheClear,
					},
				},
			},
			{
				Name:  "config",
				Usage: "show or write settings",
				Subcommands: []*cli.Command{
					{
						Name:   "show",
						Usage:  "print the effective settings as JSON",
						Action: commandConfigShow,
					},
					{
						Name:   "init",
						Usage:  "write default settings to the settings file",
						Action: commandConfigInit,
					},
				},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func viewFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Float64Flag{Name: "lat", Usage: "center latitude", Required: true},
		&cli.Float64Flag{Name: "lon", Usage: "center longitude", Required: true},
		&cli.IntFlag{Name: "zoom", Usage: "zoom level", Value: 10},
		&cli.IntFlag{Name: "width", Usage: "width in pixels", Value: 800},
		&cli.IntFlag{Name: "height", Usage: "height in pixels", Value: 600},
		&cli.StringFlag{Name: "layer", Usage: "map, satellite or hybrid", Value: string(tile.LayerMap)},
	}
}

// runtime holds what every command needs.
type runtime struct {
	settings *config.Settings
	log      *zap.Logger
	m        *mapview.Map
	tracker  *telemetry.Tracker
}

func (r *runtime) Close() {
	if err := r.m.Close(); err != nil {
		r.log.Warn("failed to close map", zap.Error(err))
	}
	if err := r.tracker.Close(); err != nil {
		r.log.Debug("failed to flush telemetry", zap.Error(err))
	}
	_ = r.log.Sync()
}

func loadSettings(c *cli.Context) (*config.Settings, error) {
	settings, err := config.LoadSettings(c.Path("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("log-level") {
		settings.LogLevel = c.String("log-level")
	}
	if c.IsSet("cache-dir") {
		settings.CacheDir = c.Path("cache-dir")
	}
	if c.IsSet("offline") {
		settings.Offline = c.Bool("offline")
	}
	if settings.CacheDir == "" {
		settings.CacheDir = cache.GetCacheDir()
	}
	return settings, nil
}

func setup(c *cli.Context) (*runtime, error) {
	settings, err := loadSettings(c)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(settings.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize logger")
	}

	var limiter *ratelimit.Handler
	var src source.Source
	switch c.String("source") {
	case "http":
		limiter = ratelimit.NewHandler(ratelimit.DefaultRetryStrategy(), lg)
		src = source.NewHTTP(mapview.HTTPOptionsFromSettings(settings, limiter), lg)
	case "dir":
		if c.Path("source-dir") == "" {
			return nil, errors.New("--source dir needs --source-dir")
		}
		src = source.NewDir(c.Path("source-dir"))
	case "grid":
		src = source.NewGrid()
	default:
		return nil, errors.Errorf("unknown source %q", c.String("source"))
	}

	m := mapview.New(src, mapview.OptionsFromSettings(settings), lg)
	if err := m.CacheError(); err != nil {
		lg.Warn("cache directory unavailable, running memory-only", zap.String("dir", settings.CacheDir), zap.Error(err))
	}
	m.Bus().Subscribe(events.Filter(func(e events.Event) {
		lg.Warn(e.Message)
	}, events.KindWarning))
	if limiter != nil {
		limiter.SetOnRateLimit(func(e ratelimit.Event) {
			m.Bus().Publish(events.Event{Kind: events.KindWarning, Message: e.Message, Data: e})
		})
	}

	tracker, err := telemetry.New(settings.TelemetryKey, settings.TelemetryHost, "", lg)
	if err != nil {
		lg.Warn("failed to initialize telemetry", zap.Error(err))
		tracker, _ = telemetry.New("", "", "", lg)
	}
	tracker.Subscribe(m.Bus())

	return &runtime{settings: settings, log: lg, m: m, tracker: tracker}, nil
}

func viewRequest(c *cli.Context) (common.ViewportRequest, error) {
	layer, err := tile.ParseLayer(c.String("layer"))
	if err != nil {
		return common.ViewportRequest{}, err
	}
	req := common.ViewportRequest{
		Center:       geo.Point{Lat: c.Float64("lat"), Lon: c.Float64("lon")},
		Width:        c.Int("width"),
		Height:       c.Int("height"),
		Zoom:         c.Int("zoom"),
		FallbackZoom: common.NoFallback,
		Layer:        layer,
	}
	if c.IsSet("fallback-zoom") {
		req.FallbackZoom = c.Int("fallback-zoom")
	}
	return req, req.Validate()
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func commandRender(c *cli.Context) error {
	req, err := viewRequest(c)
	if err != nil {
		return err
	}
	format, err := common.ParseExportFormat(c.String("format"))
	if err != nil {
		return err
	}

	rt, err := setup(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := c.Path("out")
	if out == "" {
		out = filepath.Join(rt.settings.ExportPath, mapview.ExportFilename(req, format))
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return errors.Wrap(err, "failed to create output directory")
	}
	f, err := os.Create(out)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	defer f.Close()

	ctx, cancel := signalContext(c)
	defer cancel()
	if err := rt.m.Export(ctx, req, format, f); err != nil {
		os.Remove(out)
		return err
	}
	rt.tracker.Track("export", map[string]interface{}{"format": string(format), "zoom": req.Zoom})
	fmt.Fprintln(c.App.Writer, out)
	return nil
}

func commandPrefetch(c *cli.Context) error {
	req, err := viewRequest(c)
	if err != nil {
		return err
	}
	target := c.Int("target-zoom")
	if err := geo.ValidateZoom(target); err != nil {
		return err
	}

	rt, err := setup(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := signalContext(c)
	defer cancel()
	levels, err := rt.m.PrefetchLevels(ctx, req.Rect(), req.Zoom, target, req.Layer)
	for _, p := range levels {
		done, failed, total := p.Progress()
		fmt.Fprintf(c.App.Writer, "%s: %d/%d tiles (%d failed)\n",
			naming.TilesDirName(string(req.Layer), p.Zoom), done, total, failed)
	}
	return err
}

func commandServe(c *cli.Context) error {
	var format tile.Format
	switch c.String("tile-format") {
	case "png":
		format = tile.FormatPNG
	case "jpeg", "jpg":
		format = tile.FormatJPEG
	default:
		return errors.Errorf("unsupported tile format %q", c.String("tile-format"))
	}

	rt, err := setup(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := tileserver.NewServer(rt.m, format, rt.log)
	if err := srv.Start(c.String("addr")); err != nil {
		return err
	}
	for _, l := range tile.Layers {
		fmt.Fprintf(c.App.Writer, "%-9s %s\n", l, srv.Template(l))
	}

	ctx, cancel := signalContext(c)
	defer cancel()
	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

func commandLayers(c *cli.Context) error {
	url := c.Args().First()
	if url == "" {
		return errors.New("missing capabilities URL")
	}

	ctx, cancel := signalContext(c)
	defer cancel()
	caps, err := wmts.FetchCapabilities(ctx, nil, url)
	if err != nil {
		return err
	}

	if !c.IsSet("use") {
		data, err := json.MarshalIndent(caps.Layers(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, string(data))
		return nil
	}

	info, ok := caps.Find(c.String("use"))
	if !ok {
		return errors.Errorf("layer %q not found", c.String("use"))
	}
	layer, err := tile.ParseLayer(c.String("as"))
	if err != nil {
		return err
	}
	settings, err := config.LoadSettings(c.Path("config"))
	if err != nil {
		return err
	}
	path := c.Path("config")
	if path == "" {
		path = config.GetSettingsPath()
	}
	if strings.EqualFold(filepath.Ext(path), ".hcl") {
		return errors.Errorf("%s is HCL; add the template by hand: %s", path, info.Template)
	}
	if settings.Templates == nil {
		settings.Templates = make(map[string]string)
	}
	settings.Templates[string(layer)] = info.Template
	if err := config.SaveSettings(path, settings); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s: %s\n", layer, info.Template)
	return nil
}

func commandCacheStats(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	data, err := json.MarshalIndent(rt.m.Stats(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, string(data))
	return nil
}

func commandCacheClear(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.m.ClearCache(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "cleared %s\n", rt.m.CacheDirectory())
	return nil
}

func commandConfigShow(c *cli.Context) error {
	settings, err := loadSettings(c)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, string(data))
	return nil
}

func commandConfigInit(c *cli.Context) error {
	path := c.Path("config")
	if path == "" {
		path = config.GetSettingsPath()
	}
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("%s already exists", path)
	}
	if err := config.SaveSettings(path, config.DefaultSettings()); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, path)
	return nil
}
