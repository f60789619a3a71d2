package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"github.com/paulmach/orb"

	qcarchive "github.com/tingold/orb-qcarchive"
)

type options struct {
	DB          string `short:"d" long:"db" env:"QCA_DB" required:"true" description:"QuickCapture archive database"`
	Attachments string `long:"attachments" env:"QCA_ATTACHMENTS" description:"attachments directory, next to the database by default"`
	Config      string `short:"c" long:"config" env:"QCA_CONFIG" description:"yaml config file"`
	Listen      string `short:"l" long:"listen" env:"QCA_LISTEN" default:":8080" description:"listen address"`
	Client      string `long:"client" env:"QCA_CLIENT" default:"../client" description:"static client files"`
	Dbg         bool   `long:"dbg" description:"debug mode"`
}

func main() {
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		os.Exit(1)
	}
	setupLog(opts.Dbg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	cfg := qcarchive.DefaultConfig()
	if opts.Config != "" {
		var err error
		if cfg, err = qcarchive.LoadConfig(opts.Config); err != nil {
			return err
		}
	}
	wsOpts := []qcarchive.Option{qcarchive.WithConfig(cfg), qcarchive.WithLogger(lgr.Std)}
	if opts.Attachments != "" {
		wsOpts = append(wsOpts, qcarchive.WithAttachmentsDir(opts.Attachments))
	}

	own := newOwnerLoop()
	var ws *qcarchive.Workspace
	if err := own.do(func() (err error) {
		ws, err = qcarchive.OpenWorkspace(ctx, opts.DB, wsOpts...)
		return err
	}); err != nil {
		return err
	}
	defer func() {
		if err := own.do(ws.Close); err != nil {
			log.Printf("[WARN] close archive: %v", err)
		}
		own.stop()
	}()

	srv := &server{ws: ws, own: own}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tables", srv.tablesHandler)
	mux.HandleFunc("GET /tables/{name}", srv.featuresHandler)
	mux.Handle("/", http.FileServer(http.Dir(opts.Client)))

	httpServer := &http.Server{Addr: opts.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("[INFO] server starting on %s, archive %s", opts.Listen, opts.DB)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ownerLoop runs every call on one goroutine, the owner of the workspace and
// its tables.
type ownerLoop struct {
	calls chan func()
	done  chan struct{}
}

func newOwnerLoop() *ownerLoop {
	o := &ownerLoop{calls: make(chan func()), done: make(chan struct{})}
	go func() {
		for {
			select {
			case fn := <-o.calls:
				fn()
			case <-o.done:
				return
			}
		}
	}()
	return o
}

func (o *ownerLoop) do(fn func() error) error {
	res := make(chan error, 1)
	o.calls <- func() { res <- fn() }
	return <-res
}

func (o *ownerLoop) stop() { close(o.done) }

type server struct {
	ws  *qcarchive.Workspace
	own *ownerLoop
}

func (s *server) tablesHandler(w http.ResponseWriter, _ *http.Request) {
	var names []string
	if err := s.own.do(func() (err error) {
		names, err = s.ws.TableNames()
		return err
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(names)
}

// featuresHandler serves /tables/<name>.fgb or /tables/<name>.geojson with
// optional where, order, bbox (minx,miny,maxx,maxy), rel and wkid parameters.
func (s *server) featuresHandler(w http.ResponseWriter, r *http.Request) {
	name, format := r.PathValue("name"), "geojson"
	if base, ok := strings.CutSuffix(name, ".fgb"); ok {
		name, format = base, "fgb"
	} else {
		name = strings.TrimSuffix(name, ".geojson")
	}

	q, outSR, err := parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	err = s.own.do(func() error {
		t, err := s.ws.OpenTable(r.Context(), name)
		if err != nil {
			return err
		}
		oids, err := t.Search(q)
		if err != nil {
			return err
		}
		if format == "fgb" {
			return t.WriteFlatGeobuf(&buf, oids, outSR, nil)
		}
		fc, err := t.Export(oids, "*", outSR)
		if err != nil {
			return err
		}
		return json.NewEncoder(&buf).Encode(fc)
	})

	switch {
	case errors.Is(err, qcarchive.ErrTableNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, qcarchive.ErrQueryEvaluation), errors.Is(err, qcarchive.ErrUnsupportedRelationship):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, qcarchive.ErrNoFeatures):
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		log.Printf("[WARN] table %s: %v", name, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if format == "fgb" {
		w.Header().Set("Content-Type", "application/octet-stream")
	} else {
		w.Header().Set("Content-Type", "application/geo+json")
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if _, err := io.Copy(w, &buf); err != nil {
		log.Printf("[DEBUG] write response: %v", err)
	}
}

func parseQuery(r *http.Request) (qcarchive.Query, *qcarchive.SpatialReference, error) {
	v := r.URL.Query()
	q := qcarchive.Query{Where: v.Get("where"), OrderBy: v.Get("order")}

	var outSR *qcarchive.SpatialReference
	if wkid := v.Get("wkid"); wkid != "" {
		n, err := strconv.Atoi(wkid)
		if err != nil {
			return q, nil, fmt.Errorf("wkid %q: %w", wkid, err)
		}
		sr, err := qcarchive.SpatialReferenceFromWKID(n)
		if err != nil {
			return q, nil, err
		}
		outSR = &sr
	}

	if bbox := v.Get("bbox"); bbox != "" {
		parts := strings.Split(bbox, ",")
		if len(parts) != 4 {
			return q, nil, fmt.Errorf("bbox needs 4 values, got %d", len(parts))
		}
		var c [4]float64
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return q, nil, fmt.Errorf("bbox %q: %w", bbox, err)
			}
			c[i] = f
		}
		rel := qcarchive.EnvelopeIntersects
		if s := v.Get("rel"); s != "" {
			var err error
			if rel, err = qcarchive.ParseRelationship(s); err != nil {
				return q, nil, err
			}
		}
		var sr qcarchive.SpatialReference
		if outSR != nil {
			sr = *outSR
		}
		b := orb.Bound{Min: orb.Point{c[0], c[1]}, Max: orb.Point{c[2], c[3]}}
		q.Spatial = &qcarchive.SpatialFilter{Geometry: qcarchive.NewEnvelope(b, sr), Relationship: rel}
	}
	return q, outSR, nil
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
