// Command nvrd runs the recording engine: it opens the index database
// and sample-file directory pools, starts the writer/syncer/retention
// pipeline and the RTSP ingest server, and serves the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/scottlamb/moonfire-nvr-go/internal/auth"
	"github.com/scottlamb/moonfire-nvr-go/internal/config"
	"github.com/scottlamb/moonfire-nvr-go/internal/db"
	"github.com/scottlamb/moonfire-nvr-go/internal/dir"
	"github.com/scottlamb/moonfire-nvr-go/internal/ingest"
	"github.com/scottlamb/moonfire-nvr-go/internal/logging"
	"github.com/scottlamb/moonfire-nvr-go/internal/process"
	sig "github.com/scottlamb/moonfire-nvr-go/internal/signal"
	"github.com/scottlamb/moonfire-nvr-go/internal/web"
	"github.com/scottlamb/moonfire-nvr-go/internal/writer"
)

const (
	flushInterval     = 10 * time.Second
	retentionInterval = time.Minute
	usageLogInterval  = 5 * time.Minute
)

func main() {
	configPath := flag.String("config", "config.toml", "path to TOML config file")
	flag.Parse()

	log := logging.NewFromEnv()
	if err := run(*configPath, log); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

func run(configPath string, log zerolog.Logger) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("resolving time zone: %w", err)
	}

	if err := os.MkdirAll(cfg.DBDir, 0o755); err != nil {
		return err
	}
	database, err := db.Open(db.Options{Path: filepath.Join(cfg.DBDir, "db.sqlite3")}, log)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := syncConfig(database, cfg); err != nil {
		return err
	}

	// One pool + syncer per sample-file directory; the two-stage open
	// plus the consistency check recover from any crash point.
	openID, _ := database.OpenID()
	openRef := &dir.OpenRef{ID: openID, UUID: database.OpenUUID()}
	pools := make(map[int32]*dir.Pool)
	syncers := make(map[int32]*writer.Syncer)
	for _, d := range database.SampleFileDirs() {
		if err := dir.InitDir(d.Path, database.UUID(), d.UUID); err != nil {
			return err
		}
		var last *dir.OpenRef
		if d.LastCompleteOpenID != nil {
			u, err := database.OpenUUIDByID(*d.LastCompleteOpenID)
			if err != nil {
				return err
			}
			last = &dir.OpenRef{ID: *d.LastCompleteOpenID, UUID: u}
		}
		pool := dir.New(dir.Config{
			Path:             d.Path,
			DBUUID:           database.UUID(),
			DirUUID:          d.UUID,
			LastCompleteOpen: last,
			CurrentOpen:      openRef,
		}, log)
		if err := pool.Open(cfg.WorkerCount); err != nil {
			return err
		}

		report, err := database.CheckDir(d.ID, d.Path, db.CheckOptions{
			Action:           dir.CheckDeleteOrphanSampleFiles,
			SizeCheckEnabled: true,
		})
		if err != nil {
			pool.Close()
			return err
		}
		for _, id := range report.OrphanFiles {
			log.Warn().Str("path", d.Path).Int64("composite_id", int64(id)).Msg("orphan sample file")
		}
		for _, id := range report.Mismatched {
			log.Warn().Str("path", d.Path).Int64("composite_id", int64(id)).Msg("recording moved to garbage by consistency check")
		}

		if err := pool.CompleteOpenForWrite(); err != nil {
			pool.Close()
			return err
		}
		if err := database.SetDirLastCompleteOpen(d.ID, openID); err != nil {
			pool.Close()
			return err
		}
		pools[d.ID] = pool
		syncers[d.ID] = writer.NewSyncer(database, pool, d.ID, log)

		// Finish any deletion a previous lifetime left half done.
		if err := syncers[d.ID].CollectGarbageNow(); err != nil {
			log.Warn().Err(err).Str("path", d.Path).Msg("startup garbage collection failed")
		}
	}

	signals := sig.NewStore(cfg.MaxSignalChanges, loc)
	rows, err := database.ListSignalChanges()
	if err != nil {
		return err
	}
	changeRows := make([]sig.ChangeRow, 0, len(rows))
	for _, r := range rows {
		changeRows = append(changeRows, sig.ChangeRow{Time: r.Time90k, Changes: r.Changes})
	}
	if err := signals.Load(changeRows); err != nil {
		return err
	}

	authStore := auth.New(database, auth.ProductionScryptParams)
	retention := writer.NewRetention(database, syncers, retentionInterval, log)

	ingester := ingest.New(database, func(streamID int32) (*writer.Writer, error) {
		stream, ok := database.Stream(streamID)
		if !ok || stream.SampleFileDirID == nil {
			return nil, fmt.Errorf("stream %d has no sample file dir", streamID)
		}
		dirID := *stream.SampleFileDirID
		return writer.New(database, pools[dirID], syncers[dirID], streamID, log)
	}, cfg.RTSP.Bind, log)
	if err := ingester.Start(); err != nil {
		return err
	}

	api := web.New(database, authStore, signals, pools, loc, log)
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Bind,
		Handler:      logging.Middleware(log, cfg.HTTP.TrustForwardHeaders)(api.Handler()),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.HTTP.IdleTimeoutSec) * time.Second,
	}
	go func() {
		log.Info().Str("bind", cfg.HTTP.Bind).Msg("HTTP API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	stopWatch, err := config.Watch(configPath, log, func(next *config.Config) {
		log.Info().Msg("config file changed; stream additions take effect on restart")
	})
	if err != nil {
		log.Warn().Err(err).Msg("config watch unavailable")
		stopWatch = func() {}
	}
	defer stopWatch()

	flusherDone := make(chan struct{})
	flusherStop := make(chan struct{})
	go func() {
		defer close(flusherDone)
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		usage := time.NewTicker(usageLogInterval)
		defer usage.Stop()
		for {
			select {
			case <-ticker.C:
				flush(database, signals, log)
			case <-usage.C:
				if u, err := process.GetSelfUsage(); err == nil {
					log.Debug().Float64("cpu_pct", u.CPU).Uint64("mem_bytes", u.Mem).Msg("resource usage")
				}
			case <-flusherStop:
				return
			}
		}
	}()

	// Shutdown: drop write channels -> syncers drain -> final flush ->
	// pool workers exit (spec.md §5). A second signal aborts.
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")
	go func() {
		<-quit
		log.Error().Msg("second signal; aborting")
		os.Exit(1)
	}()

	ingester.Close()
	retention.Close()
	close(flusherStop)
	<-flusherDone
	for _, s := range syncers {
		s.Close()
	}
	flush(database, signals, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)

	for _, p := range pools {
		if err := p.Close(); err != nil {
			log.Warn().Err(err).Msg("pool close failed")
		}
	}
	log.Info().Msg("bye")
	return nil
}

// flush writes dirty auth rows (db.Flush) and then, if it changed, the
// signal timeline (db.ReplaceSignalChanges), each in its own transaction.
func flush(database *db.Database, signals *sig.Store, log zerolog.Logger) {
	if err := database.Flush(); err != nil {
		log.Warn().Err(err).Msg("flush failed")
	}
	if signals.Dirty() {
		snapshot := signals.Snapshot()
		rows := make([]db.SignalChangeRow, 0, len(snapshot))
		for _, r := range snapshot {
			rows = append(rows, db.SignalChangeRow{Time90k: r.Time, Changes: r.Changes})
		}
		if err := database.ReplaceSignalChanges(rows); err != nil {
			log.Warn().Err(err).Msg("signal flush failed")
		}
	}
}

// syncConfig creates index rows for configured directories, cameras, and
// streams that don't exist yet, and refreshes stream settings that do.
func syncConfig(database *db.Database, cfg *config.Config) error {
	dirIDs := make(map[string]int32)
	for _, d := range database.SampleFileDirs() {
		dirIDs[d.Path] = d.ID
	}
	for _, dc := range cfg.SampleFileDirs {
		if _, ok := dirIDs[dc.Path]; ok {
			continue
		}
		sd, err := database.AddSampleFileDir(dc.Path, [16]byte{})
		if err != nil {
			return err
		}
		dirIDs[dc.Path] = sd.ID
	}

	camsByName := make(map[string]db.Camera)
	for _, c := range database.Cameras() {
		camsByName[c.ShortName] = c
	}
	for _, cc := range cfg.Cameras {
		cam, ok := camsByName[cc.ShortName]
		if !ok {
			var err error
			cam, err = database.AddCamera(db.Camera{
				ShortName:   cc.ShortName,
				Description: cc.Description,
				OnvifHost:   cc.OnvifHost,
				Username:    cc.Username,
				Password:    cc.Password,
			})
			if err != nil {
				return err
			}
		}
		existing := make(map[string]db.Stream)
		for _, st := range database.StreamsForCamera(cam.ID) {
			existing[string(st.Type)] = st
		}
		for _, sc := range cc.Streams {
			if st, ok := existing[sc.Type]; ok {
				if st.RetainBytes != sc.RetainBytes {
					if err := database.SetStreamRetainBytes(st.ID, sc.RetainBytes); err != nil {
						return err
					}
				}
				continue
			}
			var dirID *int32
			if sc.SampleFileDir != "" {
				id := dirIDs[sc.SampleFileDir]
				dirID = &id
			}
			if _, err := database.AddStream(db.Stream{
				CameraID:        cam.ID,
				Type:            db.StreamType(sc.Type),
				SampleFileDirID: dirID,
				RTSPURL:         sc.RTSPURL,
				RTSPTransport:   sc.RTSPTransport,
				Record:          sc.Record,
				FlushIfSec:      sc.FlushIfSec,
				RetainBytes:     sc.RetainBytes,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
