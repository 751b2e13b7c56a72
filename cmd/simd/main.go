package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/syntacticsugarglider/compartmentalmodel/internal/persistence/indexdb"
	persistlog "github.com/syntacticsugarglider/compartmentalmodel/internal/persistence/log"
	"github.com/syntacticsugarglider/compartmentalmodel/internal/persistence/snapshot"
	"github.com/syntacticsugarglider/compartmentalmodel/internal/render"
	"github.com/syntacticsugarglider/compartmentalmodel/internal/sim/scenario"
	"github.com/syntacticsugarglider/compartmentalmodel/internal/transport/observer"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "http listen address (empty to disable the observer feed)")
		scenarioPath = flag.String("scenario", "./configs/sir.yaml", "scenario file")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		disableDB    = flag.Bool("disable_db", false, "disable the sqlite tick index")
		disableLog   = flag.Bool("disable_log", false, "disable the compressed tick log")
		renderStdout = flag.Bool("render", false, "render the rolling table to stdout")
		speed        = flag.Uint64("speed", 0, "ticks per iteration (0 = scenario value)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", false, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[simd] ", log.LstdFlags|log.Lmicroseconds)

	sc, err := scenario.Load(*scenarioPath)
	if err != nil {
		logger.Fatalf("load scenario: %v", err)
	}

	model, err := sc.Build()
	if err != nil {
		logger.Fatalf("build model: %v", err)
	}

	runDir := filepath.Join(*dataDir, sanitize(sc.Name))
	_ = os.MkdirAll(runDir, 0o755)

	// Resume (fresh start when no snapshot is found).
	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(runDir)
	}
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if err := model.ImportSnapshot(snap); err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s tick=%d", filepath.Base(snapshotToLoad), model.CurrentTick())
	}

	if *renderStdout {
		model.AttachSink(render.NewTable(os.Stdout, sc.History))
	}

	if !*disableLog {
		tickLog := persistlog.NewTickLogger(runDir)
		defer tickLog.Close()
		model.AttachSink(tickLog)
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(runDir, "index.db"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		idx.SetMeta("scenario", sc.Name)
		model.AttachSink(idx)
	}

	// Snapshot writing runs off-thread; the sim loop drops snapshots if this
	// writer backs up.
	snapCh := make(chan snapshot.SnapshotV1, 2)
	model.SetSnapshotSink(snapCh)
	go func() {
		for snap := range snapCh {
			path := filepath.Join(runDir, "snapshots", fmt.Sprintf("tick_%012d.snap.zst", snap.Header.Tick))
			if err := snapshot.WriteSnapshot(path, snap); err != nil {
				logger.Printf("write snapshot: %v", err)
				continue
			}
			if idx != nil {
				idx.RecordSnapshot(path, snap)
			}
			logger.Printf("snapshot written tick=%d path=%s", snap.Header.Tick, filepath.Base(path))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *addr != "" {
		obs := observer.NewServer(model, logger)
		model.AttachSink(obs)

		mux := http.NewServeMux()
		mux.HandleFunc("/v1/observer/bootstrap", obs.BootstrapHandler())
		mux.HandleFunc("/v1/observer/ws", obs.WSHandler())

		srv := &http.Server{Addr: *addr, Handler: mux}
		go func() {
			logger.Printf("observer feed on %s", *addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatalf("http: %v", err)
			}
		}()
		defer srv.Close()
	}

	runSpeed := sc.Speed
	if *speed > 0 {
		runSpeed = *speed
	}

	logger.Printf("running scenario=%q speed=%d interval=%s buckets=%d", sc.Name, runSpeed, sc.TickInterval(), len(sc.Buckets))
	if err := model.Run(ctx, runSpeed); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("run: %v", err)
	}
	logger.Printf("stopped at tick=%d", model.CurrentTick())
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func latestSnapshot(runDir string) string {
	dir := filepath.Join(runDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".snap.zst") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1])
}
