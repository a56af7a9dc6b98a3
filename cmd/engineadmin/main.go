// cmd/engineadmin is the admin-surface entrypoint: it opens the storage
// engine, optionally a WAL and vector cache alongside it, and serves
// internal/adminapi's read-only introspection HTTP surface. It replaces
// the teacher's networked cluster API (cmd/server), since cross-process
// synchronization is an explicit non-goal — this binary never lets a
// remote caller mutate engine state, only inspect it.
//
// Example:
//
//	./engineadmin -data-dir /var/lib/myapp -addr :8090
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rhinos0608/kvengine/internal/adminapi"
	"github.com/rhinos0608/kvengine/internal/events"
	"github.com/rhinos0608/kvengine/internal/kos"
	"github.com/rhinos0608/kvengine/internal/vectorcache"
	"github.com/rhinos0608/kvengine/internal/wal"
)

func main() {
	dataDir := flag.String("data-dir", "/tmp/kvengine", "Directory for the engine's on-disk state")
	addr := flag.String("addr", ":8090", "Listen address (host:port)")
	enableWAL := flag.Bool("wal", true, "Wire a WAL instance for /admin/wal inspection")
	enableCache := flag.Bool("cache", false, "Wire a vector cache instance for /admin/cache/stats")
	flag.Parse()

	bus := events.New()

	kosOpts := kos.DefaultOptions(*dataDir)
	kosOpts.Bus = bus
	kosOpts.EnableFallback = true
	engine, err := kos.OpenWithRetry(kosOpts)
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer engine.Close()

	var w *wal.WAL
	if *enableWAL {
		walOpts := wal.DefaultOptions(*dataDir + "/wal")
		walOpts.Bus = bus
		w, err = wal.New(walOpts)
		if err != nil {
			log.Fatalf("open wal: %v", err)
		}
		defer w.Close()
		if err := w.ReplayWal(); err != nil {
			log.Printf("wal replay error: %v", err)
		}
	}

	var cache *vectorcache.Cache
	if *enableCache {
		cache = vectorcache.New(vectorcache.DefaultOptions())
		defer cache.Close()
	}

	server := adminapi.New(engine, w, cache, bus)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	bus.On(events.TopicStorageError, func(payload any) {
		log.Printf("storage error: %v", payload)
	})

	go func() {
		log.Printf("engineadmin listening on %s (data-dir=%s)", *addr, *dataDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down engineadmin")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}
