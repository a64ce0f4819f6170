package main

import (
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/ngaut/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unikv/tabletstore/config"
	"github.com/unikv/tabletstore/tablet"
)

var (
	configPath = flag.String("config", "", "config file path")
	dbPath     = flag.String("db-path", "", "tablet data directory")
	tabletID   = flag.String("tablet-id", "tablet-1", "tablet id")
)

var (
	gitHash = "None"
)

func main() {
	flag.Parse()
	conf := config.Load(*configPath)
	if *dbPath != "" {
		conf.Engine.DBPath = *dbPath
	}
	runtime.GOMAXPROCS(conf.Server.MaxProcs)
	log.Info("gitHash:", gitHash)
	log.SetLevelByString(conf.Server.LogLevel)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	log.Infof("conf %v", conf)

	t := tablet.New(tablet.Options{
		ID:         *tabletID,
		Conf:       conf,
		Schema:     &tablet.Schema{Version: 1},
		Registerer: prometheus.DefaultRegisterer,
	})
	if err := t.Open(); err != nil {
		log.Fatal(err)
	}
	if err := t.MarkFinishedBootstrapping(); err != nil {
		log.Fatal(err)
	}

	go func() {
		log.Infof("listening on %v", conf.Server.StatusAddr)
		http.HandleFunc("/status", func(writer http.ResponseWriter, request *http.Request) {
			if t.State() != tablet.StateOpen {
				writer.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			writer.WriteHeader(http.StatusOK)
		})
		http.Handle("/metrics", promhttp.Handler())
		err := http.ListenAndServe(conf.Server.StatusAddr, nil)
		if err != nil {
			log.Fatal(err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	sig := <-sigCh
	log.Infof("Got signal [%s] to exit.", sig)
	t.SetShutdownRequestedFlag()
	if err := t.Shutdown(); err != nil {
		log.Fatal(err)
	}
	log.Info("Tablet shut down.")
}
