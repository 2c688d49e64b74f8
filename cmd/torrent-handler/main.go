// Downloads magnet links from the command line, or serves the plugin method channel over
// stdio as newline-delimited JSON for a host process.
//
// Example run:
// $ go run ./cmd/torrent-handler download --dir /tmp/dl 'magnet:?xt=urn:btih:...'
// 1.00296648s: resolving metadata for "ubuntu-24.04-live-server-amd64.iso"
// 4.01437648s: downloading "ubuntu-24.04-live-server-amd64.iso": 12 MB/2.7 GB, 45/10396 pieces from 23 peers: 4.1 MB/s
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2"
	"github.com/davecgh/go-spew/spew"

	"github.com/anacrolix/torrent-handler/internal/metrics"
	"github.com/anacrolix/torrent-handler/version"
)

var flags struct {
	Debug       bool   `help:"log at debug level"`
	Config      string `help:"YAML file with session settings"`
	MetricsAddr string `help:"serve prometheus metrics on this address"`

	*DownloadCmd `arg:"subcommand:download"`
	*ServeCmd    `arg:"subcommand:serve"`
	*VersionCmd  `arg:"subcommand:version"`
}

type VersionCmd struct{}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		log.Printf("error in main: %v", err)
		os.Exit(1)
	}
}

func mainErr() error {
	p := arg.MustParse(&flags)
	if flags.VersionCmd != nil {
		fmt.Printf("HTTP User-Agent: %q\n", version.DefaultHttpUserAgent)
		fmt.Printf("Torrent client version: %q\n", version.DefaultExtendedHandshakeClientVersion)
		fmt.Printf("Torrent version prefix: %q\n", version.DefaultBep20Prefix)
		return nil
	}
	cfg, err := loadConfig(flags.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	level := log.Info
	if flags.Debug {
		level = log.Debug
	}
	logger := log.Default.WithNames("torrent-handler").FilterLevel(level)
	cfg.Logger = logger
	if flags.Debug {
		logger.Levelf(log.Debug, "config: %s", spew.Sdump(cfg))
	}
	if flags.MetricsAddr != "" {
		go serveMetrics(flags.MetricsAddr, logger)
	}
	switch {
	case flags.DownloadCmd != nil:
		return downloadErr(cfg, flags.DownloadCmd)
	case flags.ServeCmd != nil:
		return serveErr(cfg)
	default:
		p.Fail(fmt.Sprintf("unexpected subcommand: %v", p.Subcommand()))
		panic("unreachable")
	}
}

func serveMetrics(addr string, logger log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	err := http.ListenAndServe(addr, mux)
	logger.Levelf(log.Error, "serving metrics on %q: %v", addr, err)
}

func exitSignalHandlers(notify *missinggo.SynchronizedEvent) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	for {
		log.Printf("close signal received: %+v", <-c)
		notify.Set()
	}
}
