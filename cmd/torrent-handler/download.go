package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	torrenthandler "github.com/anacrolix/torrent-handler"
)

type DownloadCmd struct {
	Dir      string   `default:"." help:"directory to download into"`
	Progress bool     `default:"true" help:"print progress every few seconds"`
	Tracker  []string `help:"extra trackers to announce to"`
	Magnet   string   `arg:"positional,required" help:"magnet uri"`
}

func progressBar(ctx context.Context, s *torrenthandler.Session) {
	start := time.Now()
	var lastLine string
	var lastBytes int64
	interval := 3 * time.Second
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		p := s.Progress()
		var line string
		if p.Pieces == 0 {
			line = fmt.Sprintf("%v: resolving metadata for %q\n", time.Since(start), p.Name)
		} else {
			line = fmt.Sprintf(
				"%v: %v %q: %s/%s, %d/%d pieces from %d peers: %v/s\n",
				time.Since(start),
				p.State,
				p.Name,
				humanize.Bytes(uint64(p.BytesVerified)),
				humanize.Bytes(uint64(p.Bytes)),
				p.PiecesVerified,
				p.Pieces,
				p.Peers,
				humanize.Bytes(uint64(float64(p.BytesVerified-lastBytes)/interval.Seconds())),
			)
		}
		if line != lastLine {
			lastLine = line
			os.Stdout.WriteString(line)
		}
		lastBytes = p.BytesVerified
	}
}

func downloadErr(cfg *torrenthandler.Config, cmd *DownloadCmd) error {
	cfg.ExtraTrackers = append(cfg.ExtraTrackers, cmd.Tracker...)
	var stop missinggo.SynchronizedEvent
	go exitSignalHandlers(&stop)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop.C()
		cancel()
	}()

	s := torrenthandler.NewSession(cfg)
	defer s.Stop()
	_, err := s.Start(cmd.Magnet, cmd.Dir)
	if err != nil {
		return fmt.Errorf("starting download: %w", err)
	}
	if cmd.Progress {
		go progressBar(ctx, s)
	}
	err = s.WaitComplete(ctx)
	if errors.Is(err, context.Canceled) {
		cfg.Logger.Levelf(log.Info, "download interrupted")
		return nil
	}
	if err != nil {
		return err
	}
	p := s.Progress()
	cfg.Logger.Levelf(log.Info, "downloaded %q (%s)", p.Name, humanize.Bytes(uint64(p.Bytes)))
	for _, f := range s.GetFiles() {
		fmt.Println(f)
	}
	return nil
}
