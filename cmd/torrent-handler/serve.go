package main

import (
	"context"
	"os"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2"

	torrenthandler "github.com/anacrolix/torrent-handler"
	"github.com/anacrolix/torrent-handler/channel"
)

// Speaks the method channel on stdin and stdout. Logging goes to stderr.
type ServeCmd struct{}

type eventData struct {
	InfoHash string `json:"infoHash"`
	Piece    *int   `json:"piece,omitempty"`
	Error    string `json:"error,omitempty"`
}

func eventMessage(ev torrenthandler.Event) (name string, data eventData) {
	name = ev.Type.String()
	data.InfoHash = ev.InfoHash.HexString()
	if ev.Type == torrenthandler.EventPieceVerified || ev.Type == torrenthandler.EventPieceHashFailed {
		data.Piece = &ev.Piece
	}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}
	return
}

func serveErr(cfg *torrenthandler.Config) error {
	var stop missinggo.SynchronizedEvent
	go exitSignalHandlers(&stop)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop.C()
		cancel()
	}()

	h := &channel.Handler{Logger: cfg.Logger.WithNames("channel")}
	srv := channel.NewServer(os.Stdout, h)
	cfg.Callbacks.OnEvent = func(ev torrenthandler.Event) {
		err := srv.SendEvent(eventMessage(ev))
		if err != nil {
			cfg.Logger.Levelf(log.Debug, "sending event: %v", err)
		}
	}
	s := torrenthandler.NewSession(cfg)
	defer s.Stop()
	h.Engine = s
	cfg.Logger.Levelf(log.Info, "serving %q channel on stdio", channel.Name)
	err := srv.Serve(ctx, os.Stdin)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
