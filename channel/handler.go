// Package channel exposes a download engine through the four method calls of the mobile plugin
// channel: init, start, getFiles and stop.
package channel

import (
	"fmt"

	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	"github.com/anacrolix/torrent-handler/metadata"
)

// The channel name host apps register.
const Name = "dart_torrent_handler"

const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeNotImplemented  = "NOT_IMPLEMENTED"
)

// What the handler drives. Implemented by *torrenthandler.Session.
type Engine interface {
	Init() error
	Start(magnetURL, downloadPath string) (string, error)
	GetFiles() []string
	Stop()
}

type MethodCall struct {
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// An error result of a method call, as the host sees it.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

func (me *Error) Error() string {
	if me.Message == "" {
		return me.Code
	}
	return fmt.Sprintf("%s: %s", me.Code, me.Message)
}

type Handler struct {
	Engine Engine
	Logger log.Logger
}

// Runs the call against the engine. Errors are always *Error. Only argument validation fails a
// call; deeper start failures give an empty path and are left to the engine's events.
func (h *Handler) Handle(call MethodCall) (any, error) {
	switch call.Method {
	case "init":
		err := h.Engine.Init()
		if err != nil {
			h.Logger.Levelf(log.Warning, "init: %v", err)
		}
		return nil, nil
	case "start":
		magnetURL, ok := stringArg(call.Arguments, "magnetUrl")
		if !ok {
			return nil, &Error{Code: CodeInvalidArgument, Message: "Magnet URL is missing"}
		}
		downloadPath, ok := stringArg(call.Arguments, "downloadPath")
		if !ok {
			return nil, &Error{Code: CodeInvalidArgument, Message: "Download path is missing"}
		}
		path, err := h.Engine.Start(magnetURL, downloadPath)
		if errors.Is(err, metadata.ErrInvalidMagnet) {
			return nil, &Error{Code: CodeInvalidArgument, Message: err.Error()}
		}
		if err != nil {
			h.Logger.Levelf(log.Warning, "starting %q: %v", magnetURL, err)
			return "", nil
		}
		return path, nil
	case "getFiles":
		files := h.Engine.GetFiles()
		if files == nil {
			files = []string{}
		}
		return files, nil
	case "stop":
		h.Engine.Stop()
		return nil, nil
	}
	return nil, &Error{Code: CodeNotImplemented, Message: fmt.Sprintf("method %q not implemented", call.Method)}
}

// Missing, non-string and empty arguments are all absent.
func stringArg(args map[string]any, name string) (string, bool) {
	s, ok := args[name].(string)
	return s, ok && s != ""
}
